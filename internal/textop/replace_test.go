package textop

import (
	"testing"
)

func TestBetween(t *testing.T) {
	r, ok := Between("Hello World", "Hello There World")
	if !ok {
		t.Fatalf("expected a replacement")
	}
	if want := (Replacement{Start: 6, End: 6, Text: "There "}); r != want {
		t.Fatalf("expected %+v, got %+v", want, r)
	}

	got, err := r.Apply("Hello World")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "Hello There World" {
		t.Fatalf("expected Hello There World, got %q", got)
	}

	if _, ok := Between("x", "x"); ok {
		t.Fatalf("expected no replacement between identical strings")
	}
}

func TestRebase(t *testing.T) {
	cases := []struct {
		name   string
		base   string
		local  string
		remote string
		want   string
		ok     bool
	}{
		{name: "remote before local", base: "Hello World", local: "Hello World!", remote: ">Hello World", want: ">Hello World!", ok: true},
		{name: "remote after local", base: "Hello World", local: "Hi World", remote: "Hello World!", want: "Hi World!", ok: true},
		{name: "same insert point remote first", base: "ab", local: "aXb", remote: "aYb", want: "aYXb", ok: true},
		{name: "remote delete before local", base: "Hello World", local: "Hello World!", remote: "World", want: "World!", ok: true},
		{name: "overlap", base: "Hello World", local: "Help World", remote: "Hel World", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local, ok := Between(tc.base, tc.local)
			if !ok {
				t.Fatalf("no local change")
			}
			remote, ok := Between(tc.base, tc.remote)
			if !ok {
				t.Fatalf("no remote change")
			}

			rebased, ok := Rebase(local, remote)
			if ok != tc.ok {
				t.Fatalf("expected ok=%t, got %t", tc.ok, ok)
			}
			if !ok {
				return
			}
			got, err := rebased.Apply(tc.remote)
			if err != nil {
				t.Fatalf("apply rebased: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestShiftPosition(t *testing.T) {
	cases := []struct {
		cursor int
		op     Operation
		want   int
	}{
		{cursor: 8, op: Delete(0, 5), want: 3},
		{cursor: 4, op: Delete(2, 5), want: 2},
		{cursor: 4, op: Delete(4, 2), want: 4},
		{cursor: 4, op: Insert(4, "hello"), want: 9},
		{cursor: 4, op: Insert(5, "hello"), want: 4},
		{cursor: 4, op: Operation{}, want: 4},
	}
	for _, tc := range cases {
		if got := ShiftPosition(tc.cursor, tc.op); got != tc.want {
			t.Fatalf("shift %d by %s: expected %d, got %d", tc.cursor, tc.op, tc.want, got)
		}
	}
}
