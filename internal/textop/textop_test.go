package textop

import (
	"errors"
	"math/rand"
	"testing"
)

func TestDiff(t *testing.T) {
	cases := []struct {
		name   string
		before string
		after  string
		want   Operation
	}{
		{name: "empty to text", before: "", after: "Hello", want: Insert(0, "Hello")},
		{name: "text to empty", before: "Hello", after: "", want: Delete(0, 5)},
		{name: "append", before: "Hello", after: "Hello World", want: Insert(5, " World")},
		{name: "truncate", before: "Hello World", after: "Hello", want: Delete(5, 6)},
		{name: "middle insert", before: "Helo", after: "Hello", want: Insert(3, "l")},
		{name: "prefix delete", before: "Hello World", after: "World", want: Delete(0, 6)},
		{name: "identical", before: "same", after: "same", want: Operation{}},
		{name: "same length replacement", before: "cat", after: "car", want: Operation{}},
		{name: "runes not bytes", before: "héllo", after: "héllo wörld", want: Insert(5, " wörld")},
		{name: "repeated characters", before: "aa", after: "aaa", want: Insert(2, "a")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Diff(tc.before, tc.after); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDiffThenApplyReproducesAfter(t *testing.T) {
	pairs := [][2]string{
		{"", "abc"},
		{"abc", ""},
		{"Hello World", "Hello There World"},
		{"Hello There World", "Hello World"},
		{"日本語", "日本語テキスト"},
		{"abcabc", "abc"},
	}
	for _, p := range pairs {
		op := Diff(p[0], p[1])
		got, err := Apply(p[0], op)
		if err != nil {
			t.Fatalf("apply %s to %q: %v", op, p[0], err)
		}
		if got != p[1] {
			t.Fatalf("diff %s: expected %q, got %q", op, p[1], got)
		}
	}
}

func TestApply(t *testing.T) {
	cases := []struct {
		doc  string
		op   Operation
		want string
	}{
		{doc: "Hello", op: Insert(5, " World"), want: "Hello World"},
		{doc: "Hello World", op: Delete(0, 6), want: "World"},
		{doc: "naïve", op: Delete(2, 1), want: "nave"},
		{doc: "abc", op: Operation{}, want: "abc"},
	}
	for _, tc := range cases {
		got, err := Apply(tc.doc, tc.op)
		if err != nil {
			t.Fatalf("apply %s to %q: %v", tc.op, tc.doc, err)
		}
		if got != tc.want {
			t.Fatalf("apply %s to %q: expected %q, got %q", tc.op, tc.doc, tc.want, got)
		}
	}
}

func TestApplyOutOfRange(t *testing.T) {
	cases := []Operation{
		Insert(6, "x"),
		Insert(-1, "x"),
		Delete(3, 3),
		Delete(-1, 1),
		Delete(0, -1),
	}
	for _, op := range cases {
		got, err := Apply("Hello", op)
		if !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("op %s: expected out of range, got %v", op, err)
		}
		if got != "Hello" {
			t.Fatalf("op %s: expected document unchanged, got %q", op, got)
		}
	}

	if _, err := Apply("Hello", Operation{Kind: "replace"}); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
}

func TestInsertDeleteInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		doc := randomText(rng, rng.Intn(20))
		text := randomText(rng, 1+rng.Intn(5))
		pos := rng.Intn(Len(doc) + 1)

		inserted, err := Apply(doc, Insert(pos, text))
		if err != nil {
			t.Fatalf("insert %q at %d into %q: %v", text, pos, doc, err)
		}
		restored, err := Apply(inserted, Delete(pos, Len(text)))
		if err != nil {
			t.Fatalf("delete from %q: %v", inserted, err)
		}
		if restored != doc {
			t.Fatalf("expected %q restored, got %q", doc, restored)
		}
	}
}

func TestChangesReproduceAfter(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		before := randomText(rng, rng.Intn(12))
		after := randomText(rng, rng.Intn(12))
		ops := Changes(before, after)
		if len(ops) > 2 {
			t.Fatalf("expected at most 2 operations, got %v", ops)
		}
		got, err := ApplyAll(before, ops)
		if err != nil {
			t.Fatalf("apply %v to %q: %v", ops, before, err)
		}
		if got != after {
			t.Fatalf("before %q ops %v: expected %q, got %q", before, ops, after, got)
		}
	}
}

func TestChangesReplacement(t *testing.T) {
	ops := Changes("cat", "car")
	if len(ops) != 2 || ops[0] != Delete(2, 1) || ops[1] != Insert(2, "r") {
		t.Fatalf("expected delete then insert, got %v", ops)
	}
	if ops := Changes("same", "same"); ops != nil {
		t.Fatalf("expected no changes, got %v", ops)
	}
	ops = Changes("Hello", "Hello!")
	if len(ops) != 1 || ops[0] != Insert(5, "!") {
		t.Fatalf("expected single insert, got %v", ops)
	}
}

func TestApplyAllStopsOnFailure(t *testing.T) {
	got, err := ApplyAll("abc", []Operation{Insert(3, "d"), Delete(10, 1)})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if got != "abc" {
		t.Fatalf("expected original document on failure, got %q", got)
	}
}

func randomText(rng *rand.Rand, n int) string {
	alphabet := []rune("abcé世 ")
	out := make([]rune, n)
	for i := range out {
		out[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(out)
}
