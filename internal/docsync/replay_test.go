package docsync

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

func TestReplayReadsFromGenesis(t *testing.T) {
	ledger := &fakeLedger{
		head: 500,
		events: []Event{
			insertEvent(alice, 3, 0, 0, "Hello"),
			insertEvent(bob, 450, 0, 5, " World"),
		},
	}
	result, err := NewReplayer(ledger, ReplayOptions{}).Replay(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Document != "Hello World" || result.Applied != 2 || result.Skipped != 0 || result.Degraded {
		t.Fatalf("expected full history folded, got %+v", result)
	}
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	for _, q := range ledger.queries {
		if q != [2]uint64{0, 500} {
			t.Fatalf("expected every query to cover [0 500], got %v", ledger.queries)
		}
	}
}

func TestReplayFallbackUsesConfiguredWindow(t *testing.T) {
	ledger := &fakeLedger{
		head: 500,
		events: []Event{
			insertEvent(bob, 480, 0, 0, "tail"),
		},
		queryErr: func(from, to uint64) error {
			if from == 0 {
				return errQueryWindow
			}
			return nil
		},
	}
	result, err := NewReplayer(ledger, ReplayOptions{FallbackWindow: 25}).Replay(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !result.Degraded || result.Document != "tail" {
		t.Fatalf("expected degraded replay of the tail, got %+v", result)
	}
	ledger.mu.Lock()
	last := ledger.queries[len(ledger.queries)-1]
	ledger.mu.Unlock()
	if last != [2]uint64{475, 500} {
		t.Fatalf("expected fallback [475 500], got %v", last)
	}
}

func TestReplayFailsWhenFallbackFails(t *testing.T) {
	ledger := &fakeLedger{
		head:     50,
		queryErr: func(uint64, uint64) error { return errQueryWindow },
	}
	result, err := NewReplayer(ledger, ReplayOptions{}).Replay(context.Background())
	if !errors.Is(err, ErrReplayFailed) || !errors.Is(err, errQueryWindow) {
		t.Fatalf("expected replay failure wrapping the query error, got %v", err)
	}
	if !result.Degraded || result.Document != "" || !result.HeadKnown {
		t.Fatalf("expected usable empty degraded result, got %+v", result)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	history := []Event{
		insertEvent(alice, 1, 0, 0, "Hello"),
		insertEvent(bob, 1, 1, 5, " World"),
		deleteEvent(alice, 2, 0, 0, 6),
		insertEvent(bob, 2, 1, 5, "!"),
		// Out of range when folded in ledger order; skipped every time.
		deleteEvent(bob, 3, 0, 40, 2),
		insertEvent(alice, 4, 0, 0, ">> "),
		// Same key as the insert above; inserts sort before deletes.
		deleteEvent(bob, 4, 0, 0, 1),
	}
	replay := func(events []Event) ReplayResult {
		t.Helper()
		ledger := &fakeLedger{head: 4, events: events}
		result, err := NewReplayer(ledger, ReplayOptions{}).Replay(context.Background())
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		return result
	}

	want := replay(history)
	if want.Document != "> World!" || want.Applied != 6 || want.Skipped != 1 {
		t.Fatalf("unexpected baseline replay %+v", want)
	}
	if again := replay(history); again != want {
		t.Fatalf("second replay differs: %+v vs %+v", again, want)
	}

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		shuffled := append([]Event(nil), history...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := replay(shuffled); got != want {
			t.Fatalf("permutation %d replayed %+v, want %+v", i, got, want)
		}
	}
}
