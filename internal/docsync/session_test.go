package docsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/textop"
)

const (
	alice = "0xAlice"
	bob   = "0xBob"
)

type harness struct {
	ledger    *fakeLedger
	presenter *recordingPresenter
	session   *Session
	cancel    context.CancelFunc
	runErr    chan error
}

func startSession(t *testing.T, ledger *fakeLedger, mutate func(*SessionOptions)) *harness {
	t.Helper()
	presenter := &recordingPresenter{}
	opts := SessionOptions{
		Identity:   StaticIdentity(alice),
		Source:     ledger,
		Subscriber: ledger,
		Gateway:    ledger,
		Presenter:  presenter,
	}
	if mutate != nil {
		mutate(&opts)
	}
	session, err := NewSession(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{ledger: ledger, presenter: presenter, session: session, cancel: cancel, runErr: make(chan error, 1)}
	go func() { h.runErr <- session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-session.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})

	select {
	case <-session.Ready():
	case err := <-h.runErr:
		t.Fatalf("session stopped before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("session not ready")
	}
	waitUntil(t, "live subscription", func() bool {
		ledger.mu.Lock()
		defer ledger.mu.Unlock()
		return len(ledger.subs) > 0
	})
	return h
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	waitUntil(t, msg, func() bool {
		return cond(h.session.Snapshot())
	})
	return h.session.Snapshot()
}

func (h *harness) waitDocument(t *testing.T, doc string) Snapshot {
	t.Helper()
	return h.waitFor(t, func(s Snapshot) bool {
		return s.Presented == doc && s.Document == doc && !s.InFlight
	}, "document "+doc)
}

func assertSubmitted(t *testing.T, tx *fakePendingTx, want textop.Operation) {
	t.Helper()
	if tx.op != want {
		t.Fatalf("expected submitted %s, got %s", want, tx.op)
	}
}

func TestSessionReplaysHistoryInLedgerOrder(t *testing.T) {
	ledger := &fakeLedger{
		head: 3,
		events: []Event{
			deleteEvent(alice, 3, 0, 0, 6),
			insertEvent(alice, 1, 0, 0, "Hello"),
			insertEvent(bob, 2, 0, 5, " World"),
		},
	}
	h := startSession(t, ledger, nil)

	snap := h.session.Snapshot()
	if snap.Document != "World" || snap.Confirmed != "World" {
		t.Fatalf("expected replayed World, got %+v", snap)
	}
	if want := (OrderKey{Block: 3, Index: int(^uint(0) >> 1)}); snap.Watermark != want {
		t.Fatalf("expected watermark %s, got %s", want, snap.Watermark)
	}
	doc, cursor := h.presenter.last()
	if doc != "World" || cursor != 5 {
		t.Fatalf("expected World with cursor 5 published, got %q %d", doc, cursor)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.subscribeAt) != 1 || ledger.subscribeAt[0] != 4 {
		t.Fatalf("expected one subscription from block 4, got %v", ledger.subscribeAt)
	}
}

func TestSessionReplayFallsBackToNarrowWindow(t *testing.T) {
	ledger := &fakeLedger{
		head: 1000,
		queryErr: func(from, to uint64) error {
			if to-from > 10 {
				return errQueryWindow
			}
			return nil
		},
	}
	h := startSession(t, ledger, nil)

	snap := h.session.Snapshot()
	if !snap.Degraded || snap.Document != "" {
		t.Fatalf("expected degraded empty document, got %+v", snap)
	}
	if notices := h.presenter.errorNotices(); len(notices) != 0 {
		t.Fatalf("expected no error notices, got %+v", notices)
	}

	ledger.mu.Lock()
	first, second := ledger.queries[0], ledger.queries[1]
	ledger.mu.Unlock()
	if first != [2]uint64{0, 1000} || second != [2]uint64{990, 1000} {
		t.Fatalf("expected [0 1000] then [990 1000], got %v %v", first, second)
	}

	h.session.OnLocalEdit("hi")
	assertSubmitted(t, ledger.waitSubmitted(t, 1), textop.Insert(0, "hi"))
}

func TestSessionAppliesRemoteEventAndShiftsCursor(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "Hello World")}}
	h := startSession(t, ledger, nil)

	h.session.SetCursor(8)
	h.waitFor(t, func(s Snapshot) bool { return s.Cursor == 8 }, "cursor moved")

	ledger.emit(t, deleteEvent(bob, 2, 0, 0, 5))
	snap := h.waitDocument(t, " World")
	if snap.Cursor != 3 || snap.State != StateIdle {
		t.Fatalf("expected idle with cursor 3, got %+v", snap)
	}
	doc, cursor := h.presenter.last()
	if doc != " World" || cursor != 3 {
		t.Fatalf("expected %q with cursor 3 published, got %q %d", " World", doc, cursor)
	}
}

func TestSessionDiscardsSelfAuthoredEvents(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "abc")}}
	h := startSession(t, ledger, nil)

	ledger.emit(t, insertEvent("0xALICE", 2, 0, 0, "zzz"))
	ledger.emit(t, insertEvent(bob, 3, 0, 3, "d"))
	h.waitDocument(t, "abcd")
}

func TestSessionDiscardsEchoOfConfirmedSubmission(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("ab")
	tx := ledger.waitSubmitted(t, 1)
	tx.confirm(OrderKey{Block: 1})
	h.waitDocument(t, "ab")

	ledger.emit(t, withHash(insertEvent(alice, 1, 0, 0, "ab"), tx.hash))
	ledger.emit(t, insertEvent(bob, 2, 0, 2, "!"))
	h.waitDocument(t, "ab!")
}

func TestSessionAppliesLateInclusionOfRolledBackEdit(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "abc")}}
	h := startSession(t, ledger, func(o *SessionOptions) {
		o.ConfirmTimeout = 20 * time.Millisecond
	})

	h.session.OnLocalEdit("abcX")
	tx := ledger.waitSubmitted(t, 1)
	h.waitFor(t, func(s Snapshot) bool {
		return !s.InFlight && s.Presented == "abc" && len(h.presenter.errorNotices()) == 1
	}, "timeout rollback")

	// The ledger seals the transaction after the client gave up on it.
	ledger.emit(t, withHash(insertEvent(alice, 2, 0, 3, "X"), tx.hash))
	snap := h.waitDocument(t, "abcX")
	if snap.Confirmed != "abcX" {
		t.Fatalf("expected confirmed state to include the late edit, got %q", snap.Confirmed)
	}

	// A second echo of the same hash is not applied again.
	ledger.emit(t, withHash(insertEvent(alice, 3, 0, 3, "X"), tx.hash))
	ledger.emit(t, insertEvent(bob, 4, 0, 4, "!"))
	h.waitDocument(t, "abcX!")
}

func TestSessionDropsEventsCoveredByReplay(t *testing.T) {
	ledger := &fakeLedger{head: 5, events: []Event{insertEvent(bob, 5, 0, 0, "abc")}}
	h := startSession(t, ledger, nil)

	ledger.emit(t, insertEvent(bob, 5, 0, 0, "abc"))
	ledger.emit(t, insertEvent(bob, 6, 0, 3, "!"))
	h.waitDocument(t, "abc!")
}

func TestSessionHelloWorldThereScenario(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("Hello")
	tx := ledger.waitSubmitted(t, 1)
	assertSubmitted(t, tx, textop.Insert(0, "Hello"))
	snap := h.waitFor(t, func(s Snapshot) bool { return s.InFlight }, "in flight")
	if snap.State != StateSubmittingLocal || snap.Document != "Hello" || snap.Confirmed != "" {
		t.Fatalf("expected optimistic Hello over empty confirmed state, got %+v", snap)
	}

	tx.confirm(OrderKey{Block: 1})
	h.waitDocument(t, "Hello")

	ledger.emit(t, insertEvent(bob, 2, 0, 5, " World"))
	h.waitDocument(t, "Hello World")

	h.session.OnLocalEdit("Hello There World")
	tx = ledger.waitSubmitted(t, 2)
	assertSubmitted(t, tx, textop.Insert(6, "There "))
	tx.confirm(OrderKey{Block: 3})
	snap = h.waitDocument(t, "Hello There World")
	if snap.Confirmed != "Hello There World" || snap.Pending != 0 {
		t.Fatalf("expected confirmed with nothing pending, got %+v", snap)
	}
}

func TestSessionRollsBackRejectedSubmission(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "abc")}}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("abcd")
	tx := ledger.waitSubmitted(t, 1)
	tx.revert("out of range")

	snap := h.waitDocument(t, "abc")
	if snap.Pending != 0 {
		t.Fatalf("expected nothing pending after rollback, got %d", snap.Pending)
	}
	if doc, _ := h.presenter.last(); doc != "abc" {
		t.Fatalf("expected abc published, got %q", doc)
	}
	notices := h.presenter.errorNotices()
	if len(notices) != 1 || !errors.Is(notices[0].Err, ErrSubmissionFailed) {
		t.Fatalf("expected one submission failure notice, got %+v", notices)
	}
}

func TestSessionRollsBackWhenGatewayUnreachable(t *testing.T) {
	ledger := &fakeLedger{submitErr: ErrNetworkUnavailable}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("typed")
	h.waitFor(t, func(s Snapshot) bool {
		return len(h.presenter.errorNotices()) == 1 && s.Presented == ""
	}, "rollback")
	if err := h.presenter.errorNotices()[0].Err; !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("expected network unavailable, got %v", err)
	}
}

func TestSessionRollsBackOnConfirmationTimeout(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, func(o *SessionOptions) {
		o.ConfirmTimeout = 20 * time.Millisecond
	})

	h.session.OnLocalEdit("x")
	ledger.waitSubmitted(t, 1)
	h.waitFor(t, func(s Snapshot) bool {
		return !s.InFlight && s.Presented == "" && len(h.presenter.errorNotices()) == 1
	}, "timeout rollback")
	err := h.presenter.errorNotices()[0].Err
	if !errors.Is(err, ErrSubmissionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected submission failure wrapping deadline, got %v", err)
	}
}

func TestSessionQueuesEditsWhileSubmitting(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("a")
	first := ledger.waitSubmitted(t, 1)
	h.session.OnLocalEdit("ab")
	h.waitFor(t, func(s Snapshot) bool { return s.Pending == 1 && s.Presented == "ab" }, "queued")
	if n := len(ledger.submissions()); n != 1 {
		t.Fatalf("expected one outstanding submission, got %d", n)
	}

	first.confirm(OrderKey{Block: 1})
	second := ledger.waitSubmitted(t, 2)
	assertSubmitted(t, second, textop.Insert(1, "b"))
	second.confirm(OrderKey{Block: 2})
	h.waitDocument(t, "ab")
}

func TestSessionIgnoresEditsEchoedDuringPublish(t *testing.T) {
	ledger := &fakeLedger{}
	var session atomic.Pointer[Session]
	h := startSession(t, ledger, func(o *SessionOptions) {
		presenter := o.Presenter.(*recordingPresenter)
		presenter.onPublish = func(doc string) {
			if s := session.Load(); s != nil {
				s.OnLocalEdit(doc + " echo")
			}
		}
	})
	session.Store(h.session)

	ledger.emit(t, insertEvent(bob, 1, 0, 0, "remote"))
	h.waitDocument(t, "remote")
	time.Sleep(20 * time.Millisecond)
	if subs := ledger.submissions(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %d", len(subs))
	}
	if got := h.session.Snapshot().Presented; got != "remote" {
		t.Fatalf("expected remote presented, got %q", got)
	}
}

func TestSessionRefoldsWhenOwnEditOrderedBeforeRemote(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("ab")
	tx := ledger.waitSubmitted(t, 1)

	ledger.emit(t, insertEvent(bob, 2, 0, 0, "X"))
	h.waitFor(t, func(s Snapshot) bool { return s.Confirmed == "X" }, "remote applied")
	if got := h.session.Snapshot().Document; got != "abX" {
		t.Fatalf("expected optimistic abX, got %q", got)
	}

	tx.confirm(OrderKey{Block: 1})
	snap := h.waitDocument(t, "Xab")
	if snap.Confirmed != "Xab" {
		t.Fatalf("expected refolded Xab, got %q", snap.Confirmed)
	}
}

func TestSessionChunksLargeInserts(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, func(o *SessionOptions) {
		o.MaxChunkRunes = 4
	})

	h.session.OnLocalEdit("abcdefghij")
	want := []textop.Operation{
		textop.Insert(0, "abcd"),
		textop.Insert(4, "efgh"),
		textop.Insert(8, "ij"),
	}
	for i, op := range want {
		tx := ledger.waitSubmitted(t, i+1)
		assertSubmitted(t, tx, op)
		tx.confirm(OrderKey{Block: uint64(i + 1)})
	}
	h.waitDocument(t, "abcdefghij")
}

func TestSessionBatchWindowCoalescesBursts(t *testing.T) {
	ledger := &fakeLedger{}
	h := startSession(t, ledger, func(o *SessionOptions) {
		o.BatchWindow = 50 * time.Millisecond
	})

	h.session.OnLocalEdit("a")
	h.session.OnLocalEdit("ab")
	h.session.OnLocalEdit("abc")
	tx := ledger.waitSubmitted(t, 1)
	assertSubmitted(t, tx, textop.Insert(0, "abc"))
	tx.confirm(OrderKey{Block: 1})
	h.waitDocument(t, "abc")
	if n := len(ledger.submissions()); n != 1 {
		t.Fatalf("expected one coalesced submission, got %d", n)
	}
}

func TestSessionSubmitsReplacementAsDeleteThenInsert(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "cat")}}
	h := startSession(t, ledger, nil)

	h.session.OnLocalEdit("car")
	del := ledger.waitSubmitted(t, 1)
	assertSubmitted(t, del, textop.Delete(2, 1))
	del.confirm(OrderKey{Block: 2})
	ins := ledger.waitSubmitted(t, 2)
	assertSubmitted(t, ins, textop.Insert(2, "r"))
	ins.confirm(OrderKey{Block: 3})
	h.waitDocument(t, "car")
}

func TestSessionRebasesUnsubmittedEditsOverRemote(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "Hello")}}
	h := startSession(t, ledger, func(o *SessionOptions) {
		o.BatchWindow = time.Hour
	})

	h.session.OnLocalEdit("Hello!")
	h.waitFor(t, func(s Snapshot) bool { return s.Presented == "Hello!" }, "local edit")

	ledger.emit(t, insertEvent(bob, 2, 0, 0, ">"))
	snap := h.waitFor(t, func(s Snapshot) bool { return s.Confirmed == ">Hello" }, "remote applied")
	if snap.Presented != ">Hello!" || snap.Cursor != 7 || snap.Pending != 1 {
		t.Fatalf("expected rebased >Hello! with cursor 7 and one pending, got %+v", snap)
	}
	if doc, _ := h.presenter.last(); doc != ">Hello!" {
		t.Fatalf("expected >Hello! published, got %q", doc)
	}
}

func TestSessionResetsWhenSubscriptionFails(t *testing.T) {
	ledger := &fakeLedger{head: 1, events: []Event{insertEvent(bob, 1, 0, 0, "abc")}}
	h := startSession(t, ledger, nil)

	ledger.mu.Lock()
	sub := ledger.subs[0]
	ledger.mu.Unlock()
	sub.err = errors.New("connection reset")
	close(sub.events)

	select {
	case err := <-h.runErr:
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Fatalf("expected network unavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
	snap := h.session.Snapshot()
	if snap.Document != "" || snap.State != StateIdle {
		t.Fatalf("expected reset idle session, got %+v", snap)
	}
}

func TestNewSessionRequiresCollaborators(t *testing.T) {
	ledger := &fakeLedger{}
	if _, err := NewSession(SessionOptions{Source: ledger, Subscriber: ledger, Gateway: ledger}); err == nil {
		t.Fatalf("expected error without identity")
	}
	if _, err := NewSession(SessionOptions{Identity: StaticIdentity(alice), Subscriber: ledger, Gateway: ledger}); err == nil {
		t.Fatalf("expected error without event source")
	}
}
