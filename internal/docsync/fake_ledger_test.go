package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/textop"
)

type fakeLedger struct {
	mu          sync.Mutex
	head        uint64
	events      []Event
	queryErr    func(from, to uint64) error
	queries     [][2]uint64
	subscribeAt []uint64
	subs        []*fakeSubscription
	submitted   []*fakePendingTx
	submitErr   error
}

func (f *fakeLedger) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) QueryEvents(_ context.Context, kind EventKind, from, to uint64) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.queryErr != nil {
		if err := f.queryErr(from, to); err != nil {
			return nil, err
		}
	}
	var out []Event
	for _, ev := range f.events {
		if ev.Kind == kind && ev.Key.Block >= from && ev.Key.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) Subscribe(_ context.Context, fromBlock uint64) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{events: make(chan Event, 16), closed: make(chan struct{})}
	f.subs = append(f.subs, sub)
	f.subscribeAt = append(f.subscribeAt, fromBlock)
	return sub, nil
}

func (f *fakeLedger) Submit(_ context.Context, op textop.Operation) (PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	tx := &fakePendingTx{
		hash:   fmt.Sprintf("0xtx%d", len(f.submitted)+1),
		op:     op,
		result: make(chan fakeResult, 1),
	}
	f.submitted = append(f.submitted, tx)
	return tx, nil
}

// emit delivers ev on every open subscription.
func (f *fakeLedger) emit(t *testing.T, ev Event) {
	t.Helper()
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()
	if len(subs) == 0 {
		t.Fatalf("no live subscription")
	}
	for _, sub := range subs {
		select {
		case sub.events <- ev:
		case <-time.After(time.Second):
			t.Fatalf("timed out delivering event %s", ev.Key)
		}
	}
}

func (f *fakeLedger) submissions() []*fakePendingTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePendingTx(nil), f.submitted...)
}

// waitSubmitted blocks until the n-th submission (1-based) arrives.
func (f *fakeLedger) waitSubmitted(t *testing.T, n int) *fakePendingTx {
	t.Helper()
	waitUntil(t, fmt.Sprintf("%d submissions", n), func() bool {
		return len(f.submissions()) >= n
	})
	return f.submissions()[n-1]
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeResult struct {
	receipt Receipt
	err     error
}

type fakePendingTx struct {
	hash   string
	op     textop.Operation
	result chan fakeResult
}

func (p *fakePendingTx) Hash() string {
	return p.hash
}

func (p *fakePendingTx) AwaitConfirmation(ctx context.Context) (Receipt, error) {
	select {
	case res := <-p.result:
		return res.receipt, res.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (p *fakePendingTx) confirm(key OrderKey) {
	p.result <- fakeResult{receipt: Receipt{TxHash: p.hash, Status: ReceiptConfirmed, Key: key}}
}

func (p *fakePendingTx) revert(reason string) {
	p.result <- fakeResult{receipt: Receipt{TxHash: p.hash, Status: ReceiptReverted, Reason: reason}}
}

type fakeSubscription struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

func (s *fakeSubscription) Events() <-chan Event {
	return s.events
}

func (s *fakeSubscription) Err() error {
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type recordingPresenter struct {
	mu        sync.Mutex
	docs      []string
	cursors   []int
	notices   []Notice
	onPublish func(doc string)
}

func (p *recordingPresenter) Publish(doc string, cursor int) {
	p.mu.Lock()
	p.docs = append(p.docs, doc)
	p.cursors = append(p.cursors, cursor)
	hook := p.onPublish
	p.mu.Unlock()
	if hook != nil {
		hook(doc)
	}
}

func (p *recordingPresenter) Notify(n Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func (p *recordingPresenter) last() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.docs) == 0 {
		return "", 0
	}
	return p.docs[len(p.docs)-1], p.cursors[len(p.cursors)-1]
}

func (p *recordingPresenter) errorNotices() []Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Notice
	for _, n := range p.notices {
		if n.Level == NoticeError {
			out = append(out, n)
		}
	}
	return out
}

// withHash returns ev stamped with a transaction hash.
func withHash(ev Event, hash string) Event {
	ev.TxHash = hash
	return ev
}

func insertEvent(author string, block uint64, index, pos int, text string) Event {
	return Event{Kind: EventTextInserted, Author: author, Position: pos, Text: text, Key: OrderKey{Block: block, Index: index}}
}

func deleteEvent(author string, block uint64, index, pos, length int) Event {
	return Event{Kind: EventTextDeleted, Author: author, Position: pos, Length: length, Key: OrderKey{Block: block, Index: index}}
}

var errQueryWindow = errors.New("query window too large")
