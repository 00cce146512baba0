package docsync

import (
	"sort"

	"github.com/agentworkforce/relaydoc/internal/textop"
)

// reorderLog remembers the confirmed state from before a local submission and
// every event folded since. Our own confirmation can be ordered before
// remote events that were already applied; the log lets the confirmed state
// be rebuilt in ledger order.
type reorderLog struct {
	base   string
	events []Event
	maxOwn OrderKey
}

func (s *Session) handleRemote(ev Event) {
	if !s.watermark.Less(ev.Key) {
		s.logf("dropping event %s at or below watermark %s", ev.Key, s.watermark)
		return
	}
	s.watermark = ev.Key
	if sameAuthor(ev.Author, s.identity) && !s.adoptAbandoned(ev) {
		s.closeReorderWindow()
		return
	}

	previous := s.state
	s.state = StateApplyingRemote
	release := s.guard.Acquire()
	defer func() {
		release()
		s.state = previous
	}()

	before := s.document
	if !s.applyOrdered(ev) {
		return
	}
	s.document = s.overlay()
	if s.reproject(before) {
		s.notify(NoticeError, "local edit discarded: it overlapped a remote change", nil)
	}
	s.cursor = clampCursor(textop.ShiftPosition(s.cursor, ev.Operation()), s.presented)
	s.closeReorderWindow()
	s.publish()
}

// adoptAbandoned reports whether an event of ours belongs to a submission
// that was rolled back and must now be applied like a remote change.
func (s *Session) adoptAbandoned(ev Event) bool {
	if ev.TxHash != "" {
		if _, ok := s.abandonedTx[ev.TxHash]; ok {
			delete(s.abandonedTx, ev.TxHash)
			s.logf("ledger included rolled back tx %s at %s; applying it", ev.TxHash, ev.Key)
			return true
		}
		if _, ok := s.confirmedTx[ev.TxHash]; ok {
			delete(s.confirmedTx, ev.TxHash)
			return false
		}
	}
	if s.inflight == nil {
		s.logf("discarding own event %s that matches no known submission", ev.Key)
	}
	return false
}

// applyOrdered folds ev into the confirmed state. It reports false when ev
// could not be applied and nothing changed.
func (s *Session) applyOrdered(ev Event) bool {
	if s.order == nil {
		next, err := textop.Apply(s.confirmed, ev.Operation())
		if err != nil {
			s.logf("skipping event %s by %s: %v", ev.Key, ev.Author, err)
			return false
		}
		s.confirmed = next
		return true
	}

	window := s.order
	i := sort.Search(len(window.events), func(i int) bool {
		return ev.Key.Less(window.events[i].Key)
	})
	window.events = append(window.events, Event{})
	copy(window.events[i+1:], window.events[i:])
	window.events[i] = ev
	if sameAuthor(ev.Author, s.identity) && window.maxOwn.Less(ev.Key) {
		window.maxOwn = ev.Key
	}

	if i == len(window.events)-1 {
		next, err := textop.Apply(s.confirmed, ev.Operation())
		if err != nil {
			s.logf("skipping event %s by %s: %v", ev.Key, ev.Author, err)
			return false
		}
		s.confirmed = next
		return true
	}

	doc := window.base
	skipped := 0
	for _, folded := range window.events {
		next, err := textop.Apply(doc, folded.Operation())
		if err != nil {
			skipped++
			continue
		}
		doc = next
	}
	s.logf("refolded %d events after out of order event %s (skipped %d)", len(window.events), ev.Key, skipped)
	s.confirmed = doc
	return true
}

func (s *Session) openReorderWindow() {
	if s.order == nil {
		s.order = &reorderLog{base: s.confirmed}
	}
}

// closeReorderWindow drops the log once nothing is in flight and the live
// stream has caught up with every confirmation of ours.
func (s *Session) closeReorderWindow() {
	if s.order == nil || s.inflight != nil {
		return
	}
	if s.watermark.Less(s.order.maxOwn) {
		return
	}
	s.order = nil
}

// overlay is the confirmed state plus the in-flight operation, if it still
// applies.
func (s *Session) overlay() string {
	if s.inflight == nil {
		return s.confirmed
	}
	doc, err := textop.Apply(s.confirmed, s.inflight.op)
	if err != nil {
		s.logf("in-flight %s no longer applies: %v", s.inflight.op, err)
		return s.confirmed
	}
	return doc
}

// reproject moves the presented state onto a changed document. Local edits
// not yet submitted are rebased; when they overlap the change they are
// dropped and reproject reports true.
func (s *Session) reproject(before string) bool {
	after := s.document
	if after == before {
		return false
	}
	local, hasLocal := textop.Between(before, s.presented)
	if !hasLocal {
		s.presented = after
		s.pending = nil
		return false
	}
	change, _ := textop.Between(before, after)
	if rebased, ok := textop.Rebase(local, change); ok {
		if presented, err := rebased.Apply(after); err == nil {
			s.presented = presented
			s.pending = rebased.Ops()
			return false
		}
	}
	s.presented = after
	s.pending = nil
	return true
}
