package docsync

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/agentworkforce/relaydoc/internal/textop"
)

func (s *Session) handleLocalEdit(snapshot string) {
	ops := textop.Changes(s.presented, snapshot)
	if len(ops) == 0 {
		return
	}
	s.pending = append(s.pending, ops...)
	s.presented = snapshot
	s.cursor = cursorAfter(ops[len(ops)-1])
	if s.batchWindow > 0 {
		s.armFlush()
		return
	}
	s.flush()
}

func (s *Session) armFlush() {
	if s.flushArmed {
		return
	}
	s.flushArmed = true
	ctx := s.ctx
	time.AfterFunc(s.batchWindow, func() {
		s.postCtx(ctx, flushMsg{})
	})
}

// flush submits the net change of the pending queue when nothing else is in
// flight. Only one operation is outstanding at a time; whatever does not fit
// in it stays queued for the next round.
func (s *Session) flush() {
	if s.inflight != nil || len(s.pending) == 0 {
		return
	}
	target, err := textop.ApplyAll(s.confirmed, s.pending)
	if err != nil {
		s.logf("pending edits no longer fold onto confirmed state: %v", err)
		target = s.presented
	}
	ops := textop.Changes(s.confirmed, target)
	if len(ops) == 0 {
		s.pending = nil
		return
	}
	op := s.chunk(ops[0])
	document, err := textop.Apply(s.confirmed, op)
	if err != nil {
		s.rollback(fmt.Errorf("%w: %w", ErrSubmissionFailed, err))
		return
	}

	s.seq++
	s.inflight = &inflightOp{seq: s.seq, op: op}
	s.document = document
	s.pending = textop.Changes(document, target)
	s.state = StateSubmittingLocal
	s.openReorderWindow()

	s.workers.Add(1)
	go s.submitWorker(s.ctx, s.seq, op)
}

// chunk caps inserts at MaxChunkRunes. The remainder is left in the pending
// queue and is submitted once this chunk is confirmed.
func (s *Session) chunk(op textop.Operation) textop.Operation {
	if op.Kind != textop.KindInsert || utf8.RuneCountInString(op.Text) <= s.maxChunkRunes {
		return op
	}
	runes := []rune(op.Text)
	return textop.Insert(op.Position, string(runes[:s.maxChunkRunes]))
}

func (s *Session) submitWorker(ctx context.Context, seq uint64, op textop.Operation) {
	defer s.workers.Done()
	res := submitResultMsg{seq: seq, op: op}
	res.hash, res.receipt, res.err = s.submitAndConfirm(ctx, op)
	s.postCtx(ctx, res)
}

func (s *Session) submitAndConfirm(ctx context.Context, op textop.Operation) (string, Receipt, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", Receipt{}, submissionError(err)
	}
	tx, err := s.gateway.Submit(ctx, op)
	if err != nil {
		return "", Receipt{}, submissionError(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	receipt, err := tx.AwaitConfirmation(waitCtx)
	if err != nil {
		return tx.Hash(), receipt, submissionError(err)
	}
	if receipt.Status != ReceiptConfirmed {
		return tx.Hash(), receipt, &ReceiptError{TxHash: tx.Hash(), Reason: receipt.Reason}
	}
	return tx.Hash(), receipt, nil
}

func (s *Session) handleSubmitResult(res submitResultMsg) {
	if s.inflight == nil || s.inflight.seq != res.seq {
		return
	}
	s.inflight = nil
	s.state = StateIdle
	if res.err != nil {
		var reverted *ReceiptError
		if res.hash != "" && !errors.As(res.err, &reverted) {
			s.abandonedTx[res.hash] = struct{}{}
		}
		s.rollback(res.err)
		return
	}
	if res.hash != "" {
		s.confirmedTx[res.hash] = struct{}{}
	}

	own := Event{
		Author:   s.identity,
		Position: res.op.Position,
		Text:     res.op.Text,
		Length:   res.op.Length,
		Key:      res.receipt.Key,
		TxHash:   res.hash,
	}
	if res.op.Kind == textop.KindInsert {
		own.Kind = EventTextInserted
	} else {
		own.Kind = EventTextDeleted
	}

	before := s.document
	s.applyOrdered(own)
	s.document = s.confirmed
	if s.reproject(before) {
		s.notify(NoticeError, "local edit discarded: it overlapped a reordered change", nil)
	}
	s.cursor = clampCursor(s.cursor, s.presented)
	if s.document != before {
		s.publish()
	}
	s.closeReorderWindow()
	if s.batchWindow > 0 && len(s.pending) > 0 {
		s.armFlush()
		return
	}
	s.flush()
}

// rollback returns every view of the document to the last confirmed state
// and drops all unsubmitted edits.
func (s *Session) rollback(err error) {
	s.inflight = nil
	s.state = StateIdle
	s.document = s.confirmed
	s.presented = s.confirmed
	s.pending = nil
	s.cursor = clampCursor(s.cursor, s.presented)
	s.closeReorderWindow()
	s.notify(NoticeError, "edit was not accepted; document restored", err)
	s.publish()
}

func cursorAfter(op textop.Operation) int {
	if op.Kind == textop.KindInsert {
		return op.Position + utf8.RuneCountInString(op.Text)
	}
	return op.Position
}

func submissionError(err error) error {
	if errors.Is(err, ErrSubmissionFailed) || errors.Is(err, ErrNetworkUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
}
