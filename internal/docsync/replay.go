package docsync

import (
	"context"
	"fmt"
	"math"

	"github.com/agentworkforce/relaydoc/internal/textop"
)

const DefaultFallbackWindow uint64 = 10

type ReplayOptions struct {
	// FallbackWindow is how many blocks before the head are retried once
	// after the query from genesis fails.
	FallbackWindow uint64
	Logger         Logger
}

type ReplayResult struct {
	Document string
	// LastKey is the key of the last event folded into Document.
	LastKey   OrderKey
	Head      uint64
	HeadKnown bool
	Applied   int
	Skipped   int
	Degraded  bool
}

// Watermark is the highest key the replay covered. Live events at or below
// it are already part of Document.
func (r ReplayResult) Watermark() OrderKey {
	if !r.HeadKnown {
		return r.LastKey
	}
	return OrderKey{Block: r.Head, Index: math.MaxInt}
}

type Replayer struct {
	source EventSource
	opts   ReplayOptions
}

func NewReplayer(source EventSource, opts ReplayOptions) *Replayer {
	if opts.FallbackWindow == 0 {
		opts.FallbackWindow = DefaultFallbackWindow
	}
	return &Replayer{source: source, opts: opts}
}

// Replay rebuilds the document from every event since genesis. A failed
// query is retried once over the fallback window and the result is marked
// degraded. When even the
// fallback window cannot be queried it returns an empty degraded result
// together with an error wrapping ErrReplayFailed; the result is usable.
func (r *Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	head, err := r.source.BlockNumber(ctx)
	if err != nil {
		r.logf("replay head lookup failed: %v", err)
		return ReplayResult{Degraded: true}, fmt.Errorf("%w: block number: %w", ErrReplayFailed, err)
	}
	result := ReplayResult{Head: head, HeadKnown: true}

	events, err := r.fetch(ctx, 0, head)
	if err != nil {
		r.logf("replay from genesis to %d failed: %v", head, err)
		fallback := windowStart(head, r.opts.FallbackWindow)
		result.Degraded = true
		events, err = r.fetch(ctx, fallback, head)
		if err != nil {
			r.logf("replay fallback window %d-%d failed: %v", fallback, head, err)
			return result, fmt.Errorf("%w: %w", ErrReplayFailed, err)
		}
	}

	doc := ""
	for _, ev := range events {
		next, applyErr := textop.Apply(doc, ev.Operation())
		if applyErr != nil {
			result.Skipped++
			r.logf("replay skipping event %s: %v", ev.Key, applyErr)
		} else {
			result.Applied++
			doc = next
		}
		result.LastKey = ev.Key
	}
	result.Document = doc
	return result, nil
}

func (r *Replayer) fetch(ctx context.Context, from, to uint64) ([]Event, error) {
	inserted, err := r.source.QueryEvents(ctx, EventTextInserted, from, to)
	if err != nil {
		return nil, err
	}
	deleted, err := r.source.QueryEvents(ctx, EventTextDeleted, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(inserted)+len(deleted))
	events = append(events, inserted...)
	events = append(events, deleted...)
	SortEvents(events)
	return events, nil
}

func (r *Replayer) logf(format string, args ...any) {
	if r.opts.Logger == nil {
		return
	}
	r.opts.Logger.Printf(format, args...)
}

func windowStart(head, window uint64) uint64 {
	if window == 0 || window >= head {
		return 0
	}
	return head - window
}
