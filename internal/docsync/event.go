package docsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/relaydoc/internal/textop"
)

var (
	ErrReplayFailed       = errors.New("replay failed")
	ErrSubmissionFailed   = errors.New("submission failed")
	ErrNetworkUnavailable = errors.New("network unavailable")
)

type EventKind string

const (
	EventTextInserted EventKind = "TextInserted"
	EventTextDeleted  EventKind = "TextDeleted"
)

// OrderKey is the ledger's total order: block number, then transaction
// index within the block.
type OrderKey struct {
	Block uint64 `json:"blockNumber"`
	Index int    `json:"transactionIndex"`
}

func (k OrderKey) Less(other OrderKey) bool {
	if k.Block != other.Block {
		return k.Block < other.Block
	}
	return k.Index < other.Index
}

func (k OrderKey) IsZero() bool {
	return k == OrderKey{}
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%d/%d", k.Block, k.Index)
}

type Event struct {
	Kind     EventKind
	Author   string
	Position int
	Text     string
	Length   int
	Key      OrderKey
	TxHash   string
}

func (e Event) Operation() textop.Operation {
	switch e.Kind {
	case EventTextInserted:
		return textop.Insert(e.Position, e.Text)
	case EventTextDeleted:
		return textop.Delete(e.Position, e.Length)
	}
	return textop.Operation{}
}

// SortEvents orders events by key. Events with equal keys keep their
// relative order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Key.Less(events[j].Key)
	})
}

func sameAuthor(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptReverted  ReceiptStatus = "reverted"
)

type Receipt struct {
	TxHash string
	Status ReceiptStatus
	Key    OrderKey
	Reason string
}

// ReceiptError reports a transaction the ledger refused to include.
type ReceiptError struct {
	TxHash string
	Reason string
}

func (e *ReceiptError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash)
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
}

func (e *ReceiptError) Is(target error) bool {
	return target == ErrSubmissionFailed
}

// EventSource answers historical queries against the ledger.
type EventSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, kind EventKind, fromBlock, toBlock uint64) ([]Event, error)
}

// Subscription delivers live events in ledger order until it is closed or
// fails. Err reports why Events was closed.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Subscriber opens live subscriptions. fromBlock 0 means live events only;
// otherwise events from that block onwards are delivered first.
type Subscriber interface {
	Subscribe(ctx context.Context, fromBlock uint64) (Subscription, error)
}

type PendingTx interface {
	Hash() string
	AwaitConfirmation(ctx context.Context) (Receipt, error)
}

type SubmissionGateway interface {
	Submit(ctx context.Context, op textop.Operation) (PendingTx, error)
}

type Identity interface {
	Address() string
}

type StaticIdentity string

func (s StaticIdentity) Address() string {
	return string(s)
}

type Logger interface {
	Printf(format string, args ...any)
}
