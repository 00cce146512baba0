package docsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaydoc/internal/textop"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxChunkRunes  = 1024
	DefaultConfirmTimeout = 30 * time.Second
	defaultInboxSize      = 64
)

type State int

const (
	StateIdle State = iota
	StateApplyingRemote
	StateSubmittingLocal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplyingRemote:
		return "applying-remote"
	case StateSubmittingLocal:
		return "submitting-local"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

type Notice struct {
	Level   NoticeLevel
	Message string
	Err     error
}

// Presenter renders the document. Publish is called from the session
// goroutine with the guard held; edits reported back from inside Publish
// are ignored.
type Presenter interface {
	Publish(doc string, cursor int)
	Notify(n Notice)
}

type SessionOptions struct {
	Identity   Identity
	Source     EventSource
	Subscriber Subscriber
	Gateway    SubmissionGateway
	Presenter  Presenter
	Logger     Logger
	Replay     ReplayOptions
	// BatchWindow delays submission so that bursts of local edits are
	// coalesced. Zero submits as soon as nothing is in flight.
	BatchWindow       time.Duration
	MaxChunkRunes     int
	MinSubmitInterval time.Duration
	ConfirmTimeout    time.Duration
	InboxSize         int
}

// Snapshot is a consistent copy of the session state, refreshed after every
// handled message.
type Snapshot struct {
	State     State
	Document  string
	Confirmed string
	Presented string
	Cursor    int
	Pending   int
	InFlight  bool
	Watermark OrderKey
	Degraded  bool
}

type Session struct {
	identity       string
	source         EventSource
	subscriber     Subscriber
	gateway        SubmissionGateway
	presenter      Presenter
	logger         Logger
	replayer       *Replayer
	batchWindow    time.Duration
	maxChunkRunes  int
	confirmTimeout time.Duration
	limiter        *rate.Limiter

	guard    Guard
	inbox    chan any
	ready    chan struct{}
	done     chan struct{}
	running  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
	workers  sync.WaitGroup

	// Owned by the Run goroutine.
	ctx        context.Context
	state      State
	confirmed  string
	document   string
	presented  string
	cursor     int
	pending    []textop.Operation
	inflight   *inflightOp
	order      *reorderLog
	watermark  OrderKey
	degraded   bool
	flushArmed bool
	seq        uint64

	// Hashes of our own transactions. Confirmed ones were already folded
	// when their receipt arrived; abandoned ones were rolled back without a
	// final receipt and may still be included by the ledger.
	confirmedTx map[string]struct{}
	abandonedTx map[string]struct{}
}

type inflightOp struct {
	seq uint64
	op  textop.Operation
}

type localEditMsg struct {
	snapshot string
}

type cursorMsg struct {
	pos int
}

type flushMsg struct{}

type submitResultMsg struct {
	seq     uint64
	op      textop.Operation
	hash    string
	receipt Receipt
	err     error
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Identity == nil || strings.TrimSpace(opts.Identity.Address()) == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("submission gateway is required")
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = nopPresenter{}
	}
	maxChunk := opts.MaxChunkRunes
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkRunes
	}
	confirmTimeout := opts.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	inboxSize := opts.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MinSubmitInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinSubmitInterval), 1)
	}
	replayOpts := opts.Replay
	if replayOpts.Logger == nil {
		replayOpts.Logger = opts.Logger
	}
	s := &Session{
		identity:       strings.TrimSpace(opts.Identity.Address()),
		source:         opts.Source,
		subscriber:     opts.Subscriber,
		gateway:        opts.Gateway,
		presenter:      presenter,
		logger:         opts.Logger,
		replayer:       NewReplayer(opts.Source, replayOpts),
		batchWindow:    opts.BatchWindow,
		maxChunkRunes:  maxChunk,
		confirmTimeout: confirmTimeout,
		limiter:        limiter,
		inbox:          make(chan any, inboxSize),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		confirmedTx:    make(map[string]struct{}),
		abandonedTx:    make(map[string]struct{}),
	}
	s.publishSnapshot()
	return s, nil
}

// Run replays history, subscribes to live events and processes messages
// until ctx is cancelled or the subscription fails. The session state is
// reset when Run returns; a session runs at most once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.workers.Wait()
		s.reset()
	}()
	s.ctx = ctx

	result, err := s.replayer.Replay(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.notify(NoticeError, "document history unavailable; starting empty", err)
	} else if result.Degraded {
		s.notify(NoticeInfo, "document history loaded from a narrowed window", nil)
	}
	s.load(result)
	close(s.ready)

	var fromBlock uint64
	if result.HeadKnown {
		fromBlock = result.Head + 1
	}
	sub, err := s.subscriber.Subscribe(ctx, fromBlock)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return networkError("subscribe", err)
	}
	defer func() { _ = sub.Close() }()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				err := networkError("subscription closed", sub.Err())
				s.notify(NoticeError, "disconnected from ledger", err)
				return err
			}
			s.handleRemote(ev)
		case msg := <-s.inbox:
			s.handle(msg)
		}
		s.publishSnapshot()
	}
}

// Ready is closed once history has been replayed and local edits are
// accepted.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// OnLocalEdit reports the full text the user now sees. It is safe to call
// from any goroutine.
func (s *Session) OnLocalEdit(snapshot string) {
	if s.guard.Active() {
		return
	}
	s.post(localEditMsg{snapshot: snapshot})
}

// SetCursor records the presenter's caret position.
func (s *Session) SetCursor(pos int) {
	s.post(cursorMsg{pos: pos})
}

func (s *Session) post(msg any) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) postCtx(ctx context.Context, msg any) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case localEditMsg:
		s.handleLocalEdit(m.snapshot)
	case cursorMsg:
		s.cursor = clampCursor(m.pos, s.presented)
	case flushMsg:
		s.flushArmed = false
		s.flush()
	case submitResultMsg:
		s.handleSubmitResult(m)
	default:
		s.logf("session ignoring message %T", msg)
	}
}

func (s *Session) load(result ReplayResult) {
	s.confirmed = result.Document
	s.document = result.Document
	s.presented = result.Document
	s.cursor = textop.Len(result.Document)
	s.watermark = result.Watermark()
	s.degraded = result.Degraded
	s.publishSnapshot()
	s.publish()
}

func (s *Session) reset() {
	s.state = StateIdle
	s.confirmed = ""
	s.document = ""
	s.presented = ""
	s.cursor = 0
	s.pending = nil
	s.inflight = nil
	s.order = nil
	s.watermark = OrderKey{}
	clear(s.confirmedTx)
	clear(s.abandonedTx)
	s.publishSnapshot()
}

func (s *Session) publish() {
	release := s.guard.Acquire()
	defer release()
	s.presenter.Publish(s.presented, s.cursor)
}

func (s *Session) publishSnapshot() {
	s.snapshot.Store(&Snapshot{
		State:     s.state,
		Document:  s.document,
		Confirmed: s.confirmed,
		Presented: s.presented,
		Cursor:    s.cursor,
		Pending:   len(s.pending),
		InFlight:  s.inflight != nil,
		Watermark: s.watermark,
		Degraded:  s.degraded,
	})
}

func (s *Session) notify(level NoticeLevel, message string, err error) {
	if err != nil {
		s.logf("%s: %v", message, err)
	} else {
		s.logf("%s", message)
	}
	s.presenter.Notify(Notice{Level: level, Message: message, Err: err})
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func clampCursor(pos int, doc string) int {
	return max(0, min(pos, textop.Len(doc)))
}

func networkError(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrNetworkUnavailable, op)
	}
	if errors.Is(err, ErrNetworkUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrNetworkUnavailable, op, err)
}

type nopPresenter struct{}

func (nopPresenter) Publish(string, int) {}
func (nopPresenter) Notify(Notice)       {}
