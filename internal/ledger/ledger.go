package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/textop"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrRangeTooLarge  = errors.New("block range too large")
	ErrClosed         = errors.New("ledger closed")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	EventTextInserted = "TextInserted"
	EventTextDeleted  = "TextDeleted"

	FunctionInsertText = "insertText"
	FunctionDeleteText = "deleteText"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
)

// Event is one emitted text event, in the shape the ledger API serves it.
type Event struct {
	Kind             string `json:"event"`
	Author           string `json:"author"`
	Position         int    `json:"position"`
	Text             string `json:"text,omitempty"`
	Length           int    `json:"length,omitempty"`
	BlockNumber      uint64 `json:"blockNumber"`
	TransactionIndex int    `json:"transactionIndex"`
	TransactionHash  string `json:"transactionHash"`
	Timestamp        string `json:"timestamp,omitempty"`
}

func (e Event) operation() textop.Operation {
	if e.Kind == EventTextDeleted {
		return textop.Delete(e.Position, e.Length)
	}
	return textop.Insert(e.Position, e.Text)
}

func (e Event) after(block uint64, index int) bool {
	if e.BlockNumber != block {
		return e.BlockNumber > block
	}
	return e.TransactionIndex > index
}

type SubmitRequest struct {
	From          string
	Function      string
	Position      int
	Text          string
	Length        int
	CorrelationID string
}

type Transaction struct {
	Hash          string `json:"transactionHash"`
	From          string `json:"from"`
	Function      string `json:"function"`
	Position      int    `json:"position"`
	Text          string `json:"text,omitempty"`
	Length        int    `json:"length,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	SubmittedAt   string `json:"submittedAt"`
}

func (t Transaction) event(block uint64, index int, at string) Event {
	ev := Event{
		Author:           t.From,
		Position:         t.Position,
		BlockNumber:      block,
		TransactionIndex: index,
		TransactionHash:  t.Hash,
		Timestamp:        at,
	}
	if t.Function == FunctionDeleteText {
		ev.Kind = EventTextDeleted
		ev.Length = t.Length
	} else {
		ev.Kind = EventTextInserted
		ev.Text = t.Text
	}
	return ev
}

type Receipt struct {
	TransactionHash  string   `json:"transactionHash"`
	Status           TxStatus `json:"status"`
	BlockNumber      uint64   `json:"blockNumber,omitempty"`
	TransactionIndex int      `json:"transactionIndex"`
	Reason           string   `json:"reason,omitempty"`
}

type Status struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	StateBackend   string `json:"stateBackend"`
	TxQueue        string `json:"txQueue"`
	TxQueueDepth   int    `json:"txQueueDepth"`
	TxQueueCap     int    `json:"txQueueCapacity"`
	Broadcaster    string `json:"broadcaster"`
	BlockNumber    uint64 `json:"blockNumber"`
	EventCount     int    `json:"eventCount"`
	PendingCount   int    `json:"pendingCount"`
	DocumentLength int    `json:"documentLength"`
	StrictBounds   bool   `json:"strictBounds"`
	MaxQueryRange  uint64 `json:"maxQueryRange,omitempty"`
	BlockInterval  string `json:"blockInterval"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	StateBackend     StateBackend
	TxQueue          TxQueue
	TxQueueSize      int
	Broadcaster      Broadcaster
	Metrics          *Metrics
	BlockInterval    time.Duration
	MaxTxPerBlock    int
	MaxQueryRange    uint64
	ReceiptCacheSize int
	// DisableBoundsCheck emits every queued operation as an event, even one
	// that does not apply to the head document.
	DisableBoundsCheck bool
	DisableProducer    bool
	BackendProfile     string
	Logger             Logger
	Now                func() time.Time
}

// Ledger orders text operations into numbered blocks and serves the
// resulting event log.
type Ledger struct {
	mu       sync.RWMutex
	height   uint64
	events   []Event
	reverted map[string]Receipt
	pending  map[string]Transaction
	document string

	sealMu sync.Mutex

	receipts       *lru.Cache[string, Receipt]
	queue          TxQueue
	stateBackend   StateBackend
	broadcaster    Broadcaster
	metrics        *Metrics
	blockInterval  time.Duration
	maxTxPerBlock  int
	maxQueryRange  uint64
	strictBounds   bool
	backendProfile string
	logger         Logger
	now            func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New() *Ledger {
	l, _ := NewWithOptions(Options{})
	return l
}

func NewWithOptions(opts Options) (*Ledger, error) {
	blockInterval := opts.BlockInterval
	if blockInterval <= 0 {
		blockInterval = time.Second
	}
	maxTxPerBlock := opts.MaxTxPerBlock
	if maxTxPerBlock <= 0 {
		maxTxPerBlock = 64
	}
	queueSize := opts.TxQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	queue := opts.TxQueue
	if queue == nil {
		queue = NewInMemoryTxQueue(queueSize)
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = NewMemoryBroadcaster()
	}
	cacheSize := opts.ReceiptCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	receipts, err := lru.New[string, Receipt](cacheSize)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backendProfile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if backendProfile == "" {
		backendProfile = "custom"
	}

	l := &Ledger{
		reverted:       map[string]Receipt{},
		pending:        map[string]Transaction{},
		receipts:       receipts,
		queue:          queue,
		stateBackend:   opts.StateBackend,
		broadcaster:    broadcaster,
		metrics:        opts.Metrics,
		blockInterval:  blockInterval,
		maxTxPerBlock:  maxTxPerBlock,
		maxQueryRange:  opts.MaxQueryRange,
		strictBounds:   !opts.DisableBoundsCheck,
		backendProfile: backendProfile,
		logger:         opts.Logger,
		now:            now,
		closed:         make(chan struct{}),
	}
	if err := l.loadState(); err != nil {
		return nil, fmt.Errorf("load ledger state: %w", err)
	}
	l.seedPendingFromQueue()
	l.metrics.setPending(len(l.pending))
	l.metrics.setHeight(l.height)
	if !opts.DisableProducer {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.produceBlocks()
		}()
	}
	return l, nil
}

func (l *Ledger) seedPendingFromQueue() {
	snapshotter, ok := l.queue.(txQueueSnapshotter)
	if !ok {
		return
	}
	for _, tx := range snapshotter.SnapshotTransactions() {
		if strings.TrimSpace(tx.Hash) == "" {
			continue
		}
		l.pending[tx.Hash] = tx
	}
}

// Submit validates req and queues it for the next block.
func (l *Ledger) Submit(req SubmitRequest) (Transaction, error) {
	select {
	case <-l.closed:
		return Transaction{}, ErrClosed
	default:
	}
	tx, err := newTransaction(req, l.now())
	if err != nil {
		return Transaction{}, err
	}
	l.mu.Lock()
	l.pending[tx.Hash] = tx
	l.mu.Unlock()
	if !l.queue.TryEnqueue(tx) {
		l.mu.Lock()
		delete(l.pending, tx.Hash)
		l.mu.Unlock()
		return Transaction{}, ErrQueueFull
	}
	l.metrics.submitted(tx.Function)
	l.mu.RLock()
	l.metrics.setPending(len(l.pending))
	l.mu.RUnlock()
	return tx, nil
}

func newTransaction(req SubmitRequest, now time.Time) (Transaction, error) {
	from := strings.TrimSpace(req.From)
	if from == "" {
		return Transaction{}, fmt.Errorf("%w: missing sender", ErrInvalidInput)
	}
	if req.Position < 0 {
		return Transaction{}, fmt.Errorf("%w: negative position", ErrInvalidInput)
	}
	tx := Transaction{
		Hash:          "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		From:          from,
		Function:      req.Function,
		Position:      req.Position,
		CorrelationID: req.CorrelationID,
		SubmittedAt:   now.UTC().Format(time.RFC3339Nano),
	}
	switch req.Function {
	case FunctionInsertText:
		if req.Text == "" {
			return Transaction{}, fmt.Errorf("%w: empty insert", ErrInvalidInput)
		}
		tx.Text = req.Text
	case FunctionDeleteText:
		if req.Length <= 0 {
			return Transaction{}, fmt.Errorf("%w: delete length must be positive", ErrInvalidInput)
		}
		tx.Length = req.Length
	default:
		return Transaction{}, fmt.Errorf("%w: unknown function %q", ErrInvalidInput, req.Function)
	}
	return tx, nil
}

func (l *Ledger) produceBlocks() {
	ticker := time.NewTicker(l.blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			if _, err := l.SealBlock(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				l.logf("seal block failed: %v", err)
			}
		}
	}
}

// SealBlock drains up to MaxTxPerBlock queued transactions into the next
// block and returns its number. An empty block still advances the height.
func (l *Ledger) SealBlock(ctx context.Context) (uint64, error) {
	l.sealMu.Lock()
	defer l.sealMu.Unlock()
	select {
	case <-l.closed:
		return 0, ErrClosed
	default:
	}

	batch := make([]Transaction, 0, l.maxTxPerBlock)
	for len(batch) < l.maxTxPerBlock {
		tx, ok := l.queue.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, tx)
	}

	at := l.now().UTC().Format(time.RFC3339Nano)
	l.mu.Lock()
	block := l.height + 1
	emitted := make([]Event, 0, len(batch))
	var reverted int
	for _, tx := range batch {
		delete(l.pending, tx.Hash)
		ev := tx.event(block, len(emitted), at)
		next, err := textop.Apply(l.document, ev.operation())
		if err != nil && l.strictBounds {
			receipt := Receipt{TransactionHash: tx.Hash, Status: TxReverted, Reason: err.Error()}
			l.reverted[tx.Hash] = receipt
			l.receipts.Add(tx.Hash, receipt)
			reverted++
			continue
		}
		if err == nil {
			l.document = next
		}
		l.events = append(l.events, ev)
		l.receipts.Add(tx.Hash, Receipt{
			TransactionHash:  tx.Hash,
			Status:           TxConfirmed,
			BlockNumber:      block,
			TransactionIndex: ev.TransactionIndex,
		})
		emitted = append(emitted, ev)
	}
	l.height = block
	// Empty blocks are saved too; a reopened ledger must not reuse a number
	// clients have already seen as head.
	saveErr := l.saveLocked()
	pending := len(l.pending)
	l.mu.Unlock()

	l.metrics.sealed(len(emitted), reverted)
	l.metrics.setHeight(block)
	l.metrics.setPending(pending)
	if saveErr != nil {
		l.logf("persist block %d failed: %v", block, saveErr)
	}
	if len(emitted) > 0 {
		if err := l.broadcaster.Publish(ctx, emitted); err != nil {
			l.logf("broadcast block %d failed: %v", block, err)
		}
	}
	return block, nil
}

func (l *Ledger) BlockNumber() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// QueryEvents returns events of kind emitted in blocks fromBlock..toBlock
// inclusive. An empty kind matches both kinds.
func (l *Ledger) QueryEvents(kind string, fromBlock, toBlock uint64) ([]Event, error) {
	if kind != "" && kind != EventTextInserted && kind != EventTextDeleted {
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, kind)
	}
	if toBlock < fromBlock {
		return nil, fmt.Errorf("%w: toBlock before fromBlock", ErrInvalidInput)
	}
	if l.maxQueryRange > 0 && toBlock-fromBlock+1 > l.maxQueryRange {
		return nil, fmt.Errorf("%w: %d blocks requested, limit is %d", ErrRangeTooLarge, toBlock-fromBlock+1, l.maxQueryRange)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].BlockNumber >= fromBlock
	})
	result := make([]Event, 0)
	for _, ev := range l.events[start:] {
		if ev.BlockNumber > toBlock {
			break
		}
		if kind == "" || ev.Kind == kind {
			result = append(result, ev)
		}
	}
	return result, nil
}

// EventsSince returns every event from fromBlock onwards together with the
// height it was read at.
func (l *Ledger) EventsSince(fromBlock uint64) ([]Event, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].BlockNumber >= fromBlock
	})
	return append([]Event(nil), l.events[start:]...), l.height
}

func (l *Ledger) Receipt(hash string) (Receipt, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Receipt{}, ErrInvalidInput
	}
	if receipt, ok := l.receipts.Get(hash); ok {
		return receipt, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.pending[hash]; ok {
		return Receipt{TransactionHash: hash, Status: TxPending}, nil
	}
	if receipt, ok := l.reverted[hash]; ok {
		return receipt, nil
	}
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if ev.TransactionHash != hash {
			continue
		}
		receipt := Receipt{
			TransactionHash:  hash,
			Status:           TxConfirmed,
			BlockNumber:      ev.BlockNumber,
			TransactionIndex: ev.TransactionIndex,
		}
		l.receipts.Add(hash, receipt)
		return receipt, nil
	}
	return Receipt{}, ErrNotFound
}

// Subscribe streams events sealed after the call.
func (l *Ledger) Subscribe(ctx context.Context) (Subscription, error) {
	select {
	case <-l.closed:
		return nil, ErrClosed
	default:
	}
	sub, err := l.broadcaster.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	l.metrics.subscriberAdded()
	return &countedSubscription{Subscription: sub, metrics: l.metrics}, nil
}

// Document returns the head document produced by every emitted event.
func (l *Ledger) Document() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.document
}

func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stateBackendType := "none"
	if l.stateBackend != nil {
		stateBackendType = fmt.Sprintf("%T", l.stateBackend)
	}
	return Status{
		BackendProfile: l.backendProfile,
		StateBackend:   stateBackendType,
		TxQueue:        fmt.Sprintf("%T", l.queue),
		TxQueueDepth:   l.queue.Depth(),
		TxQueueCap:     l.queue.Capacity(),
		Broadcaster:    fmt.Sprintf("%T", l.broadcaster),
		BlockNumber:    l.height,
		EventCount:     len(l.events),
		PendingCount:   len(l.pending),
		DocumentLength: textop.Len(l.document),
		StrictBounds:   l.strictBounds,
		MaxQueryRange:  l.maxQueryRange,
		BlockInterval:  l.blockInterval.String(),
	}
}

func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.wg.Wait()
		l.sealMu.Lock()
		defer l.sealMu.Unlock()
		if l.queue != nil {
			_ = l.queue.Close()
		}
		if l.broadcaster != nil {
			_ = l.broadcaster.Close()
		}
		if closer, ok := l.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (l *Ledger) loadState() error {
	if l.stateBackend == nil {
		return nil
	}
	snapshot, err := l.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	l.height = snapshot.Height
	l.events = snapshot.Events
	if snapshot.Reverted != nil {
		l.reverted = snapshot.Reverted
	}
	sort.SliceStable(l.events, func(i, j int) bool {
		return l.events[j].after(l.events[i].BlockNumber, l.events[i].TransactionIndex)
	})
	doc := ""
	for _, ev := range l.events {
		if next, err := textop.Apply(doc, ev.operation()); err == nil {
			doc = next
		}
	}
	l.document = doc
	return nil
}

func (l *Ledger) saveLocked() error {
	if l.stateBackend == nil {
		return nil
	}
	return l.stateBackend.Save(&persistedState{
		Height:   l.height,
		Events:   l.events,
		Reverted: l.reverted,
	})
}

func (l *Ledger) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

type countedSubscription struct {
	Subscription
	metrics *Metrics
	once    sync.Once
}

func (s *countedSubscription) Close() error {
	s.once.Do(s.metrics.subscriberRemoved)
	return s.Subscription.Close()
}
