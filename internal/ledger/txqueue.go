package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// TxQueue holds submitted transactions until a block seals them.
type TxQueue interface {
	TryEnqueue(tx Transaction) bool
	Enqueue(ctx context.Context, tx Transaction) bool
	TryDequeue() (Transaction, bool)
	Dequeue(ctx context.Context) (Transaction, bool)
	Depth() int
	Capacity() int
	Close() error
}

type txQueueSnapshotter interface {
	SnapshotTransactions() []Transaction
}

type inMemoryTxQueue struct {
	ch    chan Transaction
	items map[string]Transaction
	mu    sync.Mutex
}

func NewInMemoryTxQueue(capacity int) TxQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryTxQueue{
		ch:    make(chan Transaction, capacity),
		items: make(map[string]Transaction),
	}
}

func (q *inMemoryTxQueue) TryEnqueue(tx Transaction) bool {
	if q == nil || tx.Hash == "" {
		return false
	}
	select {
	case q.ch <- tx:
		q.track(tx)
		return true
	default:
		return false
	}
}

func (q *inMemoryTxQueue) Enqueue(ctx context.Context, tx Transaction) bool {
	if q == nil || tx.Hash == "" {
		return false
	}
	select {
	case q.ch <- tx:
		q.track(tx)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryTxQueue) TryDequeue() (Transaction, bool) {
	if q == nil {
		return Transaction{}, false
	}
	select {
	case tx := <-q.ch:
		q.untrack(tx)
		return tx, true
	default:
		return Transaction{}, false
	}
}

func (q *inMemoryTxQueue) Dequeue(ctx context.Context) (Transaction, bool) {
	if q == nil {
		return Transaction{}, false
	}
	select {
	case tx := <-q.ch:
		q.untrack(tx)
		return tx, true
	case <-ctx.Done():
		return Transaction{}, false
	}
}

func (q *inMemoryTxQueue) track(tx Transaction) {
	q.mu.Lock()
	q.items[tx.Hash] = tx
	q.mu.Unlock()
}

func (q *inMemoryTxQueue) untrack(tx Transaction) {
	q.mu.Lock()
	delete(q.items, tx.Hash)
	q.mu.Unlock()
}

func (q *inMemoryTxQueue) SnapshotTransactions() []Transaction {
	if q == nil {
		return []Transaction{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Transaction, 0, len(q.items))
	for _, tx := range q.items {
		result = append(result, tx)
	}
	return result
}

func (q *inMemoryTxQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryTxQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryTxQueue) Close() error {
	return nil
}

// fileTxQueue keeps the queue in a JSON file rewritten on every change, so
// queued transactions survive a restart.
type fileTxQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Transaction
}

type fileTxQueueState struct {
	Items []Transaction `json:"items"`
}

func NewFileTxQueue(path string, capacity int) (TxQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileTxQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Transaction{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileTxQueue) TryEnqueue(tx Transaction) bool {
	if strings.TrimSpace(tx.Hash) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, tx)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileTxQueue) Enqueue(ctx context.Context, tx Transaction) bool {
	for {
		if q.TryEnqueue(tx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTxQueue) TryDequeue() (Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Transaction{}, false
	}
	tx := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Transaction{tx}, q.items...)
		return Transaction{}, false
	}
	return tx, true
}

func (q *fileTxQueue) Dequeue(ctx context.Context) (Transaction, bool) {
	for {
		if tx, ok := q.TryDequeue(); ok {
			return tx, true
		}
		select {
		case <-ctx.Done():
			return Transaction{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTxQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileTxQueue) Capacity() int {
	return q.capacity
}

func (q *fileTxQueue) SnapshotTransactions() []Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Transaction(nil), q.items...)
}

func (q *fileTxQueue) Close() error {
	return nil
}

func (q *fileTxQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTxQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Transaction(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Transaction(nil), snapshot.Items...)
	return nil
}

func (q *fileTxQueue) saveLocked() error {
	data, err := json.Marshal(fileTxQueueState{Items: q.items})
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}
