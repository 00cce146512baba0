package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileTxQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx-queue.json")
	queue, err := NewFileTxQueue(path, 4)
	if err != nil {
		t.Fatalf("new file tx queue failed: %v", err)
	}
	if !queue.TryEnqueue(Transaction{Hash: "0x1", From: "0xAlice"}) || !queue.TryEnqueue(Transaction{Hash: "0x2", From: "0xBob"}) {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFileTxQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file tx queue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.Hash != "0x1" {
		t.Fatalf("expected first dequeued tx 0x1, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.TryDequeue()
	if !ok || second.Hash != "0x2" || second.From != "0xBob" {
		t.Fatalf("expected second dequeued tx 0x2, got %+v (ok=%v)", second, ok)
	}
	if _, ok := reopened.TryDequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestFileTxQueueCapacityAndTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity-queue.json")
	queue, err := NewFileTxQueue(path, 1)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(Transaction{Hash: "0xa"}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(Transaction{Hash: "0xb"}) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	if queue.TryEnqueue(Transaction{}) {
		t.Fatalf("expected tx without hash to be rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}

func TestInMemoryTxQueueSnapshot(t *testing.T) {
	queue := NewInMemoryTxQueue(2)
	queue.TryEnqueue(Transaction{Hash: "0x1"})
	queue.TryEnqueue(Transaction{Hash: "0x2"})
	if queue.TryEnqueue(Transaction{Hash: "0x3"}) {
		t.Fatalf("expected full memory queue to reject")
	}
	snapshotter, ok := queue.(txQueueSnapshotter)
	if !ok {
		t.Fatalf("expected memory queue to expose snapshots")
	}
	if got := len(snapshotter.SnapshotTransactions()); got != 2 {
		t.Fatalf("expected 2 queued txs, got %d", got)
	}
	tx, ok := queue.TryDequeue()
	if !ok || tx.Hash != "0x1" {
		t.Fatalf("expected fifo order, got %+v", tx)
	}
	if got := len(snapshotter.SnapshotTransactions()); got != 1 {
		t.Fatalf("expected 1 queued tx after dequeue, got %d", got)
	}
	if queue.Depth() != 1 || queue.Capacity() != 2 {
		t.Fatalf("unexpected depth/capacity %d/%d", queue.Depth(), queue.Capacity())
	}
}
