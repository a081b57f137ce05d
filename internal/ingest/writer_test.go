package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bgpwatch/aggregator/internal/db"
)

type fakeHandle struct {
	mu        sync.Mutex
	batches   int
	stmtCount int
	fail      bool
}

func (f *fakeHandle) Batch(ctx context.Context, stmts []db.Statement, retries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	f.stmtCount += len(stmts)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeHandle) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *fakeHandle) statementCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stmtCount
}

func TestWriter_MergeDeduplicatesSameKey(t *testing.T) {
	batch := make(map[string]IntakeItem)
	w := &Writer{}

	triple := QueryTriple{Prefix: "INSERT INTO x", Suffix: "ON CONFLICT DO NOTHING", Columns: []string{"a"}, Values: map[string]any{"a": 1}}
	w.mergeInto(batch, IntakeItem{Key: "k1", Msg: triple, Table: "x"})

	triple2 := QueryTriple{Prefix: "INSERT INTO x", Suffix: "ON CONFLICT DO NOTHING", Columns: []string{"a"}, Values: map[string]any{"a": 2}}
	w.mergeInto(batch, IntakeItem{Key: "k1", Msg: triple2, Table: "x"})

	if len(batch) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(batch))
	}
	if batch["k1"].Msg.Values["a"] != 2 {
		t.Errorf("expected last-write-wins value 2, got %v", batch["k1"].Msg.Values["a"])
	}
}

func TestWriter_MergeKeepsDistinctKeys(t *testing.T) {
	batch := make(map[string]IntakeItem)
	w := &Writer{}
	w.mergeInto(batch, IntakeItem{Key: "k1", Msg: QueryTriple{Prefix: "p"}})
	w.mergeInto(batch, IntakeItem{Key: "k2", Msg: QueryTriple{Prefix: "p"}})
	if len(batch) != 2 {
		t.Fatalf("expected 2 entries for distinct keys, got %d", len(batch))
	}
}

func TestWriter_FlushSendsOneBatchWithOneStatementPerKey(t *testing.T) {
	fh := &fakeHandle{}
	w := NewWriter("w0", WriterDefault, fh, 10, 10, time.Hour, 0, noopLogger())

	batch := map[string]IntakeItem{
		"k1": {Key: "k1", Msg: QueryTriple{Prefix: "INSERT", Suffix: "", Columns: nil, Values: map[string]any{}}, Table: "t"},
		"k2": {Key: "k2", Msg: QueryTriple{Prefix: "INSERT", Suffix: "", Columns: nil, Values: map[string]any{}}, Table: "t"},
	}
	w.flush(context.Background(), batch)

	if fh.batchCount() != 1 {
		t.Errorf("expected 1 batch call, got %d", fh.batchCount())
	}
	if fh.statementCount() != 2 {
		t.Errorf("expected 2 statements in the batch, got %d", fh.statementCount())
	}
}

func TestWriter_EnqueueRejectsWhenNotRunning(t *testing.T) {
	fh := &fakeHandle{}
	w := NewWriter("w0", WriterDefault, fh, 1, 10, time.Hour, 0, noopLogger())
	w.state.Store(int32(WriterStopped))
	if w.Enqueue(IntakeItem{Key: "k"}) {
		t.Fatal("expected Enqueue to fail once the writer is stopped")
	}
}

func TestWriter_RunProcessesQueuedItemsOnShutdown(t *testing.T) {
	fh := &fakeHandle{}
	w := NewWriter("w0", WriterDefault, fh, 10, 10, time.Hour, 0, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Wait for the writer to reach the running state before enqueueing.
	for w.State() != WriterRunning {
		time.Sleep(time.Millisecond)
	}
	if !w.Enqueue(IntakeItem{Key: "k1", Msg: QueryTriple{Prefix: "INSERT", Values: map[string]any{}}, Table: "t"}) {
		t.Fatal("expected enqueue to succeed while running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not shut down in time")
	}

	if fh.batchCount() != 1 {
		t.Errorf("expected queued item flushed on shutdown, got %d batch calls", fh.batchCount())
	}
	if w.State() != WriterStopped {
		t.Errorf("expected stopped state, got %v", w.State())
	}
}
