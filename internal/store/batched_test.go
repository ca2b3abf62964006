package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/domain/model"
)

func newBatched(opts BatchOptions) (*BatchedStore, *MemoryStore) {
	inner := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBatchedStore(inner, opts, logger), inner
}

// wideOptions keep every trigger out of reach so tests control the flush.
var wideOptions = BatchOptions{
	MaxBatchSize:  1000,
	MaxBatchBytes: 64 << 20,
	MaxBatchDelay: time.Hour,
}

func TestBatchFlushOnCount(t *testing.T) {
	s, inner := newBatched(BatchOptions{MaxBatchSize: 3, MaxBatchBytes: 64 << 20, MaxBatchDelay: time.Hour})
	defer s.Close()
	ctx := context.Background()

	for i, id := range []string{"m1", "m2"} {
		if err := s.SaveMessage(ctx, testMessage(id, int64(i))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := inner.GetMessageByID(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("row reached backend before the batch filled, err = %v", err)
	}

	if err := s.SaveMessage(ctx, testMessage("m3", 3)); err != nil {
		t.Fatalf("save third: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := inner.GetMessageByID(ctx, id); err != nil {
			t.Errorf("%s not flushed: %v", id, err)
		}
	}

	m := s.Metrics()
	if m.FlushDueToSize != 1 || m.BatchesWritten != 1 || m.MessagesWritten != 3 {
		t.Errorf("metrics = %+v", m)
	}
	if m.PendingCount != 0 || m.PendingBytes != 0 {
		t.Errorf("queue not drained: %+v", m)
	}
}

func TestBatchFlushOnBytes(t *testing.T) {
	s, inner := newBatched(BatchOptions{MaxBatchSize: 1000, MaxBatchBytes: 1, MaxBatchDelay: time.Hour})
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveMessage(ctx, testMessage("m1", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := inner.GetMessageByID(ctx, "m1"); err != nil {
		t.Errorf("byte threshold did not flush: %v", err)
	}
	if m := s.Metrics(); m.FlushDueToBytes != 1 {
		t.Errorf("flushDueToBytes = %d, want 1", m.FlushDueToBytes)
	}
}

func TestBatchFlushOnTimer(t *testing.T) {
	s, inner := newBatched(BatchOptions{MaxBatchSize: 1000, MaxBatchBytes: 64 << 20, MaxBatchDelay: 10 * time.Millisecond})
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveMessage(ctx, testMessage("m1", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := inner.GetMessageByID(ctx, "m1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m := s.Metrics(); m.FlushDueToTime != 1 {
		t.Errorf("flushDueToTime = %d, want 1", m.FlushDueToTime)
	}
}

func TestReadsForceFlush(t *testing.T) {
	s, _ := newBatched(wideOptions)
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveMessage(ctx, testMessage("m1", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.GetMessageByID(ctx, "m1"); err != nil {
		t.Errorf("get did not drain the queue: %v", err)
	}

	if err := s.SaveMessage(ctx, testMessage("m2", 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetMessages(ctx, model.MessageQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestStatusUpdateDrainsQueueFirst(t *testing.T) {
	s, inner := newBatched(wideOptions)
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveMessage(ctx, testMessage("m1", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.UpdateMessageStatus(ctx, "m1", model.StatusAcked); err != nil {
		t.Fatalf("ack queued row: %v", err)
	}
	got, err := inner.GetMessageByID(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusAcked {
		t.Errorf("status = %q, want acked", got.Status)
	}
}

// faultyStore fails SaveMessage while failures remains positive.
type faultyStore struct {
	Store
	failures int
}

func (f *faultyStore) SaveMessage(ctx context.Context, msg *model.StoredMessage) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk unavailable")
	}
	return f.Store.SaveMessage(ctx, msg)
}

func TestFailedFlushRequeuesAtHead(t *testing.T) {
	inner := NewMemoryStore()
	faulty := &faultyStore{Store: inner, failures: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewBatchedStore(faulty, wideOptions, logger)
	defer s.Close()
	ctx := context.Background()

	for i, id := range []string{"m1", "m2"} {
		if err := s.SaveMessage(ctx, testMessage(id, int64(i+1))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	err := s.Flush(ctx)
	if err == nil || !strings.Contains(err.Error(), "disk unavailable") {
		t.Fatalf("flush err = %v, want backend failure", err)
	}
	m := s.Metrics()
	if m.FlushFailures != 1 {
		t.Errorf("flushFailures = %d, want 1", m.FlushFailures)
	}
	if m.PendingCount != 2 {
		t.Errorf("pendingCount = %d, want the failed batch re-queued", m.PendingCount)
	}

	// A row enqueued after the failure lands behind the re-queued batch.
	if err := s.SaveMessage(ctx, testMessage("m3", 3)); err != nil {
		t.Fatalf("save after failure: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := inner.GetMessageByID(ctx, id); err != nil {
			t.Errorf("%s lost after retry: %v", id, err)
		}
	}
	if m := s.Metrics(); m.MessagesWritten != 3 || m.PendingCount != 0 {
		t.Errorf("metrics after retry = %+v", m)
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	s, inner := newBatched(wideOptions)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, testMessage("m1", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := inner.GetMessageByID(ctx, "m1"); err != nil {
		t.Errorf("row lost at close: %v", err)
	}

	if err := s.SaveMessage(ctx, testMessage("m2", 2)); !errors.Is(err, ErrClosed) {
		t.Errorf("save after close: err = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSessionCallsPassThrough(t *testing.T) {
	s, inner := newBatched(wideOptions)
	defer s.Close()
	ctx := context.Background()

	sess := &model.Session{ID: "sess-1", AgentName: "ana", StartedAt: 100, ResumeToken: "tok-1"}
	if err := s.StartSession(ctx, sess); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := inner.GetSessionByResumeToken(ctx, "tok-1"); err != nil {
		t.Errorf("session writes should not be batched: %v", err)
	}
	if err := s.IncrementSessionMessageCount(ctx, "sess-1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, err := s.GetSessionByResumeToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("by token: %v", err)
	}
	if got.MessageCount != 1 {
		t.Errorf("messageCount = %d, want 1", got.MessageCount)
	}
	if got, err = s.GetSession(ctx, "sess-1"); err != nil || got.ID != "sess-1" {
		t.Errorf("by id: %+v, %v", got, err)
	}
}
