package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/metrics"
)

// BatchOptions tune the batching writer. Zero values take the defaults.
type BatchOptions struct {
	MaxBatchSize  int           // flush when this many saves are queued (default 50)
	MaxBatchBytes int           // flush when queued payloads exceed this (default 256 KiB)
	MaxBatchDelay time.Duration // flush this long after the first enqueue (default 50 ms)
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 256 << 10
	}
	if o.MaxBatchDelay <= 0 {
		o.MaxBatchDelay = 50 * time.Millisecond
	}
	return o
}

// BatchMetrics is a snapshot of the writer's counters.
type BatchMetrics struct {
	BatchesWritten  int64 `json:"batchesWritten"`
	MessagesWritten int64 `json:"messagesWritten"`
	FlushDueToSize  int64 `json:"flushDueToSize"`
	FlushDueToBytes int64 `json:"flushDueToBytes"`
	FlushDueToTime  int64 `json:"flushDueToTime"`
	FlushFailures   int64 `json:"flushFailures"`
	PendingCount    int   `json:"pendingCount"`
	PendingBytes    int   `json:"pendingBytes"`
}

type batchEntry struct {
	msg  *model.StoredMessage
	size int
}

// BatchedStore wraps any Store with an append-batching writer. Saves are
// queued in memory and flushed when the queue length, queued bytes, or time
// since the first enqueue crosses a threshold. Status updates and reads are
// never batched: they force a flush first so the ACK path and session replay
// always observe the latest rows.
type BatchedStore struct {
	inner  Store
	opts   BatchOptions
	logger *slog.Logger

	mu     sync.Mutex
	queue  []batchEntry
	bytes  int
	timer  *time.Timer
	closed bool

	// flushMu serialises flushes: at most one in flight, concurrent
	// callers block on it and observe a drained queue.
	flushMu sync.Mutex

	stats BatchMetrics
}

var _ Store = (*BatchedStore)(nil)

func NewBatchedStore(inner Store, opts BatchOptions, logger *slog.Logger) *BatchedStore {
	return &BatchedStore{
		inner:  inner,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

func (s *BatchedStore) SaveMessage(ctx context.Context, msg *model.StoredMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("batched store: marshal: %w", err)
	}
	cp := *msg

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, batchEntry{msg: &cp, size: len(raw)})
	s.bytes += len(raw)
	if len(s.queue) == 1 {
		s.armTimerLocked()
	}
	var trigger string
	switch {
	case len(s.queue) >= s.opts.MaxBatchSize:
		trigger = "size"
	case s.bytes >= s.opts.MaxBatchBytes:
		trigger = "bytes"
	}
	s.mu.Unlock()

	if trigger != "" {
		return s.flush(ctx, trigger)
	}
	return nil
}

func (s *BatchedStore) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.MaxBatchDelay, func() {
		if err := s.flush(context.Background(), "time"); err != nil {
			s.logger.Warn("timed batch flush failed", "error", err)
		}
	})
}

// flush drains the queue into the inner store. A failed batch is re-queued at
// the head so the next trigger retries it; nothing is lost or reordered.
func (s *BatchedStore) flush(ctx context.Context, trigger string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.queue
	s.queue = nil
	s.bytes = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	switch trigger {
	case "size":
		s.stats.FlushDueToSize++
	case "bytes":
		s.stats.FlushDueToBytes++
	case "time":
		s.stats.FlushDueToTime++
	}
	s.mu.Unlock()
	metrics.BatchFlushTrigger.WithLabelValues(trigger).Inc()

	for i, entry := range batch {
		if err := s.inner.SaveMessage(ctx, entry.msg); err != nil {
			// Re-queue the unwritten tail at the head, ahead of
			// anything enqueued while we were flushing.
			s.mu.Lock()
			s.queue = append(batch[i:], s.queue...)
			for _, e := range batch[i:] {
				s.bytes += e.size
			}
			if s.timer == nil && !s.closed {
				s.armTimerLocked()
			}
			s.stats.FlushFailures++
			s.stats.MessagesWritten += int64(i)
			s.mu.Unlock()
			metrics.BatchFlushFailures.Inc()
			return fmt.Errorf("batched store: flush: %w", err)
		}
	}

	s.mu.Lock()
	s.stats.BatchesWritten++
	s.stats.MessagesWritten += int64(len(batch))
	s.mu.Unlock()
	metrics.BatchesWritten.Inc()
	return nil
}

// Flush forces a drain of the queue. Safe to call concurrently and after
// Close; callers share the single in-flight flush.
func (s *BatchedStore) Flush(ctx context.Context) error {
	return s.flush(ctx, "manual")
}

// Metrics returns a snapshot of the writer's counters.
func (s *BatchedStore) Metrics() BatchMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.PendingCount = len(s.queue)
	out.PendingBytes = s.bytes
	return out
}

// ResetMetrics clears the counters. Pending gauges reflect live state and are
// unaffected.
func (s *BatchedStore) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = BatchMetrics{}
}

func (s *BatchedStore) GetMessageByID(ctx context.Context, id string) (*model.StoredMessage, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.inner.GetMessageByID(ctx, id)
}

func (s *BatchedStore) GetMessages(ctx context.Context, q model.MessageQuery) ([]*model.StoredMessage, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.inner.GetMessages(ctx, q)
}

// UpdateMessageStatus is synchronous by contract: the queue is drained first
// so an ACK can never race the batch that carries its row.
func (s *BatchedStore) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.inner.UpdateMessageStatus(ctx, id, status)
}

func (s *BatchedStore) GetPendingMessagesForSession(ctx context.Context, agent, sessionID string) ([]*model.StoredMessage, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.inner.GetPendingMessagesForSession(ctx, agent, sessionID)
}

func (s *BatchedStore) StartSession(ctx context.Context, sess *model.Session) error {
	return s.inner.StartSession(ctx, sess)
}

func (s *BatchedStore) EndSession(ctx context.Context, id string, closedBy model.SessionCloser) error {
	return s.inner.EndSession(ctx, id, closedBy)
}

func (s *BatchedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return s.inner.GetSession(ctx, id)
}

func (s *BatchedStore) GetRecentSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	return s.inner.GetRecentSessions(ctx, limit)
}

func (s *BatchedStore) GetSessionByResumeToken(ctx context.Context, token string) (*model.Session, error) {
	return s.inner.GetSessionByResumeToken(ctx, token)
}

func (s *BatchedStore) IncrementSessionMessageCount(ctx context.Context, id string) error {
	return s.inner.IncrementSessionMessageCount(ctx, id)
}

// Close drains the queue and closes the inner store. Idempotent.
func (s *BatchedStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	flushErr := s.flush(context.Background(), "manual")
	closeErr := s.inner.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
