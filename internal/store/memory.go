package store

import (
	"context"
	"sync"

	"github.com/agent-relay/relay/internal/domain/model"
)

// memoryRetention bounds the in-memory adapter to the most recent rows.
const memoryRetention = 1000

// MemoryStore is the in-process adapter used for tests and ephemeral runs.
// It retains the last 1,000 messages in arrival order.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*model.StoredMessage
	byID     map[string]*model.StoredMessage
	sessions map[string]*model.Session
	byToken  map[string]string // resume token -> session id
	order    []string          // session ids in start order
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*model.StoredMessage),
		sessions: make(map[string]*model.Session),
		byToken:  make(map[string]string),
	}
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *model.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.byID[msg.ID]; exists {
		// Replays re-use the original id; the first write wins.
		return nil
	}
	cp := *msg
	s.messages = append(s.messages, &cp)
	s.byID[cp.ID] = &cp
	if len(s.messages) > memoryRetention {
		evicted := s.messages[0]
		s.messages = s.messages[1:]
		delete(s.byID, evicted.ID)
	}
	return nil
}

func (s *MemoryStore) GetMessageByID(ctx context.Context, id string) (*model.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	cp.ReplyCount = s.replyCountLocked(id)
	return &cp, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, q model.MessageQuery) ([]*model.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.StoredMessage
	for _, msg := range s.messages {
		if !q.Matches(msg) {
			continue
		}
		cp := *msg
		cp.ReplyCount = s.replyCountLocked(msg.ID)
		out = append(out, &cp)
	}
	return sortMessages(out, q), nil
}

func (s *MemoryStore) replyCountLocked(id string) int {
	n := 0
	for _, m := range s.messages {
		if m.Thread == id {
			n++
		}
	}
	return n
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !msg.Status.CanAdvanceTo(status) {
		return ErrStatusRegression
	}
	msg.Status = status
	return nil
}

func (s *MemoryStore) GetPendingMessagesForSession(ctx context.Context, agent, sessionID string) ([]*model.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.StoredMessage
	for _, msg := range s.messages {
		if msg.To != agent || msg.DeliverySessionID != sessionID || msg.Status != model.StatusUnread {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	// Replay order follows the original delivery sequence.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DeliverySeq < out[j-1].DeliverySeq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *MemoryStore) StartSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *sess
	s.sessions[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	if cp.ResumeToken != "" {
		s.byToken[cp.ResumeToken] = cp.ID
	}
	return nil
}

func (s *MemoryStore) EndSession(ctx context.Context, id string, closedBy model.SessionCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.EndedAt == 0 {
		sess.EndedAt = nowMilli()
		sess.ClosedBy = closedBy
	}
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetRecentSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if sess, ok := s.sessions[s.order[i]]; ok {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSessionByResumeToken(ctx context.Context, token string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) IncrementSessionMessageCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.MessageCount++
	}
	// Best-effort: unknown sessions are not an error.
	return nil
}

func (s *MemoryStore) Flush(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
