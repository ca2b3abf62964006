// Package store persists routed messages and agent sessions. Two adapters
// satisfy the same interface: a bounded in-memory one and a bbolt-backed one;
// BatchedStore wraps either with a size/bytes/time batching writer.
package store

import (
	"context"
	"errors"

	"github.com/agent-relay/relay/internal/domain/model"
)

var (
	// ErrNotFound is returned for lookups of unknown message or session ids.
	ErrNotFound = errors.New("store: not found")
	// ErrStatusRegression is returned when a status update would move
	// backwards (for example acked -> read).
	ErrStatusRegression = errors.New("store: status may only advance")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Store is the persistence port consumed by the router and the orchestrator.
type Store interface {
	SaveMessage(ctx context.Context, msg *model.StoredMessage) error
	GetMessageByID(ctx context.Context, id string) (*model.StoredMessage, error)
	GetMessages(ctx context.Context, q model.MessageQuery) ([]*model.StoredMessage, error)
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error

	// GetPendingMessagesForSession returns the unread rows delivered to
	// the given agent within the given session, ordered by delivery seq.
	// Session replay feeds each row back through reliable delivery.
	GetPendingMessagesForSession(ctx context.Context, agent, sessionID string) ([]*model.StoredMessage, error)

	StartSession(ctx context.Context, sess *model.Session) error
	EndSession(ctx context.Context, id string, closedBy model.SessionCloser) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetRecentSessions(ctx context.Context, limit int) ([]*model.Session, error)
	GetSessionByResumeToken(ctx context.Context, token string) (*model.Session, error)
	IncrementSessionMessageCount(ctx context.Context, id string) error

	Flush(ctx context.Context) error
	Close() error
}

// sortMessages orders rows by (ts, id) ascending or descending and applies
// the limit. Shared by both adapters.
func sortMessages(rows []*model.StoredMessage, q model.MessageQuery) []*model.StoredMessage {
	less := func(a, b *model.StoredMessage) bool {
		if a.TS != b.TS {
			return a.TS < b.TS
		}
		return a.ID < b.ID
	}
	// insertion sort keeps this dependency-free; result sets are small.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && less(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
	if q.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}
