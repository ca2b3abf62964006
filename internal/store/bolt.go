package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agent-relay/relay/internal/domain/model"
)

var (
	bucketMessages = []byte("messages")   // id -> StoredMessage json
	bucketByTime   = []byte("by_time")    // {ts:020d}/{id} -> id
	bucketByThread = []byte("by_thread")  // {thread}/{id} -> nil
	bucketSessions = []byte("sessions")   // id -> Session json
	bucketSessIdx  = []byte("sess_index") // {startedAt:020d}/{id} -> id
	bucketResume   = []byte("resume")     // resume token -> session id
)

// BoltStore persists messages and sessions in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt creates or opens the message store at path and ensures all
// buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketByTime, bucketByThread, bucketSessions, bucketSessIdx, bucketResume} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func timeKey(ts int64, id string) []byte {
	return fmt.Appendf(nil, "%020d/%s", ts, id)
}

func threadKey(thread, id string) []byte {
	return fmt.Appendf(nil, "%s/%s", thread, id)
}

func (s *BoltStore) SaveMessage(ctx context.Context, msg *model.StoredMessage) error {
	cp := *msg
	cp.ReplyCount = 0 // derived, never persisted
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		if msgs.Get([]byte(cp.ID)) != nil {
			return nil // replayed id, first write wins
		}
		if err := msgs.Put([]byte(cp.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByTime).Put(timeKey(cp.TS, cp.ID), []byte(cp.ID)); err != nil {
			return err
		}
		if cp.Thread != "" {
			return tx.Bucket(bucketByThread).Put(threadKey(cp.Thread, cp.ID), nil)
		}
		return nil
	})
}

func (s *BoltStore) GetMessageByID(ctx context.Context, id string) (*model.StoredMessage, error) {
	var msg *model.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMessages).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var m model.StoredMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		m.ReplyCount = replyCountTx(tx, id)
		msg = &m
		return nil
	})
	return msg, err
}

func replyCountTx(tx *bolt.Tx, id string) int {
	n := 0
	prefix := []byte(id + "/")
	c := tx.Bucket(bucketByThread).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n
}

func (s *BoltStore) GetMessages(ctx context.Context, q model.MessageQuery) ([]*model.StoredMessage, error) {
	var out []*model.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketByTime).Cursor()
		// Time index keeps the scan chronological; sinceTs bounds the seek.
		var start []byte
		if q.SinceTS > 0 {
			start = timeKey(q.SinceTS, "")
		}
		var k, v []byte
		if start != nil {
			k, v = c.Seek(start)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			raw := msgs.Get(v)
			if raw == nil {
				continue
			}
			var m model.StoredMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			if !q.Matches(&m) {
				continue
			}
			m.ReplyCount = replyCountTx(tx, m.ID)
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortMessages(out, q), nil
}

func (s *BoltStore) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		raw := msgs.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var m model.StoredMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if !m.Status.CanAdvanceTo(status) {
			return ErrStatusRegression
		}
		m.Status = status
		data, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return msgs.Put([]byte(id), data)
	})
}

func (s *BoltStore) GetPendingMessagesForSession(ctx context.Context, agent, sessionID string) ([]*model.StoredMessage, error) {
	rows, err := s.GetMessages(ctx, model.MessageQuery{To: agent, UnreadOnly: true})
	if err != nil {
		return nil, err
	}
	var out []*model.StoredMessage
	for _, m := range rows {
		if m.DeliverySessionID == sessionID {
			out = append(out, m)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DeliverySeq < out[j-1].DeliverySeq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *BoltStore) StartSession(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(sess.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSessIdx).Put(timeKey(sess.StartedAt, sess.ID), []byte(sess.ID)); err != nil {
			return err
		}
		if sess.ResumeToken != "" {
			return tx.Bucket(bucketResume).Put([]byte(sess.ResumeToken), []byte(sess.ID))
		}
		return nil
	})
}

func (s *BoltStore) updateSession(id string, mutate func(*model.Session)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return err
		}
		mutate(&sess)
		data, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltStore) EndSession(ctx context.Context, id string, closedBy model.SessionCloser) error {
	return s.updateSession(id, func(sess *model.Session) {
		if sess.EndedAt == 0 {
			sess.EndedAt = nowMilli()
			sess.ClosedBy = closedBy
		}
	})
}

func (s *BoltStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess *model.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var ss model.Session
		if err := json.Unmarshal(raw, &ss); err != nil {
			return err
		}
		sess = &ss
		return nil
	})
	return sess, err
}

func (s *BoltStore) GetRecentSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	var out []*model.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		c := tx.Bucket(bucketSessIdx).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			raw := sessions.Get(v)
			if raw == nil {
				continue
			}
			var sess model.Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return err
			}
			out = append(out, &sess)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetSessionByResumeToken(ctx context.Context, token string) (*model.Session, error) {
	var sess *model.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketResume).Get([]byte(token))
		if id == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketSessions).Get(id)
		if raw == nil {
			return ErrNotFound
		}
		var ss model.Session
		if err := json.Unmarshal(raw, &ss); err != nil {
			return err
		}
		sess = &ss
		return nil
	})
	return sess, err
}

func (s *BoltStore) IncrementSessionMessageCount(ctx context.Context, id string) error {
	err := s.updateSession(id, func(sess *model.Session) {
		sess.MessageCount++
	})
	if err == ErrNotFound {
		return nil // best-effort
	}
	return err
}

func (s *BoltStore) Flush(ctx context.Context) error { return nil }

func (s *BoltStore) Close() error { return s.db.Close() }

func nowMilli() int64 { return time.Now().UnixMilli() }
