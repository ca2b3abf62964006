package model

// MessageStatus tracks the delivery lifecycle of a stored message. It only
// ever advances: unread -> read -> acked.
type MessageStatus string

const (
	StatusUnread MessageStatus = "unread"
	StatusRead   MessageStatus = "read"
	StatusAcked  MessageStatus = "acked"
)

// rank orders statuses for the monotonic-progression guard.
func (s MessageStatus) rank() int {
	switch s {
	case StatusUnread:
		return 0
	case StatusRead:
		return 1
	case StatusAcked:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether a transition from s to next is a forward move.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// StoredMessage is the persisted row for every routed DELIVER.
type StoredMessage struct {
	ID                string         `json:"id"`
	TS                int64          `json:"ts"`
	From              string         `json:"from"`
	To                string         `json:"to"`
	Topic             string         `json:"topic,omitempty"`
	Kind              string         `json:"kind"`
	Body              string         `json:"body"`
	Data              map[string]any `json:"data,omitempty"`
	Thread            string         `json:"thread,omitempty"`
	DeliverySeq       uint64         `json:"deliverySeq,omitempty"`
	DeliverySessionID string         `json:"deliverySessionId,omitempty"`
	SessionID         string         `json:"sessionId,omitempty"`
	Status            MessageStatus  `json:"status"`
	IsUrgent          bool           `json:"isUrgent"`
	IsBroadcast       bool           `json:"isBroadcast"`

	// ReplyCount is computed at query time and never persisted.
	ReplyCount int `json:"replyCount,omitempty"`
}

// MessageQuery filters GetMessages. Zero values mean "no filter".
type MessageQuery struct {
	From       string
	To         string
	Topic      string
	Thread     string
	SinceTS    int64
	UnreadOnly bool
	UrgentOnly bool
	Descending bool
	Limit      int
}

// Matches applies the query's filters to a single row.
func (q MessageQuery) Matches(m *StoredMessage) bool {
	if q.From != "" && m.From != q.From {
		return false
	}
	if q.To != "" && m.To != q.To {
		return false
	}
	if q.Topic != "" && m.Topic != q.Topic {
		return false
	}
	if q.Thread != "" && m.Thread != q.Thread {
		return false
	}
	if q.SinceTS > 0 && m.TS < q.SinceTS {
		return false
	}
	if q.UnreadOnly && m.Status != StatusUnread {
		return false
	}
	if q.UrgentOnly && !m.IsUrgent {
		return false
	}
	return true
}
