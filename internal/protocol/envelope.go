// Package protocol defines the wire format spoken between the relay daemon
// and its agents: versioned JSON envelopes carried over a newline-framed
// stream (Unix socket or WebSocket).
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version carried in every envelope as `v`.
// Receivers reject mismatched versions at handshake.
const Version = 1

// Broadcast is the literal SEND target that fans out to every registered agent.
const Broadcast = "*"

type Type string

const (
	TypeHello          Type = "HELLO"
	TypeHelloAck       Type = "HELLO_ACK"
	TypeSend           Type = "SEND"
	TypeDeliver        Type = "DELIVER"
	TypeAck            Type = "ACK"
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeUnsubscribe    Type = "UNSUBSCRIBE"
	TypeChannelJoin    Type = "CHANNEL_JOIN"
	TypeChannelLeave   Type = "CHANNEL_LEAVE"
	TypeChannelMessage Type = "CHANNEL_MESSAGE"
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
)

var knownTypes = map[Type]struct{}{
	TypeHello: {}, TypeHelloAck: {}, TypeSend: {}, TypeDeliver: {}, TypeAck: {},
	TypeSubscribe: {}, TypeUnsubscribe: {}, TypeChannelJoin: {}, TypeChannelLeave: {},
	TypeChannelMessage: {}, TypePing: {}, TypePong: {},
}

// Known reports whether t is a recognised envelope type.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Kind classifies the business intent of a SEND.
type Kind string

const (
	KindMessage Kind = "message"
	KindAction  Kind = "action"
	KindSystem  Kind = "system"
)

// Importance orders envelopes for backpressure decisions. Urgent messages may
// evict a buffered lower-importance envelope when a peer's queue is full.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// Rank maps an importance label onto a comparable weight. Unknown labels rank
// as normal.
func (i Importance) Rank() int {
	switch i {
	case ImportanceLow:
		return 10
	case ImportanceHigh:
		return 30
	case ImportanceUrgent:
		return 40
	default:
		return 20
	}
}

// Signature is the compact `_sig` side-channel attached to signed envelopes.
type Signature struct {
	S string `json:"s"` // base64 signature
	K string `json:"k"` // key id (public key)
	T int64  `json:"t"` // signed-at, unix ms
	A string `json:"a"` // algorithm
}

// Envelope is the single wire record. Payload shape depends on Type.
type Envelope struct {
	V       int             `json:"v"`
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sig     *Signature      `json:"_sig,omitempty"`
}

// New builds an envelope of the given type with a fresh id and the current
// millisecond timestamp. The payload is marshalled immediately so routing
// never re-encodes it.
func New(t Type, payload any) (*Envelope, error) {
	env := &Envelope{
		V:    Version,
		Type: t,
		ID:   uuid.NewString(),
		TS:   time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// HelloPayload opens the handshake.
type HelloPayload struct {
	AgentName        string `json:"agentName"`
	CLI              string `json:"cli,omitempty"`
	Program          string `json:"program,omitempty"`
	Model            string `json:"model,omitempty"`
	Task             string `json:"task,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	ResumeToken      string `json:"resumeToken,omitempty"`
}

// HelloAckPayload completes the handshake. ResumeToken is what the agent
// presents on its next HELLO to re-enter this session; PendingReplay carries
// the number of stored messages about to be replayed into it.
type HelloAckPayload struct {
	SessionID     string `json:"sessionId"`
	ResumeToken   string `json:"resumeToken,omitempty"`
	PendingReplay int    `json:"pendingReplay,omitempty"`
}

// SendPayload is the body of SEND and CHANNEL_MESSAGE envelopes.
type SendPayload struct {
	Kind       Kind           `json:"kind"`
	Body       string         `json:"body"`
	Data       map[string]any `json:"data,omitempty"`
	Thread     string         `json:"thread,omitempty"`
	Importance Importance     `json:"importance,omitempty"`
	ReplyTo    string         `json:"replyTo,omitempty"`
	Channel    string         `json:"channel,omitempty"`

	// Delivery is present only on DELIVER envelopes.
	Delivery *DeliveryInfo `json:"delivery,omitempty"`
}

// DeliveryInfo scopes a DELIVER to the recipient's live session.
type DeliveryInfo struct {
	Seq       uint64 `json:"seq"`
	SessionID string `json:"session_id"`
}

// AckPayload confirms receipt of a DELIVER.
type AckPayload struct {
	AckID string `json:"ack_id"`
}

// SubscribePayload names the topic to (un)subscribe.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// ChannelPayload names the channel for JOIN / LEAVE envelopes.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// DecodeSend unmarshals the payload of a SEND/DELIVER/CHANNEL_MESSAGE envelope.
func (e *Envelope) DecodeSend() (*SendPayload, error) {
	var p SendPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &Error{Code: ErrMalformedFrame, Detail: "send payload: " + err.Error()}
	}
	if p.Importance == "" {
		p.Importance = ImportanceNormal
	}
	return &p, nil
}

// DecodeHello unmarshals the payload of a HELLO envelope.
func (e *Envelope) DecodeHello() (*HelloPayload, error) {
	var p HelloPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, &Error{Code: ErrMalformedFrame, Detail: "hello payload: " + err.Error()}
	}
	if p.AgentName == "" {
		return nil, &Error{Code: ErrMalformedFrame, Detail: "hello payload: agentName required"}
	}
	return &p, nil
}

// DecodeAck unmarshals the payload of an ACK envelope.
func (e *Envelope) DecodeAck() (*AckPayload, error) {
	var p AckPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.AckID == "" {
		return nil, &Error{Code: ErrMalformedFrame, Detail: "ack payload: ack_id required"}
	}
	return &p, nil
}

// DecodeSubscribe unmarshals SUBSCRIBE/UNSUBSCRIBE payloads.
func (e *Envelope) DecodeSubscribe() (*SubscribePayload, error) {
	var p SubscribePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.Topic == "" {
		return nil, &Error{Code: ErrMalformedFrame, Detail: "subscribe payload: topic required"}
	}
	return &p, nil
}

// DecodeChannel unmarshals CHANNEL_JOIN/CHANNEL_LEAVE payloads. For
// CHANNEL_MESSAGE the channel travels inside the SendPayload instead.
func (e *Envelope) DecodeChannel() (*ChannelPayload, error) {
	var p ChannelPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.Channel == "" {
		return nil, &Error{Code: ErrMalformedFrame, Detail: "channel payload: channel required"}
	}
	return &p, nil
}
