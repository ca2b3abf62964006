// Package relay implements the router at the heart of the daemon: the agent
// address book, direct/broadcast/topic/channel fan-out, shadow observers,
// and the ACK-driven reliable delivery state machine.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/protocol"
)

// Outbound pairs an envelope with its importance rank so backpressure
// decisions never re-parse the payload.
type Outbound struct {
	Env  *protocol.Envelope
	rank int
}

type seqKey struct {
	topic string
	peer  string
}

// Conn is one live agent connection: identity, a bounded outbound buffer and
// the per-(topic,peer) sequence counters scoped to this session.
type Conn struct {
	id          uuid.UUID
	name        string
	sessionID   string
	meta        protocol.HelloPayload
	connectedAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh    chan Outbound
	closeOnce sync.Once

	droppedCount atomic.Uint64

	seqMu sync.Mutex
	seqs  map[seqKey]uint64
}

// NewConn builds a connection around an accepted transport. The connection is
// not visible to other agents until the router registers it after HELLO_ACK.
func NewConn(ctx context.Context, hello *protocol.HelloPayload, sessionID string, bufferSize int) *Conn {
	childCtx, cancel := context.WithCancel(ctx)
	return &Conn{
		id:          uuid.New(),
		name:        hello.AgentName,
		sessionID:   sessionID,
		meta:        *hello,
		connectedAt: time.Now(),
		ctx:         childCtx,
		cancelFn:    cancel,
		sendCh:      make(chan Outbound, bufferSize),
		seqs:        make(map[seqKey]uint64),
	}
}

func (c *Conn) ID() uuid.UUID     { return c.id }
func (c *Conn) Name() string      { return c.name }
func (c *Conn) SessionID() string { return c.sessionID }
func (c *Conn) Dropped() uint64   { return c.droppedCount.Load() }

// NextSeq returns the next sequence number for the (topic, peer) stream.
// Counters start at 1 and are session-scoped: a fresh session restarts every
// stream, while a resumed session seeds each counter from the persisted high
// water mark so numbering stays strictly increasing within one session id.
func (c *Conn) NextSeq(topic, peer string) uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	k := seqKey{topic: topic, peer: peer}
	c.seqs[k]++
	return c.seqs[k]
}

// SeedSeq raises the (topic, peer) counter to at least floor. Counters never
// move backwards.
func (c *Conn) SeedSeq(topic, peer string, floor uint64) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	k := seqKey{topic: topic, peer: peer}
	if c.seqs[k] < floor {
		c.seqs[k] = floor
	}
}

// Send enqueues an envelope without blocking. It returns false when the
// buffer is full, letting the router skip a slow peer and lean on reliable
// delivery instead. An urgent envelope may evict one buffered lower-rank
// envelope to make room.
func (c *Conn) Send(env *protocol.Envelope, importance protocol.Importance) bool {
	rank := importance.Rank()
	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- Outbound{Env: env, rank: rank}:
		return true
	default:
		return c.handleBackpressure(Outbound{Env: env, rank: rank})
	}
}

// handleBackpressure drops low-rank envelopes outright and lets high-rank
// ones displace one buffered lower-rank entry, best effort.
func (c *Conn) handleBackpressure(ob Outbound) bool {
	if ob.rank < protocol.ImportanceUrgent.Rank() {
		c.droppedCount.Add(1)
		return false
	}
	select {
	case old := <-c.sendCh:
		if old.rank < ob.rank {
			select {
			case c.sendCh <- ob:
				c.droppedCount.Add(1) // the evicted envelope
				return true
			default:
			}
		}
		// Put the displaced envelope back if we can; if not, it is lost
		// and reliable delivery will retry it.
		select {
		case c.sendCh <- old:
		default:
		}
	default:
	}
	c.droppedCount.Add(1)
	return false
}

// Recv exposes the outbound buffer to the transport write pump. The channel
// closes when the connection closes.
func (c *Conn) Recv() <-chan Outbound { return c.sendCh }

// Done signals transport teardown.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Close cancels pending sends and releases the buffer. Idempotent: the
// router, the read pump, and identity eviction may all race to call it.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		close(c.sendCh)
	})
}
