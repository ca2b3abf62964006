package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/protocol"
	"github.com/agent-relay/relay/internal/relay"
)

// handshakeTimeout bounds how long a fresh transport may sit silent before
// sending HELLO.
const handshakeTimeout = 10 * time.Second

// serveTransport runs one agent connection end to end: handshake, pumps,
// teardown. It blocks until the transport dies or the daemon stops.
func (s *Server) serveTransport(ctx context.Context, t transport) {
	defer t.Close()

	hello, err := s.awaitHello(ctx, t)
	if err != nil {
		s.logger.Debug("handshake failed", "remote", t.RemoteAddr(), "error", err)
		return
	}

	sessionID, resumeToken, replayable := s.resolveSession(ctx, hello)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn := relay.NewConn(connCtx, hello, sessionID, s.opts.SendBuffer)

	closedBy := model.ClosedDisconnect
	defer func() {
		s.router.Unregister(context.Background(), conn.ID())
		if err := s.store.EndSession(context.Background(), sessionID, closedBy); err != nil {
			s.logger.Warn("session close not recorded", "session_id", sessionID, "error", err)
		}
	}()

	// Replay is queued into the still-unregistered connection's buffer, so
	// the ack frame below always reaches the wire first and no concurrent
	// delivery can observe the connection before the handshake completes.
	pending := 0
	if replayable {
		s.router.PrimeSessionSequences(ctx, conn)
		pending = s.router.ReplaySession(ctx, conn)
	}
	ack, err := protocol.New(protocol.TypeHelloAck, &protocol.HelloAckPayload{
		SessionID:     sessionID,
		ResumeToken:   resumeToken,
		PendingReplay: pending,
	})
	if err == nil {
		ack.To = hello.AgentName
		err = t.WriteEnvelope(ack)
	}
	if err != nil {
		s.logger.Warn("hello ack not sent", "agent", hello.AgentName, "error", err)
		closedBy = model.ClosedError
		return
	}
	s.router.Register(ctx, conn)

	// Write pump. Drains the router's bounded buffer onto the wire.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-conn.Done():
				return
			case ob, ok := <-conn.Recv():
				if !ok {
					return
				}
				if err := t.WriteEnvelope(ob.Env); err != nil {
					s.logger.Debug("write pump stopped", "agent", conn.Name(), "error", err)
					cancel()
					return
				}
			}
		}
	}()

	// Read pump, on this goroutine.
	for {
		env, err := t.ReadEnvelope()
		if err != nil {
			if !errors.Is(err, io.EOF) && connCtx.Err() == nil {
				if protocol.IsProtocolError(err) {
					s.logger.Warn("protocol violation, closing connection",
						"agent", conn.Name(), "error", err)
					closedBy = model.ClosedError
				} else {
					s.logger.Debug("read pump stopped", "agent", conn.Name(), "error", err)
				}
			}
			break
		}
		s.router.HandleEnvelope(connCtx, conn.ID(), env)
	}

	cancel()
	<-writeDone
}

// awaitHello reads the first envelope and requires it to be a valid HELLO.
// Anything else closes the transport before any state is created.
func (s *Server) awaitHello(ctx context.Context, t transport) (*protocol.HelloPayload, error) {
	type result struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := t.ReadEnvelope()
		ch <- result{env, err}
	}()

	var env *protocol.Envelope
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(handshakeTimeout):
		return nil, errors.New("handshake timeout")
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		env = res.env
	}

	if env.Type != protocol.TypeHello {
		return nil, errors.New("first envelope must be HELLO, got " + string(env.Type))
	}
	hello, err := env.DecodeHello()
	if err != nil {
		return nil, err
	}
	if hello.AgentName == "" {
		return nil, errors.New("HELLO missing agentName")
	}
	return hello, nil
}

// resolveSession maps the HELLO to a session id and resume token. A valid
// resume token or a known session id re-enters the previous session so
// unACKed deliveries replay; otherwise a fresh session is opened. The bool
// reports whether replay applies.
func (s *Server) resolveSession(ctx context.Context, hello *protocol.HelloPayload) (string, string, bool) {
	if hello.ResumeToken != "" {
		prev, err := s.store.GetSessionByResumeToken(ctx, hello.ResumeToken)
		if err == nil && prev != nil && prev.AgentName == hello.AgentName {
			return prev.ID, prev.ResumeToken, true
		}
		if err != nil {
			s.logger.Debug("resume token lookup failed", "agent", hello.AgentName, "error", err)
		}
	}
	if hello.SessionID != "" {
		prev, err := s.store.GetSession(ctx, hello.SessionID)
		if err == nil && prev != nil && prev.AgentName == hello.AgentName {
			return prev.ID, prev.ResumeToken, true
		}
		if err != nil {
			s.logger.Debug("session id lookup failed", "agent", hello.AgentName, "error", err)
		}
	}

	sessionID := uuid.NewString()
	sess := &model.Session{
		ID:          sessionID,
		AgentName:   hello.AgentName,
		CLI:         hello.CLI,
		StartedAt:   time.Now().UnixMilli(),
		ResumeToken: uuid.NewString(),
	}
	if err := s.store.StartSession(ctx, sess); err != nil {
		s.logger.Warn("session not persisted", "agent", hello.AgentName, "error", err)
	}
	return sessionID, sess.ResumeToken, false
}
