// Package server owns the daemon's agent-facing listeners: a unix socket
// for local processes and a websocket endpoint for dashboards and remote
// agents. Both speak the same framed-JSON codec and feed the router.
package server

import (
	"net"

	"github.com/gorilla/websocket"

	"github.com/agent-relay/relay/internal/protocol"
)

// transport is one framed envelope stream, regardless of carrier.
type transport interface {
	ReadEnvelope() (*protocol.Envelope, error)
	WriteEnvelope(*protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// streamTransport frames envelopes over any byte stream (the unix socket).
type streamTransport struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
}

func newStreamTransport(conn net.Conn) *streamTransport {
	return &streamTransport{
		conn:   conn,
		reader: protocol.NewReader(conn),
		writer: protocol.NewWriter(conn),
	}
}

func (t *streamTransport) ReadEnvelope() (*protocol.Envelope, error) {
	return t.reader.Read()
}

func (t *streamTransport) WriteEnvelope(env *protocol.Envelope) error {
	return t.writer.Write(env)
}

func (t *streamTransport) Close() error       { return t.conn.Close() }
func (t *streamTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// wsTransport maps one websocket text message to one envelope frame.
type wsTransport struct {
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &wsTransport{ws: ws}
}

func (t *wsTransport) ReadEnvelope() (*protocol.Envelope, error) {
	_, frame, err := t.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

func (t *wsTransport) WriteEnvelope(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error       { return t.ws.Close() }
func (t *wsTransport) RemoteAddr() string { return t.ws.RemoteAddr().String() }
