package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single envelope frame on the wire.
const MaxFrameSize = 1 << 20 // 1 MiB

type ErrorCode string

const (
	ErrVersionMismatch ErrorCode = "version_mismatch"
	ErrMalformedFrame  ErrorCode = "malformed_frame"
	ErrFrameTooLarge   ErrorCode = "frame_too_large"
	ErrUnknownType     ErrorCode = "unknown_type"
)

// Error is a typed protocol violation. Any Error surfaced by the codec is
// grounds for a transport-level close.
type Error struct {
	Code   ErrorCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// IsProtocolError reports whether err is a protocol violation.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Reader decodes one newline-framed JSON envelope at a time.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), MaxFrameSize)
	return &Reader{sc: sc}
}

// Read returns the next complete, validated envelope. io.EOF signals an
// orderly close; a *Error signals a protocol violation.
func (r *Reader) Read() (*Envelope, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue // tolerate keepalive blank lines
		}
		return Decode(line)
	}
	if err := r.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &Error{Code: ErrFrameTooLarge}
		}
		return nil, err
	}
	return nil, io.EOF
}

// Decode parses and validates a single raw frame.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &Error{Code: ErrMalformedFrame, Detail: err.Error()}
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope's invariants: supported version, known type,
// a parseable id and a timestamp.
func Validate(env *Envelope) error {
	if env.V != Version {
		return &Error{Code: ErrVersionMismatch, Detail: fmt.Sprintf("got v=%d, want v=%d", env.V, Version)}
	}
	if !env.Type.Known() {
		return &Error{Code: ErrUnknownType, Detail: string(env.Type)}
	}
	if _, err := uuid.Parse(env.ID); err != nil {
		return &Error{Code: ErrMalformedFrame, Detail: "invalid envelope id"}
	}
	if env.TS <= 0 {
		return &Error{Code: ErrMalformedFrame, Detail: "missing timestamp"}
	}
	return nil
}

// Encode renders an envelope as one newline-terminated frame.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(data)+1 > MaxFrameSize {
		return nil, &Error{Code: ErrFrameTooLarge}
	}
	return append(data, '\n'), nil
}

// Writer serialises envelopes onto a shared stream. Writes are mutex-guarded
// so the handshake reply and the delivery pump can share one socket.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(env *Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(frame)
	return err
}
