// Package wire implements the length-prefixed protobuf framing used by
// every role: [4-byte big-endian length][protobuf Message].
// Messages are hand-encoded with google.golang.org/protobuf's low-level
// encoding/protowire primitives rather than generated .pb.go bindings, so
// the wire format is genuinely protobuf-compatible without a protoc step.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shurlinet/profileserver/internal/protoerr"
)

// MaxMessageSize is the largest frame payload accepted on any role.
const MaxMessageSize = 1 << 20 // 1 MiB

// ProtocolViolationID is the fixed request ID used on the
// ErrorProtocolViolation reply.
const ProtocolViolationID uint32 = 0x0BADC0DE

// Outcome discriminates what ReadFrame observed.
type Outcome int

const (
	// OutcomeMessage means a well-formed frame was read into Envelope.
	OutcomeMessage Outcome = iota
	// OutcomeProtocolViolation means the frame was malformed (oversize
	// length prefix, truncated body, or an envelope that fails to parse).
	OutcomeProtocolViolation
	// OutcomeEOF means the peer closed the connection cleanly between frames.
	OutcomeEOF
)

// ReadFrame reads one length-prefixed frame from r and parses it into an
// Envelope. It reports which of the three codec outcomes occurred.
func ReadFrame(r *bufio.Reader) (*Envelope, Outcome, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, OutcomeEOF, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, OutcomeProtocolViolation, nil
		}
		return nil, OutcomeEOF, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxMessageSize {
		// Drain is not attempted: an oversize prefix means the stream is
		// no longer trustworthy framing-wise. The caller closes the conn.
		return nil, OutcomeProtocolViolation, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, OutcomeProtocolViolation, nil
		}
		return nil, OutcomeEOF, err
	}

	env, err := DecodeEnvelope(body)
	if err != nil {
		return nil, OutcomeProtocolViolation, nil
	}
	return env, OutcomeMessage, nil
}

// WriteFrame encodes env and writes it as a length-prefixed frame to w.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := EncodeEnvelope(env)
	if err != nil {
		return protoerr.Wrap(protoerr.KindInternal, "encode envelope", err)
	}
	if len(body) > MaxMessageSize {
		return protoerr.New(protoerr.KindInternal, "outgoing message exceeds max size")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ProtocolViolationEnvelope builds the fixed-ID error response sent on any
// protocol violation reply.
func ProtocolViolationEnvelope() *Envelope {
	return &Envelope{
		ID:   ProtocolViolationID,
		Kind: KindResponse,
		Response: &Response{
			Family: FamilySingle,
			Status: StatusProtocolViolation,
		},
	}
}
