// Package framer implements the segmentation layer of the juggler
// protocol. A message is serialized as JSON and carried in one or
// more transport frames, each prefixed by a single-byte opcode. The
// opcode indicates whether more segments follow, or carries the
// keepalive ping/pong signal.
package framer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hat-open/hat-juggler/message"
)

// The frame opcodes, always the first byte of a transport frame.
const (
	OpFinal byte = '0' // final (or only) segment of a message
	OpMore  byte = '1' // segment with more segments to follow
	OpPing  byte = '2' // keepalive ping, payload echoed in the pong
	OpPong  byte = '3' // keepalive pong
)

// DefaultMaxSegmentSize is the maximum payload size of a single frame
// used when no explicit limit is configured.
const DefaultMaxSegmentSize = 64 * 1024

// ErrEmptyFrame is returned when a received frame has no opcode byte.
var ErrEmptyFrame = errors.New("framer: empty frame")

// Signal identifies a keepalive frame surfaced by the decoder.
type Signal int

// The keepalive signals. SignalNone is reported for data frames.
const (
	SignalNone Signal = iota
	SignalPing
	SignalPong
)

// Encode serializes m as JSON and splits it into frames of at most
// maxSegmentSize payload bytes. All frames but the last carry the
// OpMore opcode; the last carries OpFinal. Segment boundaries are
// positional and may split JSON tokens, the decoder concatenates the
// payloads before parsing. If maxSegmentSize is <= 0,
// DefaultMaxSegmentSize is used.
func Encode(m message.Msg, maxSegmentSize int) ([][]byte, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	for {
		n := len(b)
		if n <= maxSegmentSize {
			frames = append(frames, appendFrame(OpFinal, b))
			return frames, nil
		}
		frames = append(frames, appendFrame(OpMore, b[:maxSegmentSize]))
		b = b[maxSegmentSize:]
	}
}

// Ping returns a ping frame carrying payload (normally empty).
func Ping(payload []byte) []byte {
	return appendFrame(OpPing, payload)
}

// Pong returns a pong frame echoing payload.
func Pong(payload []byte) []byte {
	return appendFrame(OpPong, payload)
}

func appendFrame(op byte, payload []byte) []byte {
	f := make([]byte, 0, 1+len(payload))
	f = append(f, op)
	return append(f, payload...)
}

// Decoder reassembles incoming frames into messages. At most one
// multi-segment message is in flight per connection, so a single
// accumulation buffer is enough. A Decoder is not safe for concurrent
// use; the connection read loop is its single caller.
type Decoder struct {
	buf bytes.Buffer
}

// Decode consumes one transport frame. For data frames it returns a
// complete message once the final segment arrives, or nil while more
// segments are pending. For keepalive frames it returns the signal
// and its payload, leaving the accumulation buffer untouched. A
// malformed frame or unparseable message is a protocol violation and
// returns an error; the caller must close the connection.
func (d *Decoder) Decode(frame []byte) (message.Msg, Signal, []byte, error) {
	if len(frame) == 0 {
		return nil, SignalNone, nil, ErrEmptyFrame
	}

	op, payload := frame[0], frame[1:]
	switch op {
	case OpMore:
		d.buf.Write(payload)
		return nil, SignalNone, nil, nil

	case OpFinal:
		d.buf.Write(payload)
		b := make([]byte, d.buf.Len())
		copy(b, d.buf.Bytes())
		d.buf.Reset()

		m, err := message.UnmarshalBytes(b)
		if err != nil {
			return nil, SignalNone, nil, err
		}
		return m, SignalNone, nil, nil

	case OpPing:
		return nil, SignalPing, payload, nil

	case OpPong:
		return nil, SignalPong, payload, nil

	default:
		return nil, SignalNone, nil, fmt.Errorf("framer: invalid frame opcode %q", op)
	}
}
