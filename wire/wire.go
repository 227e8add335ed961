// Package wire frames the messages exchanged between replicas.
//
// A frame is [opcode u8][length u32 LE][payload]. All integers are
// little-endian and all hashes are raw 32 bytes. Parsing is two-phase:
// ReadMessage only captures the opcode and payload so the transport never
// interprets embedded block references; PostponedParse decodes the payload
// on the consumer goroutine once the core context is bound, so deserialised
// blocks are canonicalised through the shared store and certificates are
// decoded by the context's crypto scheme.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/relab/treehotstuff"
)

// Opcode identifies the kind of a message.
type Opcode uint8

// The five message kinds.
const (
	OpPropose Opcode = iota
	OpVote
	OpVoteRelay
	OpReqBlock
	OpRespBlock
)

// OpHello is reserved for the transport's identity handshake frame.
// It is not a Message and never reaches PostponedParse.
const OpHello Opcode = 0xff

// MaxPayload bounds the payload length accepted from the wire.
const MaxPayload = 32 << 20

// ErrMalformed is returned when a message payload cannot be decoded. The
// containing frame was fully consumed, so the stream remains usable.
var ErrMalformed = errors.New("malformed message")

// ErrFrameTooLarge is returned when a frame header announces a payload
// beyond MaxPayload. The stream is desynchronized and must be closed.
var ErrFrameTooLarge = errors.New("frame exceeds payload limit")

// Context provides what postponed parsing needs from the core.
type Context interface {
	treehotstuff.CertCodec
	// AddBlock canonicalises a deserialised block through the shared store.
	AddBlock(blk *treehotstuff.Block) *treehotstuff.Block
}

// Message is a framed message.
type Message interface {
	// Opcode returns the kind of the message.
	Opcode() Opcode
	// Payload returns the serialized payload.
	Payload() []byte
	// PostponedParse decodes the payload. It must run on the consumer
	// goroutine, after the core context is available.
	PostponedParse(ctx Context) error
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	var hdr [5]byte
	hdr[0] = byte(op)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a single frame from r.
func ReadFrame(r io.Reader) (op Opcode, payload []byte, err error) {
	var hdr [5]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	op = Opcode(hdr[0])
	size := binary.LittleEndian.Uint32(hdr[1:])
	if size > MaxPayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload = make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return op, payload, nil
}

// WriteMessage writes a framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	return WriteFrame(w, m.Opcode(), m.Payload())
}

// ReadMessage reads one frame from r and returns the matching message kind
// with its payload captured but not yet parsed.
func ReadMessage(r io.Reader) (Message, error) {
	op, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(op, payload)
}

// Decode returns the message of the given kind with its payload captured.
func Decode(op Opcode, payload []byte) (Message, error) {
	switch op {
	case OpPropose:
		return &Propose{raw: payload}, nil
	case OpVote:
		return &Vote{raw: payload}, nil
	case OpVoteRelay:
		return &VoteRelay{raw: payload}, nil
	case OpReqBlock:
		return &ReqBlock{raw: payload}, nil
	case OpRespBlock:
		return &RespBlock{raw: payload}, nil
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformed, op)
	}
}

// buffer is a cursor over a payload being decoded.
type buffer struct {
	data []byte
	pos  int
}

func (b *buffer) remaining() int {
	return len(b.data) - b.pos
}

func (b *buffer) uint32() (uint32, error) {
	if b.remaining() < 4 {
		return 0, ErrMalformed
	}
	v := binary.LittleEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

func (b *buffer) hash() (h treehotstuff.Hash, err error) {
	if b.remaining() < treehotstuff.HashLen {
		return h, ErrMalformed
	}
	copy(h[:], b.data[b.pos:])
	b.pos += treehotstuff.HashLen
	return h, nil
}

// blob reads a u32-length-prefixed byte slice.
func (b *buffer) blob() ([]byte, error) {
	size, err := b.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(b.remaining()) < size {
		return nil, ErrMalformed
	}
	v := b.data[b.pos : b.pos+int(size)]
	b.pos += int(size)
	return v, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], v)
	return append(b, u32[:]...)
}

func appendBlob(b, blob []byte) []byte {
	b = appendUint32(b, uint32(len(blob)))
	return append(b, blob...)
}
