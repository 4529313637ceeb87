// Package ipc implements the kernel message router: bounded per-endpoint
// FIFO queues carrying fixed-header messages with inline payloads.
package ipc

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the byte length of the frozen wire header.
const HeaderSize = 16

// MaxPayload bounds the inline payload carried by a single message.
const MaxPayload = 4096

// Header is the fixed message header. The wire layout is little-endian and
// frozen: src:u32 dst:u32 ty:u16 flags:u16 len:u32.
type Header struct {
	Src   uint32
	Dst   uint32
	Ty    uint16
	Flags uint16
	Len   uint32
}

// Encode serialises the header into its 16-byte wire form.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Src)
	binary.LittleEndian.PutUint32(b[4:8], h.Dst)
	binary.LittleEndian.PutUint16(b[8:10], h.Ty)
	binary.LittleEndian.PutUint16(b[10:12], h.Flags)
	binary.LittleEndian.PutUint32(b[12:16], h.Len)
	return b
}

var errShortHeader = errors.New("ipc: short header")

// DecodeHeader parses a wire header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errShortHeader
	}
	return Header{
		Src:   binary.LittleEndian.Uint32(b[0:4]),
		Dst:   binary.LittleEndian.Uint32(b[4:8]),
		Ty:    binary.LittleEndian.Uint16(b[8:10]),
		Flags: binary.LittleEndian.Uint16(b[10:12]),
		Len:   binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// Message is a header plus its inline payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message, truncating the payload to the length the
// header declares and to MaxPayload. The payload is copied; callers may
// reuse their buffer.
func NewMessage(h Header, payload []byte) Message {
	n := int(h.Len)
	if n > len(payload) {
		n = len(payload)
	}
	if n > MaxPayload {
		n = MaxPayload
	}
	p := make([]byte, n)
	copy(p, payload[:n])
	return Message{Header: h, Payload: p}
}

// wireBytes is the queue accounting cost of a message.
func (m Message) wireBytes() int { return HeaderSize + len(m.Payload) }
