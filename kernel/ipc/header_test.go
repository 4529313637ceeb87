package ipc

import (
	"bytes"
	"testing"
)

func TestHeaderGoldenVector(t *testing.T) {
	h := Header{
		Src:   0x01020304,
		Dst:   0x11223344,
		Ty:    0x5566,
		Flags: 0x7788,
		Len:   0x99AABBCC,
	}

	want := []byte{
		0x04, 0x03, 0x02, 0x01,
		0x44, 0x33, 0x22, 0x11,
		0x66, 0x55,
		0x88, 0x77,
		0xCC, 0xBB, 0xAA, 0x99,
	}

	got := h.Encode()
	if !bytes.Equal(got[:], want) {
		t.Fatalf("Encode() = % X, want % X", got, want)
	}

	back, err := DecodeHeader(got[:])
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if back != h {
		t.Fatalf("DecodeHeader() = %+v, want %+v", back, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatalf("DecodeHeader() error = nil, want short header error")
	}
}

func TestNewMessageTruncatesToDeclaredLen(t *testing.T) {
	h := Header{Len: 3}
	msg := NewMessage(h, []byte{1, 2, 3, 4, 5})
	if len(msg.Payload) != 3 {
		t.Fatalf("payload len = %d, want 3", len(msg.Payload))
	}
	if !bytes.Equal(msg.Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload = %v, want [1 2 3]", msg.Payload)
	}
}

func TestNewMessageShortPayload(t *testing.T) {
	h := Header{Len: 100}
	msg := NewMessage(h, []byte{1, 2})
	if len(msg.Payload) != 2 {
		t.Fatalf("payload len = %d, want 2", len(msg.Payload))
	}
}

func TestNewMessageCopiesPayload(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	msg := NewMessage(Header{Len: 4}, buf)
	buf[0] = 0xFF
	if msg.Payload[0] != 1 {
		t.Fatalf("payload aliases caller buffer")
	}
}
