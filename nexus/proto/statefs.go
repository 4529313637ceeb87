package proto

import (
	"encoding/binary"
	"errors"
)

// StateFS frames: "SF", version, opcode, then key-len u16, key, value-len
// u32, value. Responses echo the opcode and carry a status plus payload.

const (
	stateFSMagic0 = 'S'
	stateFSMagic1 = 'F'

	// StateFSVersion is the only accepted frame version.
	StateFSVersion = 1
)

// StateFSOp selects the store operation.
type StateFSOp uint8

const (
	StateFSGet StateFSOp = iota + 1
	StateFSPut
	StateFSDelete
	StateFSList
	StateFSSync
	StateFSStats
	StateFSCheckpoint
)

func (o StateFSOp) String() string {
	switch o {
	case StateFSGet:
		return "get"
	case StateFSPut:
		return "put"
	case StateFSDelete:
		return "delete"
	case StateFSList:
		return "list"
	case StateFSSync:
		return "sync"
	case StateFSStats:
		return "stats"
	case StateFSCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

var ErrBadFrame = errors.New("proto: bad frame")

// StateFSRequest is a decoded request frame. Key doubles as the list prefix
// for StateFSList.
type StateFSRequest struct {
	Op    StateFSOp
	Key   string
	Value []byte
}

// Encode serialises the request frame.
func (r StateFSRequest) Encode() []byte {
	b := make([]byte, 0, 10+len(r.Key)+len(r.Value))
	b = append(b, stateFSMagic0, stateFSMagic1, StateFSVersion, byte(r.Op))
	var n [4]byte
	binary.LittleEndian.PutUint16(n[:2], uint16(len(r.Key)))
	b = append(b, n[:2]...)
	b = append(b, r.Key...)
	binary.LittleEndian.PutUint32(n[:4], uint32(len(r.Value)))
	b = append(b, n[:4]...)
	b = append(b, r.Value...)
	return b
}

// DecodeStateFSRequest parses a request frame.
func DecodeStateFSRequest(b []byte) (StateFSRequest, error) {
	if len(b) < 10 || b[0] != stateFSMagic0 || b[1] != stateFSMagic1 || b[2] != StateFSVersion {
		return StateFSRequest{}, ErrBadFrame
	}
	op := StateFSOp(b[3])
	kl := int(binary.LittleEndian.Uint16(b[4:6]))
	if len(b) < 6+kl+4 {
		return StateFSRequest{}, ErrBadFrame
	}
	key := string(b[6 : 6+kl])
	vl := int(binary.LittleEndian.Uint32(b[6+kl : 10+kl]))
	if len(b) < 10+kl+vl {
		return StateFSRequest{}, ErrBadFrame
	}
	value := make([]byte, vl)
	copy(value, b[10+kl:10+kl+vl])
	return StateFSRequest{Op: op, Key: key, Value: value}, nil
}

// StateFSResponse is a decoded response frame.
type StateFSResponse struct {
	Op      StateFSOp
	Status  Status
	Payload []byte
}

// Encode serialises the response frame.
func (r StateFSResponse) Encode() []byte {
	b := make([]byte, 0, 9+len(r.Payload))
	b = append(b, stateFSMagic0, stateFSMagic1, StateFSVersion, byte(r.Op), byte(r.Status))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(r.Payload)))
	b = append(b, n[:]...)
	b = append(b, r.Payload...)
	return b
}

// DecodeStateFSResponse parses a response frame.
func DecodeStateFSResponse(b []byte) (StateFSResponse, error) {
	if len(b) < 9 || b[0] != stateFSMagic0 || b[1] != stateFSMagic1 || b[2] != StateFSVersion {
		return StateFSResponse{}, ErrBadFrame
	}
	vl := int(binary.LittleEndian.Uint32(b[5:9]))
	if len(b) < 9+vl {
		return StateFSResponse{}, ErrBadFrame
	}
	payload := make([]byte, vl)
	copy(payload, b[9:9+vl])
	return StateFSResponse{Op: StateFSOp(b[3]), Status: Status(b[4]), Payload: payload}, nil
}

// EncodeKeyList packs a List response payload: count u32, then per key a
// u16 length and the bytes.
func EncodeKeyList(keys []string) []byte {
	var b []byte
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(keys)))
	b = append(b, n[:]...)
	for _, k := range keys {
		binary.LittleEndian.PutUint16(n[:2], uint16(len(k)))
		b = append(b, n[:2]...)
		b = append(b, k...)
	}
	return b
}

// DecodeKeyList unpacks a List response payload.
func DecodeKeyList(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, ErrBadFrame
	}
	count := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	keys := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 2 {
			return nil, ErrBadFrame
		}
		kl := int(binary.LittleEndian.Uint16(b[:2]))
		b = b[2:]
		if len(b) < kl {
			return nil, ErrBadFrame
		}
		keys = append(keys, string(b[:kl]))
		b = b[kl:]
	}
	return keys, nil
}

// EncodeStats packs a Stats response payload.
func EncodeStats(records, dropped, bytesUsed uint64, liveKeys int) []byte {
	b := make([]byte, 28)
	binary.LittleEndian.PutUint64(b[0:8], records)
	binary.LittleEndian.PutUint64(b[8:16], dropped)
	binary.LittleEndian.PutUint64(b[16:24], bytesUsed)
	binary.LittleEndian.PutUint32(b[24:28], uint32(liveKeys))
	return b
}

// DecodeStats unpacks a Stats response payload.
func DecodeStats(b []byte) (records, dropped, bytesUsed uint64, liveKeys int, err error) {
	if len(b) < 28 {
		return 0, 0, 0, 0, ErrBadFrame
	}
	return binary.LittleEndian.Uint64(b[0:8]),
		binary.LittleEndian.Uint64(b[8:16]),
		binary.LittleEndian.Uint64(b[16:24]),
		int(binary.LittleEndian.Uint32(b[24:28])),
		nil
}
