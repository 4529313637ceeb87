package task

import (
	"encoding/binary"
	"errors"
)

// BootstrapMsgSize is the frozen wire size of the bootstrap record.
const BootstrapMsgSize = 32

// BootstrapMsg is the record delivered on a new task's seed endpoint before
// its first instruction runs. The layout is C-compatible and 8-byte
// aligned: argc at offset 0 (4 bytes padding follow), argv_ptr at 8,
// env_ptr at 16, cap_seed_ep at 24, flags at 28.
type BootstrapMsg struct {
	Argc      uint32
	ArgvPtr   uint64
	EnvPtr    uint64
	CapSeedEp uint32
	Flags     uint32
}

// Encode serialises the message into its 32-byte little-endian form.
func (m BootstrapMsg) Encode() [BootstrapMsgSize]byte {
	var b [BootstrapMsgSize]byte
	binary.LittleEndian.PutUint32(b[0:4], m.Argc)
	// b[4:8] stays zero: alignment padding.
	binary.LittleEndian.PutUint64(b[8:16], m.ArgvPtr)
	binary.LittleEndian.PutUint64(b[16:24], m.EnvPtr)
	binary.LittleEndian.PutUint32(b[24:28], m.CapSeedEp)
	binary.LittleEndian.PutUint32(b[28:32], m.Flags)
	return b
}

var errShortBootstrap = errors.New("task: short bootstrap record")

// DecodeBootstrapMsg parses the 32-byte wire form.
func DecodeBootstrapMsg(b []byte) (BootstrapMsg, error) {
	if len(b) < BootstrapMsgSize {
		return BootstrapMsg{}, errShortBootstrap
	}
	return BootstrapMsg{
		Argc:      binary.LittleEndian.Uint32(b[0:4]),
		ArgvPtr:   binary.LittleEndian.Uint64(b[8:16]),
		EnvPtr:    binary.LittleEndian.Uint64(b[16:24]),
		CapSeedEp: binary.LittleEndian.Uint32(b[24:28]),
		Flags:     binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// ServiceID derives the stable 64-bit id of a named service (FNV-1a).
func ServiceID(name string) uint64 {
	const (
		offset = 0xcbf29ce484222325
		prime  = 0x100000001b3
	)
	h := uint64(offset)
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= prime
	}
	return h
}
