package syscall

// FlatMemory is a contiguous user-memory window starting at Base. It backs
// the host-side tasks and tests; real tasks would go through the page
// tables instead.
type FlatMemory struct {
	Base uint64
	Buf  []byte
}

// NewFlatMemory returns a zeroed window of n bytes at base.
func NewFlatMemory(base uint64, n int) *FlatMemory {
	return &FlatMemory{Base: base, Buf: make([]byte, n)}
}

func (m *FlatMemory) bounds(va uint64, n int) (int, bool) {
	if va < m.Base {
		return 0, false
	}
	off := va - m.Base
	if off > uint64(len(m.Buf)) || uint64(n) > uint64(len(m.Buf))-off {
		return 0, false
	}
	return int(off), true
}

func (m *FlatMemory) ReadBytes(va uint64, n int) ([]byte, error) {
	off, ok := m.bounds(va, n)
	if !ok {
		return nil, ErrBadAddress
	}
	out := make([]byte, n)
	copy(out, m.Buf[off:])
	return out, nil
}

func (m *FlatMemory) WriteBytes(va uint64, data []byte) error {
	off, ok := m.bounds(va, len(data))
	if !ok {
		return ErrBadAddress
	}
	copy(m.Buf[off:], data)
	return nil
}
