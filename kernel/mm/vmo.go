package mm

import "errors"

var (
	ErrVmoTooLarge  = errors.New("mm: vmo size over limit")
	ErrNoSuchVmo    = errors.New("mm: no such vmo")
	ErrVmoOutOfRange = errors.New("mm: vmo access out of range")
)

// MaxVmoBytes bounds a single virtual memory object.
const MaxVmoBytes = 16 * 1024 * 1024

// vmoBase is the start of the region VMO backing pages are carved from.
const vmoBase = 0x1_0000_0000

// VmoStore owns the backing pages of every virtual memory object. Objects
// are identified by their base physical address; tasks reference them only
// through capabilities.
type VmoStore struct {
	next uint64
	vmos map[uint64][]byte
}

// NewVmoStore returns an empty store.
func NewVmoStore() *VmoStore {
	return &VmoStore{next: vmoBase, vmos: make(map[uint64][]byte)}
}

// Create allocates a zero-filled object of the given size, rounded up to a
// whole number of pages, and returns its base address and rounded length.
func (s *VmoStore) Create(size uint64) (base, length uint64, err error) {
	if size == 0 || size > MaxVmoBytes {
		return 0, 0, ErrVmoTooLarge
	}
	length = (size + PageSize - 1) &^ (PageSize - 1)
	base = s.next
	s.next += length
	s.vmos[base] = make([]byte, length)
	return base, length, nil
}

// Write copies data into the object at the given offset.
func (s *VmoStore) Write(base, offset uint64, data []byte) error {
	buf, ok := s.vmos[base]
	if !ok {
		return ErrNoSuchVmo
	}
	if offset > uint64(len(buf)) || uint64(len(data)) > uint64(len(buf))-offset {
		return ErrVmoOutOfRange
	}
	copy(buf[offset:], data)
	return nil
}

// Read copies n bytes out of the object starting at offset.
func (s *VmoStore) Read(base, offset uint64, n int) ([]byte, error) {
	buf, ok := s.vmos[base]
	if !ok {
		return nil, ErrNoSuchVmo
	}
	if offset > uint64(len(buf)) || uint64(n) > uint64(len(buf))-offset {
		return nil, ErrVmoOutOfRange
	}
	out := make([]byte, n)
	copy(out, buf[offset:])
	return out, nil
}

// Release drops the object's backing pages.
func (s *VmoStore) Release(base uint64) {
	delete(s.vmos, base)
}
