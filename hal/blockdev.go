// Package hal provides the hardware abstractions the rest of the system is
// written against. On hosts the devices are memory- or file-backed; on real
// boards the same interfaces sit over the flash controller.
package hal

import "errors"

var (
	ErrBlockOutOfRange = errors.New("hal: block index out of range")
	ErrBadBlockSize    = errors.New("hal: buffer size != block size")
)

// BlockDevice is the storage abstraction the journal runs on. Reads and
// writes move exactly one device-native block; Sync makes every prior write
// durable.
type BlockDevice interface {
	BlockSize() int
	BlockCount() uint64
	ReadBlock(idx uint64, buf []byte) error
	WriteBlock(idx uint64, buf []byte) error
	Sync() error
}

// DefaultBlockSize is the block size used when a device does not dictate one.
const DefaultBlockSize = 512

// MemBlockDevice is an in-memory block device. Tests reach through
// RawBlock to simulate torn writes and corruption.
type MemBlockDevice struct {
	blockSize int
	storage   []byte
	syncs     uint64
}

// NewMemBlockDevice returns a zeroed device of count blocks.
func NewMemBlockDevice(blockSize int, count uint64) *MemBlockDevice {
	return &MemBlockDevice{
		blockSize: blockSize,
		storage:   make([]byte, uint64(blockSize)*count),
	}
}

func (d *MemBlockDevice) BlockSize() int     { return d.blockSize }
func (d *MemBlockDevice) BlockCount() uint64 { return uint64(len(d.storage)) / uint64(d.blockSize) }

func (d *MemBlockDevice) check(idx uint64, buf []byte) error {
	if idx >= d.BlockCount() {
		return ErrBlockOutOfRange
	}
	if len(buf) != d.blockSize {
		return ErrBadBlockSize
	}
	return nil
}

func (d *MemBlockDevice) ReadBlock(idx uint64, buf []byte) error {
	if err := d.check(idx, buf); err != nil {
		return err
	}
	off := idx * uint64(d.blockSize)
	copy(buf, d.storage[off:off+uint64(d.blockSize)])
	return nil
}

func (d *MemBlockDevice) WriteBlock(idx uint64, buf []byte) error {
	if err := d.check(idx, buf); err != nil {
		return err
	}
	off := idx * uint64(d.blockSize)
	copy(d.storage[off:], buf)
	return nil
}

func (d *MemBlockDevice) Sync() error {
	d.syncs++
	return nil
}

// Syncs reports how many Sync calls the device has seen.
func (d *MemBlockDevice) Syncs() uint64 { return d.syncs }

// RawBlock exposes the backing bytes of one block for fault injection.
func (d *MemBlockDevice) RawBlock(idx uint64) []byte {
	off := idx * uint64(d.blockSize)
	return d.storage[off : off+uint64(d.blockSize)]
}
