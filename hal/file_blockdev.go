package hal

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	fileDevDefaultPath   = "nexus.blockdev"
	fileDevDefaultBlocks = 4096
)

// FileBlockDevice is a file-backed block device for host runs. A coarse
// lock serialises all access, matching the single-writer journal contract.
type FileBlockDevice struct {
	mu        sync.Mutex
	f         *os.File
	blockSize int
	count     uint64
}

// OpenFileBlockDevice opens (or creates) the device file. An empty path
// falls back to NEXUS_BLOCKDEV_PATH, then to nexus.blockdev in the working
// directory. An existing file fixes the block count; a fresh file is sized
// to 4096 blocks.
func OpenFileBlockDevice(path string, blockSize int) (*FileBlockDevice, error) {
	if path == "" {
		path = os.Getenv("NEXUS_BLOCKDEV_PATH")
	}
	if path == "" {
		path = fileDevDefaultPath
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open block device %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat block device %s", path)
	}

	count := uint64(fileDevDefaultBlocks)
	if st.Size() > 0 {
		if st.Size()%int64(blockSize) != 0 {
			_ = f.Close()
			return nil, errors.Errorf("block device %s: size %d not a multiple of %d", path, st.Size(), blockSize)
		}
		count = uint64(st.Size()) / uint64(blockSize)
	} else {
		if err := f.Truncate(int64(count) * int64(blockSize)); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "size block device %s", path)
		}
	}
	return &FileBlockDevice{f: f, blockSize: blockSize, count: count}, nil
}

func (d *FileBlockDevice) BlockSize() int     { return d.blockSize }
func (d *FileBlockDevice) BlockCount() uint64 { return d.count }

func (d *FileBlockDevice) ReadBlock(idx uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= d.count {
		return ErrBlockOutOfRange
	}
	if len(buf) != d.blockSize {
		return ErrBadBlockSize
	}
	_, err := d.f.ReadAt(buf, int64(idx)*int64(d.blockSize))
	return errors.Wrapf(err, "read block %d", idx)
}

func (d *FileBlockDevice) WriteBlock(idx uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= d.count {
		return ErrBlockOutOfRange
	}
	if len(buf) != d.blockSize {
		return ErrBadBlockSize
	}
	_, err := d.f.WriteAt(buf, int64(idx)*int64(d.blockSize))
	return errors.Wrapf(err, "write block %d", idx)
}

func (d *FileBlockDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Wrap(d.f.Sync(), "sync block device")
}

// Close syncs and releases the backing file.
func (d *FileBlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		_ = d.f.Close()
		return errors.Wrap(err, "sync block device")
	}
	return errors.Wrap(d.f.Close(), "close block device")
}
