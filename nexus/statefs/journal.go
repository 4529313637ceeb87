// Package statefs implements the journaled key/value store behind the
// /state namespace: an append-only, CRC-protected log on a block device
// with an in-memory index rebuilt by replay.
package statefs

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"

	"github.com/open-nexus-os/nexus-core/hal"
)

// Magic marks the start of every journal record ("NXSF").
const Magic uint32 = 0x4E585346

// Record opcodes.
const (
	opPut        = 1
	opDelete     = 2
	opCheckpoint = 3
)

const (
	// headerSize: magic u32, opcode u8, key-len u16, value-len u32, seq u64.
	headerSize = 19
	crcSize    = 4

	// MaxKeyLen and MaxValueLen bound a single record.
	MaxKeyLen   = 255
	MaxValueLen = 64 * 1024

	// segmentBlocks: records never cross a segment boundary; a record that
	// would not fit is preceded by zero padding and starts at the next
	// segment. A segment must hold the largest possible record.
	segmentBlocks = 256

	// KeyPrefix is the only namespace the store accepts.
	KeyPrefix = "/state/"
)

var (
	ErrInvalidKey   = errors.New("statefs: invalid key")
	ErrValueTooLarge = errors.New("statefs: value too large")
	ErrNotFound     = errors.New("statefs: key not found")
	ErrJournalFull  = errors.New("statefs: journal full")
	ErrCorrupted    = errors.New("statefs: corrupted record")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Stats describes the state of the journal after replay and subsequent
// operations.
type Stats struct {
	Records        uint64
	DroppedRecords uint64
	LiveKeys       int
	BytesUsed      uint64
}

// Engine is the journal engine. Single writer; readers see a consistent
// index snapshot under the read lock.
type Engine struct {
	mu  sync.RWMutex
	dev hal.BlockDevice

	segmentBytes uint64
	totalBytes   uint64

	head  uint64
	seq   uint64
	index map[string][]byte

	records uint64
	dropped uint64
}

// Open replays the journal on dev and returns a ready engine. Replay stops
// at the first invalid record; everything before it is preserved,
// everything after is ignored and will be overwritten by future appends.
func Open(dev hal.BlockDevice) (*Engine, error) {
	e := &Engine{
		dev:          dev,
		segmentBytes: uint64(segmentBlocks) * uint64(dev.BlockSize()),
		totalBytes:   uint64(dev.BlockSize()) * dev.BlockCount(),
		index:        make(map[string][]byte),
	}
	if e.segmentBytes > e.totalBytes {
		e.segmentBytes = e.totalBytes
	}
	if err := e.replay(); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateKey enforces the key policy: /state/ namespace, no dot segments,
// bounded length.
func ValidateKey(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLen {
		return ErrInvalidKey
	}
	if strings.Contains(key, "/../") || strings.Contains(key, "/./") ||
		strings.HasSuffix(key, "/..") || strings.HasSuffix(key, "/.") {
		return ErrInvalidKey
	}
	return nil
}

// Put appends a PUT record and updates the index. Durable after Sync.
func (e *Engine) Put(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueLen {
		return ErrValueTooLarge
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.appendRecord(opPut, key, value); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	e.index[key] = v
	return nil
}

// Get returns the live value for key.
func (e *Engine) Get(key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Delete appends a DELETE record and removes key from the index.
func (e *Engine) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.index[key]; !ok {
		return ErrNotFound
	}
	if err := e.appendRecord(opDelete, key, nil); err != nil {
		return err
	}
	delete(e.index, key)
	return nil
}

// List returns the live keys with the given prefix, sorted.
func (e *Engine) List(prefix string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var keys []string
	for k := range e.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Sync makes all accepted operations durable.
func (e *Engine) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Sync()
}

// Stats reports journal counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Records:        e.records,
		DroppedRecords: e.dropped,
		LiveKeys:       len(e.index),
		BytesUsed:      e.head,
	}
}

// Checkpoint appends a CHECKPOINT record carrying the snappy-compressed
// live set. Replay starting later may rebuild the index from it directly.
// Until the checkpoint's CRC is durable and valid, the preceding records
// remain authoritative, so a crash mid-checkpoint loses nothing.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	body := snappy.Encode(nil, encodeLiveSet(e.index))
	return e.appendRecord(opCheckpoint, "", body)
}

func encodeLiveSet(index map[string][]byte) []byte {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []byte
	var scratch [6]byte
	for _, k := range keys {
		v := index[k]
		binary.LittleEndian.PutUint16(scratch[0:2], uint16(len(k)))
		binary.LittleEndian.PutUint32(scratch[2:6], uint32(len(v)))
		out = append(out, scratch[:]...)
		out = append(out, k...)
		out = append(out, v...)
	}
	return out
}

func decodeLiveSet(body []byte) (map[string][]byte, error) {
	index := make(map[string][]byte)
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, ErrCorrupted
		}
		kl := int(binary.LittleEndian.Uint16(body[0:2]))
		vl := int(binary.LittleEndian.Uint32(body[2:6]))
		body = body[6:]
		if len(body) < kl+vl {
			return nil, ErrCorrupted
		}
		key := string(body[:kl])
		val := make([]byte, vl)
		copy(val, body[kl:kl+vl])
		index[key] = val
		body = body[kl+vl:]
	}
	return index, nil
}

// appendRecord serialises and writes one record at the head, padding to the
// next segment when the record would cross a boundary. Callers hold mu.
func (e *Engine) appendRecord(opcode byte, key string, value []byte) error {
	recLen := uint64(headerSize + len(key) + len(value) + crcSize)
	if recLen > e.segmentBytes {
		return ErrValueTooLarge
	}
	head := e.head
	segEnd := (head/e.segmentBytes + 1) * e.segmentBytes
	if head+recLen > segEnd {
		head = segEnd
	}
	if head+recLen > e.totalBytes {
		return ErrJournalFull
	}
	if head > e.head {
		// Zero the padding so replay cannot misread stale bytes there.
		if err := e.writeRange(e.head, make([]byte, head-e.head)); err != nil {
			return err
		}
	}

	e.seq++
	rec := make([]byte, recLen)
	binary.LittleEndian.PutUint32(rec[0:4], Magic)
	rec[4] = opcode
	binary.LittleEndian.PutUint16(rec[5:7], uint16(len(key)))
	binary.LittleEndian.PutUint32(rec[7:11], uint32(len(value)))
	binary.LittleEndian.PutUint64(rec[11:19], e.seq)
	copy(rec[headerSize:], key)
	copy(rec[headerSize+len(key):], value)
	crc := crc32.Checksum(rec[:recLen-crcSize], castagnoli)
	binary.LittleEndian.PutUint32(rec[recLen-crcSize:], crc)

	if err := e.writeRange(head, rec); err != nil {
		e.seq--
		return err
	}
	e.head = head + recLen
	e.records++
	return nil
}

// writeRange performs a read-modify-write of the blocks covering
// [off, off+len(data)).
func (e *Engine) writeRange(off uint64, data []byte) error {
	bs := uint64(e.dev.BlockSize())
	buf := make([]byte, bs)
	for len(data) > 0 {
		blk := off / bs
		inner := off % bs
		n := bs - inner
		if uint64(len(data)) < n {
			n = uint64(len(data))
		}
		if err := e.dev.ReadBlock(blk, buf); err != nil {
			return err
		}
		copy(buf[inner:inner+n], data[:n])
		if err := e.dev.WriteBlock(blk, buf); err != nil {
			return err
		}
		off += n
		data = data[n:]
	}
	return nil
}

// readRange reads [off, off+n) across blocks.
func (e *Engine) readRange(off, n uint64) ([]byte, error) {
	bs := uint64(e.dev.BlockSize())
	out := make([]byte, 0, n)
	buf := make([]byte, bs)
	for n > 0 {
		blk := off / bs
		inner := off % bs
		take := bs - inner
		if n < take {
			take = n
		}
		if err := e.dev.ReadBlock(blk, buf); err != nil {
			return nil, err
		}
		out = append(out, buf[inner:inner+take]...)
		off += take
		n -= take
	}
	return out, nil
}

// replay scans the journal from the start, rebuilding the index. The scan
// stops at the first corrupt or truncated record; that record is counted in
// DroppedRecords and the head is left pointing at it so new appends reclaim
// the tail.
func (e *Engine) replay() error {
	off := uint64(0)
	for {
		if off+headerSize+crcSize > e.totalBytes {
			break
		}
		hdr, err := e.readRange(off, headerSize)
		if err != nil {
			return err
		}
		magic := binary.LittleEndian.Uint32(hdr[0:4])
		if magic == 0 {
			// Zero padding. A record never starts mid-padding, so either
			// this is the journal's end or padding up to the next segment.
			if e.segmentBytes == 0 || off%e.segmentBytes == 0 {
				break
			}
			next := (off/e.segmentBytes + 1) * e.segmentBytes
			if next+headerSize+crcSize > e.totalBytes {
				break
			}
			peek, err := e.readRange(next, 4)
			if err != nil {
				return err
			}
			if binary.LittleEndian.Uint32(peek) != Magic {
				break
			}
			off = next
			continue
		}
		if magic != Magic {
			e.dropped++
			break
		}

		opcode := hdr[4]
		kl := uint64(binary.LittleEndian.Uint16(hdr[5:7]))
		vl := uint64(binary.LittleEndian.Uint32(hdr[7:11]))
		seq := binary.LittleEndian.Uint64(hdr[11:19])
		if opcode < opPut || opcode > opCheckpoint || kl > MaxKeyLen || vl > e.segmentBytes {
			e.dropped++
			break
		}
		recLen := headerSize + kl + vl + crcSize
		if off+recLen > e.totalBytes {
			// Trailing partial record from a torn write.
			e.dropped++
			break
		}
		rec, err := e.readRange(off, recLen)
		if err != nil {
			return err
		}
		wantCRC := binary.LittleEndian.Uint32(rec[recLen-crcSize:])
		if crc32.Checksum(rec[:recLen-crcSize], castagnoli) != wantCRC {
			e.dropped++
			break
		}

		key := string(rec[headerSize : headerSize+kl])
		value := rec[headerSize+kl : headerSize+kl+vl]
		switch opcode {
		case opPut:
			v := make([]byte, len(value))
			copy(v, value)
			e.index[key] = v
		case opDelete:
			delete(e.index, key)
		case opCheckpoint:
			body, err := snappy.Decode(nil, value)
			if err != nil {
				e.dropped++
				e.head = off
				return nil
			}
			live, err := decodeLiveSet(body)
			if err != nil {
				e.dropped++
				e.head = off
				return nil
			}
			e.index = live
		}
		if seq > e.seq {
			e.seq = seq
		}
		e.records++
		off += recLen
	}
	e.head = off
	return nil
}
