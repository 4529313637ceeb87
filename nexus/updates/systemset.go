package updates

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"strings"
)

// A system-set is a tar archive carrying a signed binary index plus one
// payload per bundle. Verification is fail-closed: nothing is staged until
// the index signature, every digest and every size have checked out.

// IndexMagic marks a system-set index ("NXSI").
const IndexMagic uint32 = 0x4E585349

// IndexVersion is the only accepted index layout version.
const IndexVersion = 1

// Archive member names.
const (
	IndexEntryName     = "system.nxsindex"
	SignatureEntryName = "system.sig.ed25519"

	// PayloadSuffix is appended to a bundle name to form its member name.
	PayloadSuffix = ".bundle"
)

// Size limits, enforced before any expensive work.
const (
	MaxArchiveBytes = 100 * 1024 * 1024
	MaxIndexBytes   = 1 * 1024 * 1024
	MaxPayloadBytes = 50 * 1024 * 1024
	MaxBundles      = 256
)

var (
	ErrArchiveTooLarge  = errors.New("systemset: archive too large")
	ErrArchiveMalformed = errors.New("systemset: malformed archive")
	ErrMissingEntry     = errors.New("systemset: required entry missing")
	ErrUnexpectedEntry  = errors.New("systemset: unexpected entry")
	ErrOversizedEntry   = errors.New("systemset: entry over size limit")
	ErrInvalidIndex     = errors.New("systemset: invalid index")
	ErrInvalidSignature = errors.New("systemset: invalid signature")
	ErrDigestMismatch   = errors.New("systemset: payload digest mismatch")
	ErrBundleUnknown    = errors.New("systemset: payload for unknown bundle")
)

// BundleEntry is one (bundle-name, digest, size) record of the index.
type BundleEntry struct {
	Name          string
	Version       string
	PayloadSHA256 [32]byte
	PayloadSize   uint64
}

// SystemSetIndex is the signed table of contents of an update.
type SystemSetIndex struct {
	SystemVersion   string
	Publisher       [32]byte
	TimestampUnixMs uint64
	Bundles         []BundleEntry
}

// Encode serialises the index into its signed byte form.
func (idx *SystemSetIndex) Encode() []byte {
	var b bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], IndexMagic)
	b.Write(scratch[:4])
	binary.LittleEndian.PutUint16(scratch[:2], IndexVersion)
	b.Write(scratch[:2])
	binary.LittleEndian.PutUint64(scratch[:8], idx.TimestampUnixMs)
	b.Write(scratch[:8])
	b.Write(idx.Publisher[:])
	writeString(&b, idx.SystemVersion)
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(idx.Bundles)))
	b.Write(scratch[:2])
	for _, e := range idx.Bundles {
		writeString(&b, e.Name)
		writeString(&b, e.Version)
		b.Write(e.PayloadSHA256[:])
		binary.LittleEndian.PutUint64(scratch[:8], e.PayloadSize)
		b.Write(scratch[:8])
	}
	return b.Bytes()
}

func writeString(b *bytes.Buffer, s string) {
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	b.Write(n[:])
	b.WriteString(s)
}

type indexReader struct {
	b []byte
}

func (r *indexReader) take(n int) ([]byte, bool) {
	if len(r.b) < n {
		return nil, false
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, true
}

func (r *indexReader) readString() (string, bool) {
	n, ok := r.take(2)
	if !ok {
		return "", false
	}
	s, ok := r.take(int(binary.LittleEndian.Uint16(n)))
	if !ok {
		return "", false
	}
	return string(s), true
}

// DecodeIndex parses and validates an index document.
func DecodeIndex(b []byte) (*SystemSetIndex, error) {
	if len(b) > MaxIndexBytes {
		return nil, ErrOversizedEntry
	}
	r := &indexReader{b: b}

	hdr, ok := r.take(4)
	if !ok || binary.LittleEndian.Uint32(hdr) != IndexMagic {
		return nil, ErrInvalidIndex
	}
	ver, ok := r.take(2)
	if !ok || binary.LittleEndian.Uint16(ver) != IndexVersion {
		return nil, ErrInvalidIndex
	}
	ts, ok := r.take(8)
	if !ok {
		return nil, ErrInvalidIndex
	}
	pub, ok := r.take(32)
	if !ok {
		return nil, ErrInvalidIndex
	}

	idx := &SystemSetIndex{TimestampUnixMs: binary.LittleEndian.Uint64(ts)}
	copy(idx.Publisher[:], pub)
	if idx.SystemVersion, ok = r.readString(); !ok {
		return nil, ErrInvalidIndex
	}
	countRaw, ok := r.take(2)
	if !ok {
		return nil, ErrInvalidIndex
	}
	count := int(binary.LittleEndian.Uint16(countRaw))
	if count > MaxBundles {
		return nil, ErrInvalidIndex
	}

	seen := make(map[string]bool, count)
	for i := 0; i < count; i++ {
		var e BundleEntry
		if e.Name, ok = r.readString(); !ok || e.Name == "" {
			return nil, ErrInvalidIndex
		}
		if seen[e.Name] {
			return nil, ErrInvalidIndex
		}
		seen[e.Name] = true
		if e.Version, ok = r.readString(); !ok {
			return nil, ErrInvalidIndex
		}
		digest, ok := r.take(32)
		if !ok {
			return nil, ErrInvalidIndex
		}
		copy(e.PayloadSHA256[:], digest)
		size, ok := r.take(8)
		if !ok {
			return nil, ErrInvalidIndex
		}
		e.PayloadSize = binary.LittleEndian.Uint64(size)
		if e.PayloadSize > MaxPayloadBytes {
			return nil, ErrOversizedEntry
		}
		idx.Bundles = append(idx.Bundles, e)
	}
	if len(r.b) != 0 {
		return nil, ErrInvalidIndex
	}
	return idx, nil
}

// safeMemberName rejects absolute paths and dot-dot traversal in archive
// member names.
func safeMemberName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}

// VerifySystemSet parses the archive, checks the index signature against
// the pinned publisher key and validates every payload digest and size. On
// success it returns the index and the payloads keyed by bundle name. Any
// failure returns the specific error with nothing staged.
func VerifySystemSet(archive []byte, pinned ed25519.PublicKey) (*SystemSetIndex, map[string][]byte, error) {
	if len(archive) > MaxArchiveBytes {
		return nil, nil, ErrArchiveTooLarge
	}

	var indexRaw, sig []byte
	payloads := make(map[string][]byte)

	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, ErrArchiveMalformed
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, nil, ErrUnexpectedEntry
		}
		if !safeMemberName(hdr.Name) {
			return nil, nil, ErrArchiveMalformed
		}
		switch {
		case hdr.Name == IndexEntryName:
			if hdr.Size > MaxIndexBytes {
				return nil, nil, ErrOversizedEntry
			}
			if indexRaw, err = io.ReadAll(tr); err != nil {
				return nil, nil, ErrArchiveMalformed
			}
		case hdr.Name == SignatureEntryName:
			if hdr.Size != ed25519.SignatureSize {
				return nil, nil, ErrInvalidSignature
			}
			if sig, err = io.ReadAll(tr); err != nil {
				return nil, nil, ErrArchiveMalformed
			}
		case strings.HasSuffix(hdr.Name, PayloadSuffix):
			if hdr.Size > MaxPayloadBytes {
				return nil, nil, ErrOversizedEntry
			}
			name := strings.TrimSuffix(hdr.Name, PayloadSuffix)
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, ErrArchiveMalformed
			}
			payloads[name] = data
		default:
			return nil, nil, ErrUnexpectedEntry
		}
	}

	if indexRaw == nil || sig == nil {
		return nil, nil, ErrMissingEntry
	}
	if len(pinned) != ed25519.PublicKeySize {
		return nil, nil, ErrInvalidSignature
	}
	if !ed25519.Verify(pinned, indexRaw, sig) {
		return nil, nil, ErrInvalidSignature
	}
	idx, err := DecodeIndex(indexRaw)
	if err != nil {
		return nil, nil, err
	}

	known := make(map[string]bool, len(idx.Bundles))
	for _, e := range idx.Bundles {
		known[e.Name] = true
		payload, ok := payloads[e.Name]
		if !ok {
			return nil, nil, ErrMissingEntry
		}
		if uint64(len(payload)) != e.PayloadSize {
			return nil, nil, ErrDigestMismatch
		}
		if sha256.Sum256(payload) != e.PayloadSHA256 {
			return nil, nil, ErrDigestMismatch
		}
	}
	for name := range payloads {
		if !known[name] {
			return nil, nil, ErrBundleUnknown
		}
	}
	return idx, payloads, nil
}

// BuildSystemSet assembles and signs an archive from payloads keyed by
// bundle name. The index digests and sizes are computed here; versions come
// from the caller's entries, which may omit digest and size.
func BuildSystemSet(idx SystemSetIndex, payloads map[string][]byte, key ed25519.PrivateKey) ([]byte, error) {
	if len(idx.Bundles) > MaxBundles {
		return nil, ErrInvalidIndex
	}
	for i := range idx.Bundles {
		e := &idx.Bundles[i]
		payload, ok := payloads[e.Name]
		if !ok {
			return nil, ErrMissingEntry
		}
		if len(payload) > MaxPayloadBytes {
			return nil, ErrOversizedEntry
		}
		e.PayloadSHA256 = sha256.Sum256(payload)
		e.PayloadSize = uint64(len(payload))
	}

	indexRaw := idx.Encode()
	sig := ed25519.Sign(key, indexRaw)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}
	if err := write(IndexEntryName, indexRaw); err != nil {
		return nil, err
	}
	if err := write(SignatureEntryName, sig); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payloads))
	for name := range payloads {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := write(name+PayloadSuffix, payloads[name]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if buf.Len() > MaxArchiveBytes {
		return nil, ErrArchiveTooLarge
	}
	return buf.Bytes(), nil
}
