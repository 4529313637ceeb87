package task

import "encoding/binary"

// identityVersion tags the layout of the identity page.
const identityVersion = 2

// encodeIdentity lays out the identity page a task can map through its seed
// VMO capability: version u32, service id u64, name length u32, name bytes.
func encodeIdentity(serviceID uint64, name string) []byte {
	b := make([]byte, 16+len(name))
	binary.LittleEndian.PutUint32(b[0:4], identityVersion)
	binary.LittleEndian.PutUint64(b[4:12], serviceID)
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(name)))
	copy(b[16:], name)
	return b
}

// DecodeIdentity parses an identity page.
func DecodeIdentity(b []byte) (serviceID uint64, name string, ok bool) {
	if len(b) < 16 {
		return 0, "", false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != identityVersion {
		return 0, "", false
	}
	n := binary.LittleEndian.Uint32(b[12:16])
	if uint64(16+n) > uint64(len(b)) {
		return 0, "", false
	}
	return binary.LittleEndian.Uint64(b[4:12]), string(b[16 : 16+n]), true
}
