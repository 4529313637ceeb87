// Package mm implements the Sv39 three-level page tables that back per-task
// address spaces. Tables are arenas of 512-entry nodes addressed by pseudo
// frame numbers, so the walker arithmetic matches the hardware format while
// the nodes themselves stay ordinary allocations.
package mm

import "errors"

const (
	// PageSize is the only supported page size.
	PageSize = 4096

	entriesPerNode = 512

	// pteFlagMask covers the low flag bits; the ppn starts at bit 10.
	pteFlagMask = 0x3FF
	ppnShift    = 10

	levels = 3
)

// Flags are the Sv39 PTE permission and status bits.
type Flags uint64

const (
	FlagValid Flags = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty
)

const flagLeafPerms = FlagRead | FlagWrite | FlagExec

var (
	ErrUnaligned        = errors.New("mm: address not page-aligned")
	ErrOutOfRange       = errors.New("mm: address outside sv39 range")
	ErrInvalidFlags     = errors.New("mm: flags lack VALID or an access right")
	ErrPermissionDenied = errors.New("mm: writable and executable")
	ErrOverlap          = errors.New("mm: mapping overlaps existing entry")
	ErrNotMapped        = errors.New("mm: address not mapped")
)

type node struct {
	entries [entriesPerNode]uint64
}

// PageTable is one task's Sv39 table tree. The zero entry word means empty;
// a VALID entry with no access rights is a pointer to the next level.
type PageTable struct {
	nodes []*node // nodes[0] is the root; index doubles as pseudo frame number
}

// NewPageTable returns a table with an empty root node.
func NewPageTable() *PageTable {
	return &PageTable{nodes: []*node{{}}}
}

// Root returns the pseudo frame number of the root node, the value an
// address-space switch would load.
func (pt *PageTable) Root() uint64 { return 0 }

func vpn(va uint64, level int) int {
	return int((va >> (12 + 9*level)) & (entriesPerNode - 1))
}

// canonical reports whether va is a valid Sv39 address: bits 63..39 must
// replicate bit 38.
func canonical(va uint64) bool {
	top := va >> 38
	return top == 0 || top == (1<<26)-1
}

// Map installs a leaf entry translating va to pa. Both must be page-aligned;
// flags must include VALID and at least one of READ/WRITE/EXECUTE, and may
// not combine WRITE with EXECUTE. The entry update is atomic from the
// walker's view: on any error the table is unchanged except for intermediate
// nodes, which carry no permissions.
func (pt *PageTable) Map(va, pa uint64, flags Flags) error {
	if va%PageSize != 0 || pa%PageSize != 0 {
		return ErrUnaligned
	}
	if !canonical(va) {
		return ErrOutOfRange
	}
	if flags&FlagValid == 0 || flags&flagLeafPerms == 0 {
		return ErrInvalidFlags
	}
	if flags&FlagWrite != 0 && flags&FlagExec != 0 {
		return ErrPermissionDenied
	}

	n := pt.nodes[0]
	for level := levels - 1; level > 0; level-- {
		idx := vpn(va, level)
		entry := n.entries[idx]
		if entry&uint64(FlagValid) == 0 {
			next := uint64(len(pt.nodes))
			pt.nodes = append(pt.nodes, &node{})
			n.entries[idx] = next<<ppnShift | uint64(FlagValid)
			n = pt.nodes[next]
			continue
		}
		if entry&uint64(flagLeafPerms) != 0 {
			// A superpage leaf already covers this range.
			return ErrOverlap
		}
		n = pt.nodes[entry>>ppnShift]
	}

	idx := vpn(va, 0)
	if n.entries[idx]&uint64(FlagValid) != 0 {
		return ErrOverlap
	}

	flags |= FlagAccessed
	if flags&FlagWrite != 0 {
		flags |= FlagDirty
	}
	n.entries[idx] = (pa/PageSize)<<ppnShift | uint64(flags)
	return nil
}

// walk returns the leaf entry for va.
func (pt *PageTable) walk(va uint64) (uint64, error) {
	if !canonical(va) {
		return 0, ErrOutOfRange
	}
	n := pt.nodes[0]
	for level := levels - 1; level > 0; level-- {
		entry := n.entries[vpn(va, level)]
		if entry&uint64(FlagValid) == 0 {
			return 0, ErrNotMapped
		}
		if entry&uint64(flagLeafPerms) != 0 {
			return 0, ErrNotMapped
		}
		n = pt.nodes[entry>>ppnShift]
	}
	entry := n.entries[vpn(va, 0)]
	if entry&uint64(FlagValid) == 0 {
		return 0, ErrNotMapped
	}
	return entry, nil
}

// Unmap clears the leaf entry for va. Intermediate nodes are retained.
func (pt *PageTable) Unmap(va uint64) error {
	if va%PageSize != 0 {
		return ErrUnaligned
	}
	if !canonical(va) {
		return ErrOutOfRange
	}
	n := pt.nodes[0]
	for level := levels - 1; level > 0; level-- {
		entry := n.entries[vpn(va, level)]
		if entry&uint64(FlagValid) == 0 || entry&uint64(flagLeafPerms) != 0 {
			return ErrNotMapped
		}
		n = pt.nodes[entry>>ppnShift]
	}
	idx := vpn(va, 0)
	if n.entries[idx]&uint64(FlagValid) == 0 {
		return ErrNotMapped
	}
	n.entries[idx] = 0
	return nil
}

// Translate resolves va to the physical address the table maps it to.
func (pt *PageTable) Translate(va uint64) (uint64, error) {
	entry, err := pt.walk(va &^ (PageSize - 1))
	if err != nil {
		return 0, err
	}
	pa := (entry >> ppnShift) * PageSize
	return pa | (va & (PageSize - 1)), nil
}

// LeafFlags returns the flag bits of the leaf entry covering va.
func (pt *PageTable) LeafFlags(va uint64) (Flags, error) {
	entry, err := pt.walk(va &^ (PageSize - 1))
	if err != nil {
		return 0, err
	}
	return Flags(entry & pteFlagMask), nil
}
