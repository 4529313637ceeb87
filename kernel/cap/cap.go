// Package cap implements per-task capability tables: typed, rights-masked
// handles resolved by slot index. Every syscall that takes a handle resolves
// it through the calling task's table, which keeps authority checks in one
// place.
package cap

import "errors"

// Rights is the bitmask of operations a capability permits.
type Rights uint32

const (
	RightSend Rights = 1 << iota
	RightRecv
	RightMap
	RightRead
	RightWrite
	RightExec
)

// Contains reports whether every right in sub is present in r.
func (r Rights) Contains(sub Rights) bool { return r&sub == sub }

// Kind discriminates what a capability refers to.
type Kind uint8

const (
	KindEndpoint Kind = iota + 1
	KindVmo
	KindDeviceMmio
	KindIrq
)

func (k Kind) String() string {
	switch k {
	case KindEndpoint:
		return "endpoint"
	case KindVmo:
		return "vmo"
	case KindDeviceMmio:
		return "device_mmio"
	case KindIrq:
		return "irq"
	default:
		return "unknown"
	}
}

// Capability pairs a kind with the rights the holder may exercise on it.
// Object identity lives in the kind-specific fields; tasks hold capabilities,
// never direct references to kernel objects.
type Capability struct {
	Kind   Kind
	Rights Rights

	// Endpoint id when Kind == KindEndpoint, IRQ line when Kind == KindIrq.
	ID uint32

	// Base/Len describe the region for KindVmo and KindDeviceMmio.
	Base uint64
	Len  uint64
}

// Endpoint builds an endpoint capability.
func Endpoint(id uint32, rights Rights) Capability {
	return Capability{Kind: KindEndpoint, Rights: rights, ID: id}
}

// Vmo builds a virtual memory object capability.
func Vmo(base, length uint64, rights Rights) Capability {
	return Capability{Kind: KindVmo, Rights: rights, Base: base, Len: length}
}

var (
	ErrSlotOutOfRange   = errors.New("cap: slot out of range")
	ErrEmpty            = errors.New("cap: empty slot")
	ErrNoSpace          = errors.New("cap: table full")
	ErrPermissionDenied = errors.New("cap: permission denied")
)

// TableSlots is the fixed capacity of every task's capability table.
const TableSlots = 64

// Table maps slot indices to capabilities. A table belongs to exactly one
// task and is never shared, so it carries no lock of its own.
type Table struct {
	slots [TableSlots]Capability
	used  [TableSlots]bool
}

// NewTable returns an empty table.
func NewTable() *Table { return &Table{} }

// Set stores cap at the given slot, replacing any previous occupant.
func (t *Table) Set(slot int, c Capability) error {
	if slot < 0 || slot >= TableSlots {
		return ErrSlotOutOfRange
	}
	t.slots[slot] = c
	t.used[slot] = true
	return nil
}

// Allocate stores cap in the first free slot and returns its index.
func (t *Table) Allocate(c Capability) (int, error) {
	for i := range t.slots {
		if !t.used[i] {
			t.slots[i] = c
			t.used[i] = true
			return i, nil
		}
	}
	return 0, ErrNoSpace
}

// Get returns the capability at slot without consuming it.
func (t *Table) Get(slot int) (Capability, error) {
	if slot < 0 || slot >= TableSlots {
		return Capability{}, ErrSlotOutOfRange
	}
	if !t.used[slot] {
		return Capability{}, ErrEmpty
	}
	return t.slots[slot], nil
}

// Take removes and returns the capability at slot.
func (t *Table) Take(slot int) (Capability, error) {
	c, err := t.Get(slot)
	if err != nil {
		return Capability{}, err
	}
	t.slots[slot] = Capability{}
	t.used[slot] = false
	return c, nil
}

// Clear empties the slot. Clearing an empty slot is not an error.
func (t *Table) Clear(slot int) error {
	if slot < 0 || slot >= TableSlots {
		return ErrSlotOutOfRange
	}
	t.slots[slot] = Capability{}
	t.used[slot] = false
	return nil
}

// Derive returns a new capability of the same kind whose rights are exactly
// the requested subset of the parent's. Requesting any right the parent does
// not hold fails; no elevation is possible.
//
// Revoking the parent does not invalidate previously derived capabilities.
func (t *Table) Derive(slot int, requested Rights) (Capability, error) {
	parent, err := t.Get(slot)
	if err != nil {
		return Capability{}, err
	}
	if !parent.Rights.Contains(requested) {
		return Capability{}, ErrPermissionDenied
	}
	derived := parent
	derived.Rights = requested
	return derived, nil
}

// Len reports how many slots are occupied.
func (t *Table) Len() int {
	n := 0
	for _, u := range t.used {
		if u {
			n++
		}
	}
	return n
}
