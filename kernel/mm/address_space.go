package mm

import "sync/atomic"

// AddressSpace pairs a page table with its ASID. Each task owns its address
// space exclusively; the kernel identity mapping shares the root.
type AddressSpace struct {
	ASID  uint16
	Table *PageTable
}

// NewAddressSpace returns an address space with a fresh table.
func NewAddressSpace(asid uint16) *AddressSpace {
	return &AddressSpace{ASID: asid, Table: NewPageTable()}
}

// DiagGate is held closed across an address-space switch; diagnostics are
// allowed again only after the post-switch marker.
type DiagGate interface {
	Suspend()
	Resume()
}

// Activator models the satp root register and TLB fence. The switch is
// two-phase: store the root, then fence; between the store and the marker
// no diagnostic output may run.
type Activator struct {
	gate       DiagGate
	activeRoot atomic.Uint64
	activeASID atomic.Uint32
	fences     atomic.Uint64
}

// NewActivator returns an activator gating diagnostics through g.
// A nil gate disables gating.
func NewActivator(g DiagGate) *Activator {
	return &Activator{gate: g}
}

// Activate switches to the address space. Phase one stores the root
// pointer, phase two issues the TLB fence; the gate reopens only once both
// are complete.
func (a *Activator) Activate(as *AddressSpace) {
	if a.gate != nil {
		a.gate.Suspend()
	}
	a.activeRoot.Store(as.Table.Root())
	a.activeASID.Store(uint32(as.ASID))
	a.fences.Add(1)
	if a.gate != nil {
		a.gate.Resume()
	}
}

// ActiveASID reports the ASID last activated.
func (a *Activator) ActiveASID() uint16 { return uint16(a.activeASID.Load()) }

// Fences reports how many TLB fences have been issued.
func (a *Activator) Fences() uint64 { return a.fences.Load() }
