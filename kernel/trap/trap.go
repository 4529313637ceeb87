// Package trap holds the saved register frame and the trap bookkeeping the
// rest of the kernel consumes: cause decoding and the last-trap snapshot the
// terminal failure path reports.
package trap

import (
	"fmt"
	"sync"

	"github.com/open-nexus-os/nexus-core/kernel/uart"
)

// NumArgRegs is the number of argument registers captured in a frame.
const NumArgRegs = 8

// Frame is the register state saved at trap entry. A[0..5] carry syscall
// arguments, A[7] the syscall number; results return in A[0].
type Frame struct {
	A      [NumArgRegs]uint64
	Sepc   uint64
	Scause uint64
	Stval  uint64
}

const interruptBit = 1 << 63

// IsInterrupt reports whether the cause is an interrupt rather than an
// exception.
func (f *Frame) IsInterrupt() bool { return f.Scause&interruptBit != 0 }

// Exception cause codes (scause with the interrupt bit clear).
const (
	CauseMisalignedFetch     = 0
	CauseFetchAccess         = 1
	CauseIllegalInstruction  = 2
	CauseBreakpoint          = 3
	CauseMisalignedLoad      = 4
	CauseLoadAccess          = 5
	CauseMisalignedStore     = 6
	CauseStoreAccess         = 7
	CauseUserEcall           = 8
	CauseSupervisorEcall     = 9
	CauseInstructionPageFault = 12
	CauseLoadPageFault       = 13
	CauseStorePageFault      = 15
)

// DescribeCause renders scause for diagnostics.
func DescribeCause(scause uint64) string {
	if scause&interruptBit != 0 {
		switch scause &^ uint64(interruptBit) {
		case 1:
			return "supervisor software interrupt"
		case 5:
			return "supervisor timer interrupt"
		case 9:
			return "supervisor external interrupt"
		default:
			return "interrupt"
		}
	}
	switch scause {
	case CauseMisalignedFetch:
		return "instruction address misaligned"
	case CauseFetchAccess:
		return "instruction access fault"
	case CauseIllegalInstruction:
		return "illegal instruction"
	case CauseBreakpoint:
		return "breakpoint"
	case CauseMisalignedLoad:
		return "load address misaligned"
	case CauseLoadAccess:
		return "load access fault"
	case CauseMisalignedStore:
		return "store address misaligned"
	case CauseStoreAccess:
		return "store access fault"
	case CauseUserEcall:
		return "ecall from U-mode"
	case CauseSupervisorEcall:
		return "ecall from S-mode"
	case CauseInstructionPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	default:
		return "unknown exception"
	}
}

// Recorder keeps the most recent trap frame for the failure path. Single
// writer (the trap entry), any number of readers; readers always get a copy.
type Recorder struct {
	mu    sync.Mutex
	last  Frame
	valid bool
}

// Record stores the frame as the most recent trap.
func (r *Recorder) Record(f *Frame) {
	r.mu.Lock()
	r.last = *f
	r.valid = true
	r.mu.Unlock()
}

// Last returns a copy of the most recent trap frame.
func (r *Recorder) Last() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.valid
}

// Fail is the terminal failure routine: it reports location, message and the
// last trap snapshot through the UART and performs no allocation after the
// snapshot copy.
func Fail(d *uart.Diag, r *Recorder, location, msg string) {
	_ = d.WriteLine("PANIC at " + location + ": " + msg)
	if r == nil {
		return
	}
	if f, ok := r.Last(); ok {
		_ = d.WriteLine(fmt.Sprintf("  last trap: %s sepc=%#x stval=%#x",
			DescribeCause(f.Scause), f.Sepc, f.Stval))
	}
}
