// Package syscall implements the register-based dispatch table between trap
// entry and the kernel services. Six argument registers plus one number
// register in; one result register out, with errors encoded as negative
// errno-like codes at the ABI boundary.
package syscall

import (
	"errors"

	"github.com/open-nexus-os/nexus-core/kernel/cap"
	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/kernel/mm"
	"github.com/open-nexus-os/nexus-core/kernel/sched"
	"github.com/open-nexus-os/nexus-core/kernel/trap"
)

// Stable syscall numbers. Renumbering is an ABI break.
const (
	SysYield     = 0
	SysNsec      = 1
	SysSend      = 2
	SysRecv      = 3
	SysMap       = 4
	SysVmoCreate = 5
	SysVmoWrite  = 6

	// MaxSyscalls bounds the dispatch table.
	MaxSyscalls = 32
)

// NumArgs is the number of argument registers a handler receives.
const NumArgs = 6

var (
	ErrInvalidSyscall = errors.New("syscall: invalid syscall number")
	ErrBadAddress     = errors.New("syscall: bad user address")
	ErrWrongKind      = errors.New("syscall: capability kind mismatch")
)

// Errno codes surfaced in the result register. Stable.
const (
	CodeInvalidSyscall int64 = -1
	CodeInvalidArg     int64 = -2
	CodePermission     int64 = -3
	CodeNotFound       int64 = -4
	CodeExhausted      int64 = -5
	CodeConflict       int64 = -6
	CodeWouldBlock     int64 = -7
	CodeTimedOut       int64 = -8
	CodeInternal       int64 = -9
)

// ErrnoOf maps a kernel error to its ABI code.
func ErrnoOf(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidSyscall):
		return CodeInvalidSyscall
	case errors.Is(err, ErrBadAddress),
		errors.Is(err, ErrWrongKind),
		errors.Is(err, mm.ErrUnaligned),
		errors.Is(err, mm.ErrOutOfRange),
		errors.Is(err, mm.ErrInvalidFlags),
		errors.Is(err, mm.ErrVmoTooLarge),
		errors.Is(err, mm.ErrVmoOutOfRange):
		return CodeInvalidArg
	case errors.Is(err, cap.ErrPermissionDenied),
		errors.Is(err, mm.ErrPermissionDenied):
		return CodePermission
	case errors.Is(err, cap.ErrEmpty),
		errors.Is(err, ipc.ErrNoSuchEndpoint),
		errors.Is(err, mm.ErrNoSuchVmo),
		errors.Is(err, mm.ErrNotMapped):
		return CodeNotFound
	case errors.Is(err, cap.ErrSlotOutOfRange),
		errors.Is(err, cap.ErrNoSpace),
		errors.Is(err, ipc.ErrNoSpace):
		return CodeExhausted
	case errors.Is(err, mm.ErrOverlap):
		return CodeConflict
	case errors.Is(err, ipc.ErrQueueFull),
		errors.Is(err, ipc.ErrQueueEmpty):
		return CodeWouldBlock
	case errors.Is(err, ipc.ErrTimedOut):
		return CodeTimedOut
	default:
		return CodeInternal
	}
}

// UserMemory is the handlers' view of the calling task's mapped memory.
type UserMemory interface {
	ReadBytes(va uint64, n int) ([]byte, error)
	WriteBytes(va uint64, data []byte) error
}

// Context aggregates the per-task references a handler operates on.
type Context struct {
	Caps   *cap.Table
	Router *ipc.Router
	Sched  *sched.Scheduler
	Space  *mm.AddressSpace
	Vmos   *mm.VmoStore
	Mem    UserMemory

	// Nsec is the monotonic clock source.
	Nsec func() uint64
}

// Handler executes one syscall against the caller's context.
type Handler func(ctx *Context, args [NumArgs]uint64) (uint64, error)

// Table maps syscall numbers to handlers.
type Table struct {
	handlers [MaxSyscalls]Handler
}

// NewTable returns a table with the defined syscalls registered.
func NewTable() *Table {
	t := &Table{}
	t.handlers[SysYield] = sysYield
	t.handlers[SysNsec] = sysNsec
	t.handlers[SysSend] = sysSend
	t.handlers[SysRecv] = sysRecv
	t.handlers[SysMap] = sysMap
	t.handlers[SysVmoCreate] = sysVmoCreate
	t.handlers[SysVmoWrite] = sysVmoWrite
	return t
}

// Register installs a handler for num, replacing any existing one.
func (t *Table) Register(num uint64, h Handler) error {
	if num >= MaxSyscalls {
		return ErrInvalidSyscall
	}
	t.handlers[num] = h
	return nil
}

// Dispatch runs the handler for num. Unknown numbers fail with
// ErrInvalidSyscall.
func (t *Table) Dispatch(ctx *Context, num uint64, args [NumArgs]uint64) (uint64, error) {
	if num >= MaxSyscalls || t.handlers[num] == nil {
		return 0, ErrInvalidSyscall
	}
	return t.handlers[num](ctx, args)
}

// HandleEcall services an environment call recorded in the frame: number in
// A7, arguments in A0..A5, result or errno back in A0. The frame is recorded
// as the last trap and sepc advances past the ecall instruction.
func (t *Table) HandleEcall(ctx *Context, f *trap.Frame, rec *trap.Recorder) {
	if rec != nil {
		rec.Record(f)
	}
	var args [NumArgs]uint64
	copy(args[:], f.A[:NumArgs])
	res, err := t.Dispatch(ctx, f.A[7], args)
	if err != nil {
		f.A[0] = uint64(ErrnoOf(err))
	} else {
		f.A[0] = res
	}
	f.Sepc += 4
}
