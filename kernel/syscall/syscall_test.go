package syscall

import (
	"bytes"
	"testing"

	"github.com/open-nexus-os/nexus-core/kernel/cap"
	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/kernel/mm"
	"github.com/open-nexus-os/nexus-core/kernel/sched"
	"github.com/open-nexus-os/nexus-core/kernel/trap"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	return &Context{
		Caps:   cap.NewTable(),
		Router: ipc.NewRouter(),
		Sched:  sched.New(),
		Space:  mm.NewAddressSpace(1),
		Vmos:   mm.NewVmoStore(),
		Mem:    NewFlatMemory(0x10000, 64*1024),
		Nsec:   func() uint64 { return 123456789 },
	}
}

func TestDispatchUnknownNumber(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	if _, err := tab.Dispatch(ctx, 31, [NumArgs]uint64{}); err != ErrInvalidSyscall {
		t.Fatalf("Dispatch(31) error = %v, want ErrInvalidSyscall", err)
	}
	if _, err := tab.Dispatch(ctx, MaxSyscalls, [NumArgs]uint64{}); err != ErrInvalidSyscall {
		t.Fatalf("Dispatch(32) error = %v, want ErrInvalidSyscall", err)
	}
}

func TestNsec(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	got, err := tab.Dispatch(ctx, SysNsec, [NumArgs]uint64{})
	if err != nil {
		t.Fatalf("Dispatch(NSEC) error = %v", err)
	}
	if got != 123456789 {
		t.Fatalf("NSEC = %d, want 123456789", got)
	}
}

func TestSendRecvThroughUserMemory(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	epID, err := ctx.Router.CreateEndpoint(1, 0)
	if err != nil {
		t.Fatalf("CreateEndpoint() error = %v", err)
	}
	if err := ctx.Caps.Set(0, cap.Endpoint(epID, cap.RightSend|cap.RightRecv)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	h := ipc.Header{Src: 1, Dst: 0, Ty: 42, Len: 4}
	enc := h.Encode()
	const headerVa, payloadVa = 0x10000, 0x10100
	if err := ctx.Mem.WriteBytes(headerVa, enc[:]); err != nil {
		t.Fatalf("WriteBytes() error = %v", err)
	}
	if err := ctx.Mem.WriteBytes(payloadVa, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBytes() error = %v", err)
	}

	if _, err := tab.Dispatch(ctx, SysSend, [NumArgs]uint64{0, headerVa, payloadVa}); err != nil {
		t.Fatalf("SEND error = %v", err)
	}

	const outHeaderVa, outPayloadVa = 0x11000, 0x11100
	n, err := tab.Dispatch(ctx, SysRecv, [NumArgs]uint64{0, outHeaderVa, outPayloadVa, 64})
	if err != nil {
		t.Fatalf("RECV error = %v", err)
	}
	if n != 4 {
		t.Fatalf("RECV length = %d, want 4", n)
	}
	gotHeader, _ := ctx.Mem.ReadBytes(outHeaderVa, ipc.HeaderSize)
	back, err := ipc.DecodeHeader(gotHeader)
	if err != nil || back != h {
		t.Fatalf("received header = %+v/%v, want %+v", back, err, h)
	}
	gotPayload, _ := ctx.Mem.ReadBytes(outPayloadVa, 4)
	if !bytes.Equal(gotPayload, []byte{1, 2, 3, 4}) {
		t.Fatalf("received payload = %v, want [1 2 3 4]", gotPayload)
	}
}

func TestSendWithoutRight(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	epID, _ := ctx.Router.CreateEndpoint(1, 0)
	if err := ctx.Caps.Set(0, cap.Endpoint(epID, cap.RightRecv)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	h := ipc.Header{Len: 0}
	enc := h.Encode()
	_ = ctx.Mem.WriteBytes(0x10000, enc[:])

	_, err := tab.Dispatch(ctx, SysSend, [NumArgs]uint64{0, 0x10000, 0})
	if ErrnoOf(err) != CodePermission {
		t.Fatalf("SEND errno = %d (%v), want CodePermission", ErrnoOf(err), err)
	}
}

func TestRecvEmptyWouldBlock(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	epID, _ := ctx.Router.CreateEndpoint(1, 0)
	_ = ctx.Caps.Set(0, cap.Endpoint(epID, cap.RightRecv))

	_, err := tab.Dispatch(ctx, SysRecv, [NumArgs]uint64{0, 0x10000, 0x10100, 64})
	if ErrnoOf(err) != CodeWouldBlock {
		t.Fatalf("RECV errno = %d (%v), want CodeWouldBlock", ErrnoOf(err), err)
	}
}

func TestRecvSmallBufferKeepsMessage(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	epID, _ := ctx.Router.CreateEndpoint(1, 0)
	_ = ctx.Caps.Set(0, cap.Endpoint(epID, cap.RightSend|cap.RightRecv))

	h := ipc.Header{Ty: 9, Len: 8}
	enc := h.Encode()
	_ = ctx.Mem.WriteBytes(0x10000, enc[:])
	_ = ctx.Mem.WriteBytes(0x10100, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if _, err := tab.Dispatch(ctx, SysSend, [NumArgs]uint64{0, 0x10000, 0x10100}); err != nil {
		t.Fatalf("SEND error = %v", err)
	}

	if _, err := tab.Dispatch(ctx, SysRecv, [NumArgs]uint64{0, 0x11000, 0x11100, 4}); err == nil {
		t.Fatalf("RECV with small buffer succeeded, want error")
	}

	// The message is still deliverable.
	n, err := tab.Dispatch(ctx, SysRecv, [NumArgs]uint64{0, 0x11000, 0x11100, 8})
	if err != nil || n != 8 {
		t.Fatalf("RECV retry = %d/%v, want 8/nil", n, err)
	}
}

func TestRecvBadPayloadBufferKeepsMessage(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	epID, _ := ctx.Router.CreateEndpoint(1, 0)
	_ = ctx.Caps.Set(0, cap.Endpoint(epID, cap.RightSend|cap.RightRecv))

	h := ipc.Header{Ty: 11, Len: 8}
	enc := h.Encode()
	_ = ctx.Mem.WriteBytes(0x10000, enc[:])
	_ = ctx.Mem.WriteBytes(0x10100, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if _, err := tab.Dispatch(ctx, SysSend, [NumArgs]uint64{0, 0x10000, 0x10100}); err != nil {
		t.Fatalf("SEND error = %v", err)
	}

	// Valid header buffer, unmapped payload buffer: the copy-out fails
	// after the header was written, and the message must survive.
	if _, err := tab.Dispatch(ctx, SysRecv, [NumArgs]uint64{0, 0x11000, 0x30000, 8}); err == nil {
		t.Fatalf("RECV with bad payload buffer succeeded, want error")
	}

	n, err := tab.Dispatch(ctx, SysRecv, [NumArgs]uint64{0, 0x11000, 0x11100, 8})
	if err != nil || n != 8 {
		t.Fatalf("RECV retry = %d/%v, want 8/nil", n, err)
	}
	got, _ := ctx.Mem.ReadBytes(0x11100, 8)
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("received payload = %v after retry", got)
	}
}

func TestVmoCreateWriteMap(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	slot, err := tab.Dispatch(ctx, SysVmoCreate, [NumArgs]uint64{8192})
	if err != nil {
		t.Fatalf("VMO_CREATE error = %v", err)
	}

	payload := []byte("journal header")
	_ = ctx.Mem.WriteBytes(0x10000, payload)
	n, err := tab.Dispatch(ctx, SysVmoWrite, [NumArgs]uint64{slot, 0, 0x10000, uint64(len(payload))})
	if err != nil {
		t.Fatalf("VMO_WRITE error = %v", err)
	}
	if n != uint64(len(payload)) {
		t.Fatalf("VMO_WRITE n = %d, want %d", n, len(payload))
	}

	c, err := ctx.Caps.Get(int(slot))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := ctx.Vmos.Read(c.Base, 0, len(payload))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Vmos.Read() = %q/%v, want %q", got, err, payload)
	}

	if _, err := tab.Dispatch(ctx, SysMap, [NumArgs]uint64{slot, 0x4000_0000, 0, uint64(mm.FlagValid | mm.FlagRead | mm.FlagWrite)}); err != nil {
		t.Fatalf("MAP error = %v", err)
	}
	pa, err := ctx.Space.Table.Translate(0x4000_0000)
	if err != nil || pa != c.Base {
		t.Fatalf("Translate() = %#x/%v, want %#x", pa, err, c.Base)
	}
}

func TestMapWithoutRight(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)

	base, length, err := ctx.Vmos.Create(4096)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_ = ctx.Caps.Set(0, cap.Vmo(base, length, cap.RightRead))

	_, err = tab.Dispatch(ctx, SysMap, [NumArgs]uint64{0, 0x4000_0000, 0, uint64(mm.FlagValid | mm.FlagRead)})
	if ErrnoOf(err) != CodePermission {
		t.Fatalf("MAP errno = %d (%v), want CodePermission", ErrnoOf(err), err)
	}
}

func TestHandleEcall(t *testing.T) {
	tab := NewTable()
	ctx := newTestContext(t)
	var rec trap.Recorder

	f := &trap.Frame{Sepc: 0x80000000, Scause: trap.CauseUserEcall}
	f.A[7] = SysNsec
	tab.HandleEcall(ctx, f, &rec)

	if f.A[0] != 123456789 {
		t.Fatalf("a0 = %d, want clock value", f.A[0])
	}
	if f.Sepc != 0x80000004 {
		t.Fatalf("sepc = %#x, want advance past ecall", f.Sepc)
	}
	if _, ok := rec.Last(); !ok {
		t.Fatalf("trap not recorded")
	}

	f.A[7] = 30
	tab.HandleEcall(ctx, f, &rec)
	if int64(f.A[0]) != CodeInvalidSyscall {
		t.Fatalf("a0 = %d, want CodeInvalidSyscall", int64(f.A[0]))
	}
}
