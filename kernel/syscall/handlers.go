package syscall

import (
	"github.com/open-nexus-os/nexus-core/kernel/cap"
	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/kernel/mm"
)

func sysYield(ctx *Context, _ [NumArgs]uint64) (uint64, error) {
	if ctx.Sched != nil {
		ctx.Sched.YieldCurrent()
	}
	return 0, nil
}

func sysNsec(ctx *Context, _ [NumArgs]uint64) (uint64, error) {
	if ctx.Nsec == nil {
		return 0, nil
	}
	return ctx.Nsec(), nil
}

// resolve fetches the capability at slot and checks kind and rights.
func resolve(ctx *Context, slot uint64, kind cap.Kind, rights cap.Rights) (cap.Capability, error) {
	c, err := ctx.Caps.Get(int(slot))
	if err != nil {
		return cap.Capability{}, err
	}
	if c.Kind != kind {
		return cap.Capability{}, ErrWrongKind
	}
	if !c.Rights.Contains(rights) {
		return cap.Capability{}, cap.ErrPermissionDenied
	}
	return c, nil
}

// sysSend: a0=endpoint cap slot, a1=header va, a2=payload va.
// The payload length comes from the header. Non-blocking; a full queue
// surfaces CodeWouldBlock and the caller retries after a yield.
func sysSend(ctx *Context, args [NumArgs]uint64) (uint64, error) {
	c, err := resolve(ctx, args[0], cap.KindEndpoint, cap.RightSend)
	if err != nil {
		return 0, err
	}
	raw, err := ctx.Mem.ReadBytes(args[1], ipc.HeaderSize)
	if err != nil {
		return 0, ErrBadAddress
	}
	h, err := ipc.DecodeHeader(raw)
	if err != nil {
		return 0, err
	}
	if h.Len > ipc.MaxPayload {
		return 0, mm.ErrVmoOutOfRange
	}
	var payload []byte
	if h.Len > 0 {
		payload, err = ctx.Mem.ReadBytes(args[2], int(h.Len))
		if err != nil {
			return 0, ErrBadAddress
		}
	}
	return 0, ctx.Router.Send(c.ID, ipc.NewMessage(h, payload), ipc.NonBlocking())
}

// sysRecv: a0=endpoint cap slot, a1=header out va, a2=payload out va,
// a3=payload buffer capacity. Returns the payload length delivered.
func sysRecv(ctx *Context, args [NumArgs]uint64) (uint64, error) {
	c, err := resolve(ctx, args[0], cap.KindEndpoint, cap.RightRecv)
	if err != nil {
		return 0, err
	}
	msg, err := ctx.Router.Recv(c.ID, ipc.NonBlocking())
	if err != nil {
		return 0, err
	}
	if uint64(len(msg.Payload)) > args[3] {
		// The caller's buffer is too small; the message must not be lost.
		if rerr := ctx.Router.RequeueFront(c.ID, msg); rerr != nil {
			return 0, rerr
		}
		return 0, mm.ErrVmoOutOfRange
	}
	enc := msg.Header.Encode()
	if err := ctx.Mem.WriteBytes(args[1], enc[:]); err != nil {
		if rerr := ctx.Router.RequeueFront(c.ID, msg); rerr != nil {
			return 0, rerr
		}
		return 0, ErrBadAddress
	}
	if len(msg.Payload) > 0 {
		if err := ctx.Mem.WriteBytes(args[2], msg.Payload); err != nil {
			if rerr := ctx.Router.RequeueFront(c.ID, msg); rerr != nil {
				return 0, rerr
			}
			return 0, ErrBadAddress
		}
	}
	return uint64(len(msg.Payload)), nil
}

// sysMap: a0=vmo cap slot, a1=va, a2=offset into the vmo, a3=flags.
// Maps one page of the object at the chosen virtual address.
func sysMap(ctx *Context, args [NumArgs]uint64) (uint64, error) {
	c, err := resolve(ctx, args[0], cap.KindVmo, cap.RightMap)
	if err != nil {
		return 0, err
	}
	offset := args[2]
	if offset%mm.PageSize != 0 || offset >= c.Len {
		return 0, mm.ErrVmoOutOfRange
	}
	return 0, ctx.Space.Table.Map(args[1], c.Base+offset, mm.Flags(args[3]))
}

// sysVmoCreate: a0=size in bytes. Allocates the object and a capability
// with MAP|READ|WRITE rights; returns the new slot index.
func sysVmoCreate(ctx *Context, args [NumArgs]uint64) (uint64, error) {
	base, length, err := ctx.Vmos.Create(args[0])
	if err != nil {
		return 0, err
	}
	slot, err := ctx.Caps.Allocate(cap.Vmo(base, length, cap.RightMap|cap.RightRead|cap.RightWrite))
	if err != nil {
		ctx.Vmos.Release(base)
		return 0, err
	}
	return uint64(slot), nil
}

// sysVmoWrite: a0=vmo cap slot, a1=offset, a2=source va, a3=length.
func sysVmoWrite(ctx *Context, args [NumArgs]uint64) (uint64, error) {
	c, err := resolve(ctx, args[0], cap.KindVmo, cap.RightWrite)
	if err != nil {
		return 0, err
	}
	data, err := ctx.Mem.ReadBytes(args[2], int(args[3]))
	if err != nil {
		return 0, ErrBadAddress
	}
	if err := ctx.Vmos.Write(c.Base, args[1], data); err != nil {
		return 0, err
	}
	return args[3], nil
}
