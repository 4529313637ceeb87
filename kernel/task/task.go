// Package task implements task creation and teardown: address space and
// capability table construction, payload loading, seed capability
// installation and the bootstrap handoff that makes the task schedulable.
package task

import (
	"errors"

	"github.com/open-nexus-os/nexus-core/kernel/cap"
	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/kernel/mm"
	"github.com/open-nexus-os/nexus-core/kernel/sched"
	"github.com/open-nexus-os/nexus-core/kernel/trap"
)

var (
	ErrNoSuchTask  = errors.New("task: no such task")
	ErrEmptyPayload = errors.New("task: payload has no segments")
)

// Seed capability slots every task starts with.
const (
	SeedEndpointSlot = 0
	IdentityVmoSlot  = 1
)

// Segment is one loadable region of a payload.
type Segment struct {
	Va    uint64
	Data  []byte
	Flags mm.Flags
}

// Task is the unit of scheduling and ownership.
type Task struct {
	ID        sched.TaskID
	Name      string
	ServiceID uint64
	Caps      *cap.Table
	Space     *mm.AddressSpace
	Frame     trap.Frame
	SeedEp    uint32
	QoS       sched.QosClass
}

// SpawnArgs carries the bootstrap parameters of a new task.
type SpawnArgs struct {
	Argc    uint32
	ArgvPtr uint64
	EnvPtr  uint64
	Flags   uint32
}

// Manager builds and tears down tasks.
type Manager struct {
	router *ipc.Router
	sch    *sched.Scheduler
	vmos   *mm.VmoStore

	nextID   sched.TaskID
	nextASID uint16
	tasks    map[sched.TaskID]*Task
}

// NewManager wires a manager to the kernel services it allocates from.
func NewManager(r *ipc.Router, s *sched.Scheduler, v *mm.VmoStore) *Manager {
	return &Manager{
		router:   r,
		sch:      s,
		vmos:     v,
		nextID:   1,
		nextASID: 1,
		tasks:    make(map[sched.TaskID]*Task),
	}
}

// Spawn creates a task from a payload. The steps are atomic from the
// caller's view: any failure rolls back all earlier allocations and the
// partially built task is never observable.
//
// Steps: allocate id and capability table; build the address space and load
// the segments; install the seed endpoint (SEND|RECV) and identity VMO
// (MAP); enqueue the bootstrap message; make the task runnable at Normal.
func (m *Manager) Spawn(name string, segments []Segment, args SpawnArgs) (*Task, error) {
	if len(segments) == 0 {
		return nil, ErrEmptyPayload
	}

	id := m.nextID
	asid := m.nextASID
	t := &Task{
		ID:    id,
		Name:  name,
		ServiceID: ServiceID(name),
		Caps:  cap.NewTable(),
		Space: mm.NewAddressSpace(asid),
		QoS:   sched.QosNormal,
	}

	var vmoBases []uint64
	rollback := func() {
		for _, base := range vmoBases {
			m.vmos.Release(base)
		}
		m.router.CloseEndpointsFor(uint32(id))
	}

	for _, seg := range segments {
		base, err := m.loadSegment(t, seg)
		if err != nil {
			rollback()
			return nil, err
		}
		vmoBases = append(vmoBases, base)
	}

	epID, err := m.router.CreateEndpoint(uint32(id), 0)
	if err != nil {
		rollback()
		return nil, err
	}
	t.SeedEp = epID
	if err := t.Caps.Set(SeedEndpointSlot, cap.Endpoint(epID, cap.RightSend|cap.RightRecv)); err != nil {
		rollback()
		return nil, err
	}

	identBase, identLen, err := m.makeIdentityVmo(t)
	if err != nil {
		rollback()
		return nil, err
	}
	vmoBases = append(vmoBases, identBase)
	if err := t.Caps.Set(IdentityVmoSlot, cap.Vmo(identBase, identLen, cap.RightMap)); err != nil {
		rollback()
		return nil, err
	}

	msg := BootstrapMsg{
		Argc:      args.Argc,
		ArgvPtr:   args.ArgvPtr,
		EnvPtr:    args.EnvPtr,
		CapSeedEp: SeedEndpointSlot,
		Flags:     args.Flags,
	}
	enc := msg.Encode()
	h := ipc.Header{Src: 0, Dst: uint32(id), Ty: 0, Len: BootstrapMsgSize}
	if err := m.router.Send(epID, ipc.NewMessage(h, enc[:]), ipc.NonBlocking()); err != nil {
		rollback()
		return nil, err
	}

	m.nextID++
	m.nextASID++
	m.tasks[id] = t
	m.sch.Enqueue(id, sched.QosNormal)
	return t, nil
}

// loadSegment backs one segment with a VMO and maps its pages.
func (m *Manager) loadSegment(t *Task, seg Segment) (uint64, error) {
	size := uint64(len(seg.Data))
	if size == 0 {
		size = mm.PageSize
	}
	base, length, err := m.vmos.Create(size)
	if err != nil {
		return 0, err
	}
	if len(seg.Data) > 0 {
		if err := m.vmos.Write(base, 0, seg.Data); err != nil {
			m.vmos.Release(base)
			return 0, err
		}
	}
	for off := uint64(0); off < length; off += mm.PageSize {
		if err := t.Space.Table.Map(seg.Va+off, base+off, seg.Flags); err != nil {
			m.vmos.Release(base)
			return 0, err
		}
	}
	return base, nil
}

// makeIdentityVmo builds the one-page object describing the task to itself:
// service id plus name, mappable read-only by the task.
func (m *Manager) makeIdentityVmo(t *Task) (uint64, uint64, error) {
	base, length, err := m.vmos.Create(mm.PageSize)
	if err != nil {
		return 0, 0, err
	}
	ident := encodeIdentity(t.ServiceID, t.Name)
	if err := m.vmos.Write(base, 0, ident); err != nil {
		m.vmos.Release(base)
		return 0, 0, err
	}
	return base, length, nil
}

// Get returns the task by id.
func (m *Manager) Get(id sched.TaskID) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNoSuchTask
	}
	return t, nil
}

// Exit tears the task down: its endpoints are closed (waking any blocked
// peers), it is purged from the scheduler, and its id is retired.
func (m *Manager) Exit(id sched.TaskID) error {
	_, ok := m.tasks[id]
	if !ok {
		return ErrNoSuchTask
	}
	m.router.CloseEndpointsFor(uint32(id))
	m.sch.Purge(id)
	delete(m.tasks, id)
	return nil
}

// Count reports live tasks.
func (m *Manager) Count() int { return len(m.tasks) }
