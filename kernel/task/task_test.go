package task

import (
	"bytes"
	"errors"
	"testing"

	"github.com/open-nexus-os/nexus-core/kernel/cap"
	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/kernel/mm"
	"github.com/open-nexus-os/nexus-core/kernel/sched"
)

func TestBootstrapMsgGoldenVector(t *testing.T) {
	m := BootstrapMsg{
		Argc:      3,
		ArgvPtr:   0x1122334455667788,
		EnvPtr:    0x99AABBCCDDEEFF00,
		CapSeedEp: 0x12345678,
		Flags:     0xAABBCCDD,
	}

	want := []byte{
		0x03, 0x00, 0x00, 0x00, // argc
		0x00, 0x00, 0x00, 0x00, // padding
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // argv_ptr
		0x00, 0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0x99, // env_ptr
		0x78, 0x56, 0x34, 0x12, // cap_seed_ep
		0xDD, 0xCC, 0xBB, 0xAA, // flags
	}

	got := m.Encode()
	if !bytes.Equal(got[:], want) {
		t.Fatalf("Encode() = % X, want % X", got, want)
	}

	back, err := DecodeBootstrapMsg(got[:])
	if err != nil {
		t.Fatalf("DecodeBootstrapMsg() error = %v", err)
	}
	if back != m {
		t.Fatalf("DecodeBootstrapMsg() = %+v, want %+v", back, m)
	}
}

func TestServiceIDStable(t *testing.T) {
	a := ServiceID("statefsd")
	b := ServiceID("statefsd")
	c := ServiceID("updated")
	if a != b {
		t.Fatalf("ServiceID not deterministic")
	}
	if a == c {
		t.Fatalf("distinct names collide")
	}
	// FNV-1a of the empty string is the offset basis.
	if ServiceID("") != 0xcbf29ce484222325 {
		t.Fatalf("ServiceID(\"\") = %#x, want offset basis", ServiceID(""))
	}
}

func newTestManager() (*Manager, *ipc.Router, *sched.Scheduler) {
	r := ipc.NewRouter()
	s := sched.New()
	return NewManager(r, s, mm.NewVmoStore()), r, s
}

func TestSpawnDeliversBootstrap(t *testing.T) {
	m, r, s := newTestManager()

	seg := Segment{Va: 0x4000_0000, Data: []byte{0x13, 0x00, 0x00, 0x00}, Flags: mm.FlagValid | mm.FlagRead | mm.FlagExec}
	tk, err := m.Spawn("statefsd", []Segment{seg}, SpawnArgs{Argc: 2, ArgvPtr: 0x1000, EnvPtr: 0x2000, Flags: 1})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	// Seed endpoint cap installed with SEND|RECV.
	c, err := tk.Caps.Get(SeedEndpointSlot)
	if err != nil {
		t.Fatalf("Get(seed) error = %v", err)
	}
	if c.Kind != cap.KindEndpoint || !c.Rights.Contains(cap.RightSend|cap.RightRecv) {
		t.Fatalf("seed cap = %+v, want endpoint with SEND|RECV", c)
	}

	// Identity VMO cap with MAP only.
	v, err := tk.Caps.Get(IdentityVmoSlot)
	if err != nil {
		t.Fatalf("Get(identity) error = %v", err)
	}
	if v.Kind != cap.KindVmo || v.Rights != cap.RightMap {
		t.Fatalf("identity cap = %+v, want vmo with MAP", v)
	}

	// Bootstrap message waits on the seed endpoint.
	msg, err := r.Recv(tk.SeedEp, ipc.NonBlocking())
	if err != nil {
		t.Fatalf("Recv(seed) error = %v", err)
	}
	bm, err := DecodeBootstrapMsg(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeBootstrapMsg() error = %v", err)
	}
	if bm.Argc != 2 || bm.ArgvPtr != 0x1000 || bm.EnvPtr != 0x2000 || bm.CapSeedEp != SeedEndpointSlot || bm.Flags != 1 {
		t.Fatalf("bootstrap = %+v", bm)
	}

	// Runnable at Normal.
	id, ok := s.ScheduleNext()
	if !ok || id != tk.ID {
		t.Fatalf("ScheduleNext() = %d/%v, want %d", id, ok, tk.ID)
	}

	// Payload is mapped.
	pa, err := tk.Space.Table.Translate(0x4000_0000)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if pa == 0 {
		t.Fatalf("payload not mapped")
	}
}

func TestSpawnEmptyPayload(t *testing.T) {
	m, _, _ := newTestManager()

	if _, err := m.Spawn("x", nil, SpawnArgs{}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("Spawn() error = %v, want ErrEmptyPayload", err)
	}
}

func TestSpawnRollsBackOnBadSegment(t *testing.T) {
	m, r, s := newTestManager()

	segs := []Segment{
		{Va: 0x4000_0000, Data: []byte{1}, Flags: mm.FlagValid | mm.FlagRead},
		// W^X violation fails the second load.
		{Va: 0x4001_0000, Data: []byte{2}, Flags: mm.FlagValid | mm.FlagWrite | mm.FlagExec},
	}
	if _, err := m.Spawn("broken", segs, SpawnArgs{}); err == nil {
		t.Fatalf("Spawn() succeeded with W^X segment")
	}

	if m.Count() != 0 {
		t.Fatalf("Count() = %d after failed spawn, want 0", m.Count())
	}
	if _, ok := s.ScheduleNext(); ok {
		t.Fatalf("failed spawn left a runnable task")
	}
	// The next spawn reuses the same id; its endpoint must work.
	tk, err := m.Spawn("ok", []Segment{{Va: 0x4000_0000, Data: []byte{1}, Flags: mm.FlagValid | mm.FlagRead}}, SpawnArgs{})
	if err != nil {
		t.Fatalf("Spawn() after rollback error = %v", err)
	}
	if _, err := r.Recv(tk.SeedEp, ipc.NonBlocking()); err != nil {
		t.Fatalf("Recv(seed) error = %v", err)
	}
}

func TestExitClosesEndpoints(t *testing.T) {
	m, r, s := newTestManager()

	tk, err := m.Spawn("svc", []Segment{{Va: 0x4000_0000, Data: []byte{1}, Flags: mm.FlagValid | mm.FlagRead}}, SpawnArgs{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := m.Exit(tk.ID); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if r.EndpointAlive(tk.SeedEp) {
		t.Fatalf("seed endpoint alive after exit")
	}
	if _, ok := s.ScheduleNext(); ok {
		t.Fatalf("exited task still runnable")
	}
	if err := m.Exit(tk.ID); !errors.Is(err, ErrNoSuchTask) {
		t.Fatalf("double Exit() error = %v, want ErrNoSuchTask", err)
	}
}

func TestIdentityPage(t *testing.T) {
	m, _, _ := newTestManager()

	tk, err := m.Spawn("updated", []Segment{{Va: 0x4000_0000, Data: []byte{1}, Flags: mm.FlagValid | mm.FlagRead}}, SpawnArgs{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	v, err := tk.Caps.Get(IdentityVmoSlot)
	if err != nil {
		t.Fatalf("Get(identity) error = %v", err)
	}
	raw, err := m.vmos.Read(v.Base, 0, 64)
	if err != nil {
		t.Fatalf("Read(identity) error = %v", err)
	}
	sid, name, ok := DecodeIdentity(raw)
	if !ok || name != "updated" || sid != ServiceID("updated") {
		t.Fatalf("DecodeIdentity() = %#x/%q/%v", sid, name, ok)
	}
}
