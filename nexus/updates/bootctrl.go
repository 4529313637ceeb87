// Package updates implements the A/B update control plane: the boot-control
// state machine governing slot transitions and the system-set verifier that
// gates what may be staged.
package updates

import "errors"

// Slot is one of the two system partitions.
type Slot uint8

const (
	SlotA Slot = 0
	SlotB Slot = 1

	// slotNone is the persisted encoding of an absent optional slot.
	slotNone = 0xFF
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return "?"
	}
}

var (
	ErrNotStaged        = errors.New("bootctrl: no staged slot")
	ErrAlreadyPending   = errors.New("bootctrl: switch already pending")
	ErrNotPending       = errors.New("bootctrl: no pending slot")
	ErrNoRollbackTarget = errors.New("bootctrl: no rollback target")
	ErrBadStateRecord   = errors.New("bootctrl: bad state record")
)

// BootCtrl is the slot state machine. Singleton; the update service guards
// it with its own lock. Every transition is total: invalid inputs fail with
// one of the errors above, there are no silent no-ops.
//
// Invariants: a pending slot implies a rollback slot; the staged slot never
// equals the active slot; commit clears pending and rollback.
type BootCtrl struct {
	active      Slot
	pending     Slot
	hasPending  bool
	staged      Slot
	hasStaged   bool
	rollback    Slot
	hasRollback bool
	triesLeft   uint8
	healthOK    bool
}

// NewBootCtrl returns a controller booted from the given active slot with
// health confirmed.
func NewBootCtrl(active Slot) *BootCtrl {
	return &BootCtrl{active: active, healthOK: true}
}

// State is a copy of the controller state for reporting and persistence.
type State struct {
	Active      Slot
	Pending     Slot
	HasPending  bool
	Staged      Slot
	HasStaged   bool
	Rollback    Slot
	HasRollback bool
	TriesLeft   uint8
	HealthOK    bool
}

// Snapshot returns the current state.
func (b *BootCtrl) Snapshot() State {
	return State{
		Active:      b.active,
		Pending:     b.pending,
		HasPending:  b.hasPending,
		Staged:      b.staged,
		HasStaged:   b.hasStaged,
		Rollback:    b.rollback,
		HasRollback: b.hasRollback,
		TriesLeft:   b.triesLeft,
		HealthOK:    b.healthOK,
	}
}

// Active returns the running slot.
func (b *BootCtrl) Active() Slot { return b.active }

// Stage designates the inactive slot as the staged update target and
// returns it. Idempotent: staging twice is the same as staging once.
func (b *BootCtrl) Stage() Slot {
	b.staged = b.active.Other()
	b.hasStaged = true
	return b.staged
}

// Switch makes the staged slot active and pending with the given boot-try
// budget, saving the previous active slot as the rollback target. Health is
// unconfirmed until CommitHealth.
func (b *BootCtrl) Switch(tries uint8) error {
	if b.hasPending {
		return ErrAlreadyPending
	}
	if !b.hasStaged {
		return ErrNotStaged
	}
	previous := b.active
	b.active = b.staged
	b.pending = b.staged
	b.hasPending = true
	b.rollback = previous
	b.hasRollback = true
	b.staged = 0
	b.hasStaged = false
	b.triesLeft = tries
	b.healthOK = false
	return nil
}

// CommitHealth confirms the pending slot as healthy: pending and rollback
// are cleared and the try budget retires.
func (b *BootCtrl) CommitHealth() error {
	if !b.hasPending {
		return ErrNotPending
	}
	b.hasPending = false
	b.hasRollback = false
	b.triesLeft = 0
	b.healthOK = true
	return nil
}

// TickBootAttempt burns one boot attempt while a switch is pending. When
// the budget reaches zero the controller rolls back automatically and
// returns the restored slot.
func (b *BootCtrl) TickBootAttempt() (Slot, bool) {
	if !b.hasPending {
		return 0, false
	}
	if b.triesLeft > 0 {
		b.triesLeft--
	}
	if b.triesLeft > 0 {
		return 0, false
	}
	target := b.rollback
	if err := b.Rollback(); err != nil {
		return 0, false
	}
	return target, true
}

// Rollback restores the saved rollback slot as active and clears pending,
// staged and rollback.
func (b *BootCtrl) Rollback() error {
	if !b.hasRollback {
		return ErrNoRollbackTarget
	}
	b.active = b.rollback
	b.hasPending = false
	b.hasStaged = false
	b.hasRollback = false
	b.triesLeft = 0
	b.healthOK = true
	return nil
}

// stateRecordVersion tags the persisted layout.
const stateRecordVersion = 1

// StateRecordSize is the persisted record length.
const StateRecordSize = 6

const healthBit = 0x80

// EncodeState serialises the state for the /state/boot/bootctl.v1 key:
// version, active, pending, staged, rollback (0xFF = none), then the try
// counter with health in the top bit.
func EncodeState(s State) []byte {
	b := make([]byte, StateRecordSize)
	b[0] = stateRecordVersion
	b[1] = byte(s.Active)
	b[2] = encodeOptSlot(s.Pending, s.HasPending)
	b[3] = encodeOptSlot(s.Staged, s.HasStaged)
	b[4] = encodeOptSlot(s.Rollback, s.HasRollback)
	b[5] = s.TriesLeft & 0x7F
	if s.HealthOK {
		b[5] |= healthBit
	}
	return b
}

// DecodeState parses a persisted state record.
func DecodeState(b []byte) (State, error) {
	if len(b) != StateRecordSize || b[0] != stateRecordVersion {
		return State{}, ErrBadStateRecord
	}
	var s State
	var err error
	if s.Active, err = decodeSlot(b[1]); err != nil {
		return State{}, err
	}
	if s.Pending, s.HasPending, err = decodeOptSlot(b[2]); err != nil {
		return State{}, err
	}
	if s.Staged, s.HasStaged, err = decodeOptSlot(b[3]); err != nil {
		return State{}, err
	}
	if s.Rollback, s.HasRollback, err = decodeOptSlot(b[4]); err != nil {
		return State{}, err
	}
	s.TriesLeft = b[5] & 0x7F
	s.HealthOK = b[5]&healthBit != 0
	if s.HasPending && !s.HasRollback {
		return State{}, ErrBadStateRecord
	}
	return s, nil
}

// Restore rebuilds a controller from a persisted state.
func Restore(s State) *BootCtrl {
	return &BootCtrl{
		active:      s.Active,
		pending:     s.Pending,
		hasPending:  s.HasPending,
		staged:      s.Staged,
		hasStaged:   s.HasStaged,
		rollback:    s.Rollback,
		hasRollback: s.HasRollback,
		triesLeft:   s.TriesLeft,
		healthOK:    s.HealthOK,
	}
}

func encodeOptSlot(s Slot, ok bool) byte {
	if !ok {
		return slotNone
	}
	return byte(s)
}

func decodeSlot(b byte) (Slot, error) {
	if b != byte(SlotA) && b != byte(SlotB) {
		return 0, ErrBadStateRecord
	}
	return Slot(b), nil
}

func decodeOptSlot(b byte) (Slot, bool, error) {
	if b == slotNone {
		return 0, false, nil
	}
	s, err := decodeSlot(b)
	return s, err == nil, err
}
