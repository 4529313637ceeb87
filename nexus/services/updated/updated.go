// Package updated runs the update control plane: it owns the boot-control
// state machine, verifies system-set archives before anything is staged and
// persists slot state through the state store.
package updated

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/nexus/proto"
	"github.com/open-nexus-os/nexus-core/nexus/statefs"
	"github.com/open-nexus-os/nexus-core/nexus/updates"
)

// StateKey is the store key holding the persisted boot-control record.
const StateKey = "/state/boot/bootctl.v1"

const pollInterval = 50 * time.Millisecond

// Store is the slice of the state store the manager needs for persistence.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Sync() error
}

// Manager owns the boot-control singleton. All transitions run under its
// lock and are persisted before the reply goes out.
type Manager struct {
	log    *zap.Logger
	pinned ed25519.PublicKey
	store  Store

	mu   sync.Mutex
	ctrl *updates.BootCtrl
}

// NewManager restores boot-control state from the store, falling back to a
// fresh controller on slot A when no record exists yet.
func NewManager(log *zap.Logger, store Store, pinned ed25519.PublicKey) (*Manager, error) {
	m := &Manager{log: log, pinned: pinned, store: store}

	rec, err := store.Get(StateKey)
	switch {
	case errors.Is(err, statefs.ErrNotFound):
		m.ctrl = updates.NewBootCtrl(updates.SlotA)
		log.Info("boot-control initialised", zap.String("active", updates.SlotA.String()))
	case err != nil:
		return nil, pkgerrors.Wrap(err, "load boot-control state")
	default:
		s, err := updates.DecodeState(rec)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "decode boot-control state")
		}
		m.ctrl = updates.Restore(s)
		log.Info("boot-control restored",
			zap.String("active", s.Active.String()),
			zap.Bool("pending", s.HasPending),
			zap.Uint8("tries_left", s.TriesLeft))
	}
	return m, nil
}

// Snapshot returns the current boot-control state.
func (m *Manager) Snapshot() updates.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl.Snapshot()
}

func (m *Manager) persistLocked() error {
	if err := m.store.Put(StateKey, updates.EncodeState(m.ctrl.Snapshot())); err != nil {
		return err
	}
	return m.store.Sync()
}

// Stage marks the inactive slot as the update target.
func (m *Manager) Stage() (updates.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.ctrl.Stage()
	return slot, m.persistLocked()
}

// Switch activates the staged slot with the given boot-try budget.
func (m *Manager) Switch(tries uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ctrl.Switch(tries); err != nil {
		return err
	}
	return m.persistLocked()
}

// CommitHealth confirms the pending slot.
func (m *Manager) CommitHealth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ctrl.CommitHealth(); err != nil {
		return err
	}
	return m.persistLocked()
}

// TickBootAttempt burns one boot attempt, rolling back on exhaustion.
func (m *Manager) TickBootAttempt() (updates.Slot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, rolled := m.ctrl.TickBootAttempt()
	if rolled {
		m.log.Warn("boot budget exhausted, rolled back",
			zap.String("restored", target.String()))
	}
	return target, rolled, m.persistLocked()
}

// Rollback restores the previous slot.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ctrl.Rollback(); err != nil {
		return err
	}
	return m.persistLocked()
}

// ApplySet verifies the system-set archive at path and stages the inactive
// slot on success. Nothing changes when verification fails.
func (m *Manager) ApplySet(path string) (*updates.SystemSetIndex, error) {
	txn := uuid.NewString()
	log := m.log.With(zap.String("txn", txn), zap.String("path", path))

	archive, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read system-set %q", path)
	}
	idx, payloads, err := updates.VerifySystemSet(archive, m.pinned)
	if err != nil {
		log.Warn("system-set rejected", zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.ctrl.Stage()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	log.Info("system-set staged",
		zap.String("version", idx.SystemVersion),
		zap.Int("bundles", len(payloads)),
		zap.String("slot", slot.String()))
	return idx, nil
}

// Server answers "UP" frames on a router endpoint, delegating to a Manager.
type Server struct {
	log    *zap.Logger
	mgr    *Manager
	router *ipc.Router
	ep     uint32
}

// NewServer registers an endpoint for owner on the router.
func NewServer(log *zap.Logger, mgr *Manager, router *ipc.Router, owner uint32) (*Server, error) {
	ep, err := router.CreateEndpoint(owner, 0)
	if err != nil {
		return nil, err
	}
	return &Server{log: log, mgr: mgr, router: router, ep: ep}, nil
}

// Endpoint returns the id clients send requests to.
func (s *Server) Endpoint() uint32 { return s.ep }

// Serve answers requests until ctx is cancelled or the endpoint is torn
// down.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("updated serving", zap.Uint32("endpoint", s.ep))
	for {
		if ctx.Err() != nil {
			s.log.Info("updated stopped")
			return nil
		}
		msg, err := s.router.Recv(s.ep, ipc.Timeout(pollInterval))
		if errors.Is(err, ipc.ErrTimedOut) {
			continue
		}
		if errors.Is(err, ipc.ErrNoSuchEndpoint) {
			s.log.Info("updated stopped")
			return nil
		}
		if err != nil {
			return err
		}
		if proto.Kind(msg.Header.Ty) == proto.MsgShutdown {
			s.log.Info("updated stopped")
			return nil
		}
		s.handleMessage(msg)
	}
}

func (s *Server) handleMessage(msg ipc.Message) {
	if proto.Kind(msg.Header.Ty) != proto.MsgUpdate {
		s.log.Warn("updated dropped message of wrong kind",
			zap.Uint32("src", msg.Header.Src),
			zap.String("kind", proto.Kind(msg.Header.Ty).String()))
		return
	}

	var resp proto.UpdateResponse
	req, err := proto.DecodeUpdateRequest(msg.Payload)
	if err != nil {
		resp = proto.UpdateResponse{Status: proto.StatusBadFrame}
	} else {
		resp = s.Handle(req)
	}

	frame := resp.Encode()
	h := ipc.Header{
		Src: s.ep,
		Dst: msg.Header.Src,
		Ty:  uint16(proto.MsgUpdateResp),
		Len: uint32(len(frame)),
	}
	if err := s.router.Send(msg.Header.Src, ipc.NewMessage(h, frame), ipc.Timeout(pollInterval)); err != nil {
		s.log.Warn("updated reply dropped",
			zap.Uint32("dst", msg.Header.Src), zap.Error(err))
	}
}

// Handle applies one decoded request to the manager.
func (s *Server) Handle(req proto.UpdateRequest) proto.UpdateResponse {
	var err error
	switch req.Op {
	case proto.UpdateStage:
		_, err = s.mgr.Stage()
	case proto.UpdateSwitch:
		err = s.mgr.Switch(req.Tries)
	case proto.UpdateCommitHealth:
		err = s.mgr.CommitHealth()
	case proto.UpdateTick:
		_, _, err = s.mgr.TickBootAttempt()
	case proto.UpdateRollback:
		err = s.mgr.Rollback()
	case proto.UpdateStatus:
		// Status is read-only; the state snapshot below is the payload.
	case proto.UpdateApplySet:
		_, err = s.mgr.ApplySet(req.Path)
	default:
		return proto.UpdateResponse{Op: req.Op, Status: proto.StatusInvalid}
	}

	resp := proto.UpdateResponse{
		Op:     req.Op,
		Status: statusOf(err),
		State:  updates.EncodeState(s.mgr.Snapshot()),
	}
	if err != nil {
		s.log.Debug("update request failed",
			zap.String("op", req.Op.String()), zap.Error(err))
	}
	return resp
}

func statusOf(err error) proto.Status {
	switch {
	case err == nil:
		return proto.StatusOK
	case errors.Is(err, updates.ErrAlreadyPending):
		return proto.StatusConflict
	case errors.Is(err, updates.ErrNotStaged),
		errors.Is(err, updates.ErrNotPending),
		errors.Is(err, updates.ErrNoRollbackTarget):
		return proto.StatusInvalid
	case errors.Is(err, updates.ErrInvalidSignature),
		errors.Is(err, updates.ErrDigestMismatch),
		errors.Is(err, updates.ErrInvalidIndex):
		return proto.StatusIntegrity
	case errors.Is(err, updates.ErrArchiveTooLarge),
		errors.Is(err, updates.ErrOversizedEntry):
		return proto.StatusTooLarge
	case errors.Is(err, updates.ErrArchiveMalformed),
		errors.Is(err, updates.ErrMissingEntry),
		errors.Is(err, updates.ErrUnexpectedEntry),
		errors.Is(err, updates.ErrBundleUnknown):
		return proto.StatusInvalid
	case errors.Is(err, os.ErrNotExist):
		return proto.StatusNotFound
	default:
		return proto.StatusInternal
	}
}
