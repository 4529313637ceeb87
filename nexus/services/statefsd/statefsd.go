// Package statefsd serves the journaled /state store over kernel IPC. One
// server goroutine owns the engine; clients talk to it with "SF" frames.
package statefsd

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/nexus/proto"
	"github.com/open-nexus-os/nexus-core/nexus/statefs"
)

// pollInterval bounds how long Serve stays blocked in Recv before checking
// for cancellation.
const pollInterval = 50 * time.Millisecond

// Server owns a statefs engine and answers request frames on its endpoint.
type Server struct {
	log    *zap.Logger
	eng    *statefs.Engine
	router *ipc.Router
	ep     uint32
}

// New registers an endpoint for owner on the router and returns a server
// ready to Serve.
func New(log *zap.Logger, eng *statefs.Engine, router *ipc.Router, owner uint32) (*Server, error) {
	ep, err := router.CreateEndpoint(owner, 0)
	if err != nil {
		return nil, err
	}
	return &Server{log: log, eng: eng, router: router, ep: ep}, nil
}

// Endpoint returns the id clients send requests to.
func (s *Server) Endpoint() uint32 { return s.ep }

// Serve answers requests until ctx is cancelled or the endpoint is torn
// down. The journal is synced on the way out.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("statefsd serving", zap.Uint32("endpoint", s.ep))
	for {
		if err := ctx.Err(); err != nil {
			return s.shutdown()
		}
		msg, err := s.router.Recv(s.ep, ipc.Timeout(pollInterval))
		if errors.Is(err, ipc.ErrTimedOut) {
			continue
		}
		if errors.Is(err, ipc.ErrNoSuchEndpoint) {
			return s.shutdown()
		}
		if err != nil {
			return err
		}
		if proto.Kind(msg.Header.Ty) == proto.MsgShutdown {
			return s.shutdown()
		}
		s.handleMessage(msg)
	}
}

func (s *Server) shutdown() error {
	if err := s.eng.Sync(); err != nil {
		s.log.Error("statefsd final sync failed", zap.Error(err))
		return err
	}
	s.log.Info("statefsd stopped")
	return nil
}

func (s *Server) handleMessage(msg ipc.Message) {
	if proto.Kind(msg.Header.Ty) != proto.MsgStateFS {
		s.log.Warn("statefsd dropped message of wrong kind",
			zap.Uint32("src", msg.Header.Src),
			zap.String("kind", proto.Kind(msg.Header.Ty).String()))
		return
	}

	var resp proto.StateFSResponse
	req, err := proto.DecodeStateFSRequest(msg.Payload)
	if err != nil {
		resp = proto.StateFSResponse{Status: proto.StatusBadFrame}
	} else {
		resp = s.Handle(req)
	}

	frame := resp.Encode()
	if len(frame) > ipc.MaxPayload {
		// The result does not fit an inline payload. Bulk data travels via
		// shared VMOs; the inline path reports the overflow instead.
		frame = proto.StateFSResponse{Op: resp.Op, Status: proto.StatusTooLarge}.Encode()
	}
	h := ipc.Header{
		Src: s.ep,
		Dst: msg.Header.Src,
		Ty:  uint16(proto.MsgStateFSResp),
		Len: uint32(len(frame)),
	}
	if err := s.router.Send(msg.Header.Src, ipc.NewMessage(h, frame), ipc.Timeout(pollInterval)); err != nil {
		s.log.Warn("statefsd reply dropped",
			zap.Uint32("dst", msg.Header.Src), zap.Error(err))
	}
}

// Handle applies one decoded request to the engine.
func (s *Server) Handle(req proto.StateFSRequest) proto.StateFSResponse {
	resp := proto.StateFSResponse{Op: req.Op, Status: proto.StatusOK}
	var err error
	switch req.Op {
	case proto.StateFSGet:
		resp.Payload, err = s.eng.Get(req.Key)
	case proto.StateFSPut:
		err = s.eng.Put(req.Key, req.Value)
	case proto.StateFSDelete:
		err = s.eng.Delete(req.Key)
	case proto.StateFSList:
		resp.Payload = proto.EncodeKeyList(s.eng.List(req.Key))
	case proto.StateFSSync:
		err = s.eng.Sync()
	case proto.StateFSStats:
		st := s.eng.Stats()
		resp.Payload = proto.EncodeStats(st.Records, st.DroppedRecords, st.BytesUsed, st.LiveKeys)
	case proto.StateFSCheckpoint:
		err = s.eng.Checkpoint()
	default:
		resp.Status = proto.StatusInvalid
		return resp
	}
	if err != nil {
		resp.Payload = nil
		resp.Status = statusOf(err)
		s.log.Debug("statefsd request failed",
			zap.String("op", req.Op.String()),
			zap.String("key", req.Key),
			zap.Error(err))
	}
	return resp
}

func statusOf(err error) proto.Status {
	switch {
	case err == nil:
		return proto.StatusOK
	case errors.Is(err, statefs.ErrNotFound):
		return proto.StatusNotFound
	case errors.Is(err, statefs.ErrInvalidKey):
		return proto.StatusInvalid
	case errors.Is(err, statefs.ErrValueTooLarge):
		return proto.StatusTooLarge
	case errors.Is(err, statefs.ErrJournalFull):
		return proto.StatusFull
	case errors.Is(err, statefs.ErrCorrupted):
		return proto.StatusIntegrity
	default:
		return proto.StatusInternal
	}
}
