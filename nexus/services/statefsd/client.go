package statefsd

import (
	"errors"
	"fmt"
	"time"

	"github.com/open-nexus-os/nexus-core/kernel/ipc"
	"github.com/open-nexus-os/nexus-core/nexus/proto"
	"github.com/open-nexus-os/nexus-core/nexus/statefs"
)

// DefaultCallTimeout bounds one request/response round trip.
const DefaultCallTimeout = 2 * time.Second

// ErrBadStatus wraps a non-OK response status that has no sentinel mapping.
var ErrBadStatus = errors.New("statefsd: request failed")

// Client issues store requests over the router from its own reply endpoint.
// Safe for a single caller; concurrent users need one client each.
type Client struct {
	router  *ipc.Router
	server  uint32
	reply   uint32
	timeout time.Duration
}

// NewClient creates a reply endpoint for owner and binds it to the server
// endpoint.
func NewClient(router *ipc.Router, server, owner uint32) (*Client, error) {
	reply, err := router.CreateEndpoint(owner, 0)
	if err != nil {
		return nil, err
	}
	return &Client{router: router, server: server, reply: reply, timeout: DefaultCallTimeout}, nil
}

func (c *Client) call(req proto.StateFSRequest) (proto.StateFSResponse, error) {
	frame := req.Encode()
	if len(frame) > ipc.MaxPayload {
		return proto.StateFSResponse{}, statefs.ErrValueTooLarge
	}
	h := ipc.Header{
		Src: c.reply,
		Dst: c.server,
		Ty:  uint16(proto.MsgStateFS),
		Len: uint32(len(frame)),
	}
	if err := c.router.Send(c.server, ipc.NewMessage(h, frame), ipc.Timeout(c.timeout)); err != nil {
		return proto.StateFSResponse{}, err
	}
	msg, err := c.router.Recv(c.reply, ipc.Timeout(c.timeout))
	if err != nil {
		return proto.StateFSResponse{}, err
	}
	resp, err := proto.DecodeStateFSResponse(msg.Payload)
	if err != nil {
		return proto.StateFSResponse{}, err
	}
	return resp, statusErr(resp.Status)
}

func statusErr(st proto.Status) error {
	switch st {
	case proto.StatusOK:
		return nil
	case proto.StatusNotFound:
		return statefs.ErrNotFound
	case proto.StatusInvalid:
		return statefs.ErrInvalidKey
	case proto.StatusTooLarge:
		return statefs.ErrValueTooLarge
	case proto.StatusFull:
		return statefs.ErrJournalFull
	case proto.StatusIntegrity:
		return statefs.ErrCorrupted
	default:
		return fmt.Errorf("%w: %s", ErrBadStatus, st)
	}
}

// Get fetches the value stored under key.
func (c *Client) Get(key string) ([]byte, error) {
	resp, err := c.call(proto.StateFSRequest{Op: proto.StateFSGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Put stores value under key.
func (c *Client) Put(key string, value []byte) error {
	_, err := c.call(proto.StateFSRequest{Op: proto.StateFSPut, Key: key, Value: value})
	return err
}

// Delete removes key.
func (c *Client) Delete(key string) error {
	_, err := c.call(proto.StateFSRequest{Op: proto.StateFSDelete, Key: key})
	return err
}

// List returns the live keys under prefix.
func (c *Client) List(prefix string) ([]string, error) {
	resp, err := c.call(proto.StateFSRequest{Op: proto.StateFSList, Key: prefix})
	if err != nil {
		return nil, err
	}
	return proto.DecodeKeyList(resp.Payload)
}

// Sync flushes the journal to stable storage.
func (c *Client) Sync() error {
	_, err := c.call(proto.StateFSRequest{Op: proto.StateFSSync})
	return err
}

// Stats fetches the journal statistics.
func (c *Client) Stats() (statefs.Stats, error) {
	resp, err := c.call(proto.StateFSRequest{Op: proto.StateFSStats})
	if err != nil {
		return statefs.Stats{}, err
	}
	records, dropped, bytesUsed, liveKeys, err := proto.DecodeStats(resp.Payload)
	if err != nil {
		return statefs.Stats{}, err
	}
	return statefs.Stats{
		Records:        records,
		DroppedRecords: dropped,
		LiveKeys:       liveKeys,
		BytesUsed:      bytesUsed,
	}, nil
}

// Checkpoint compacts the journal.
func (c *Client) Checkpoint() error {
	_, err := c.call(proto.StateFSRequest{Op: proto.StateFSCheckpoint})
	return err
}
