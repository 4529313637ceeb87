package ipc

import (
	"errors"
	"time"
)

var (
	ErrNoSuchEndpoint = errors.New("ipc: no such endpoint")
	ErrQueueFull      = errors.New("ipc: queue full")
	ErrQueueEmpty     = errors.New("ipc: queue empty")
	ErrTimedOut       = errors.New("ipc: timed out")
	ErrNoSpace        = errors.New("ipc: endpoint limit reached")
)

const (
	// DefaultDepth is the queue depth used when CreateEndpoint is given 0.
	DefaultDepth = 8
	minDepth     = 1
	maxDepth     = 256

	// MaxEndpoints bounds the router; MaxEndpointsPerOwner bounds one task.
	MaxEndpoints         = 384
	MaxEndpointsPerOwner = 96

	// Byte budgets. A queue full of maximum messages on one endpoint may
	// not starve the rest of the system.
	perSlotByteBudget = 8 * 1024
	ownerByteBudget   = 256 * 1024
	globalByteBudget  = 1024 * 1024
)

// Wait selects the suspension behaviour of Send and Recv.
type Wait struct {
	block   bool
	timeout time.Duration
}

// NonBlocking fails immediately with ErrQueueFull / ErrQueueEmpty.
func NonBlocking() Wait { return Wait{} }

// Blocking suspends the caller until the operation can complete.
func Blocking() Wait { return Wait{block: true} }

// Timeout suspends the caller for at most d, then fails with ErrTimedOut.
// On timeout no message is half-sent and no message is consumed.
func Timeout(d time.Duration) Wait { return Wait{block: true, timeout: d} }

type endpoint struct {
	id     uint32
	owner  uint32
	depth  int
	queue  []Message
	bytes  int
	alive  bool
	notify chan struct{}
}

func (e *endpoint) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Router owns every endpoint and mediates all message transfer. Endpoints
// are addressed by stable ids; tasks hold ids in their capability tables,
// never references.
type Router struct {
	mu         chan struct{} // 1-slot semaphore, see lock/unlock
	endpoints  map[uint32]*endpoint
	nextID     uint32
	ownerCount map[uint32]int
	ownerBytes map[uint32]int
	totalBytes int

	// space is closed and replaced whenever queue bytes are released. A
	// sender refused by the owner or global byte budget may be parked on an
	// endpoint other than the one that frees space, so releases are a
	// broadcast, not a single wake.
	space chan struct{}
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	r := &Router{
		mu:         make(chan struct{}, 1),
		endpoints:  make(map[uint32]*endpoint),
		ownerCount: make(map[uint32]int),
		ownerBytes: make(map[uint32]int),
		space:      make(chan struct{}),
	}
	r.mu <- struct{}{}
	return r
}

func (r *Router) lock()   { <-r.mu }
func (r *Router) unlock() { r.mu <- struct{}{} }

func (r *Router) releaseSpaceLocked() {
	close(r.space)
	r.space = make(chan struct{})
}

// CreateEndpoint allocates a new endpoint for owner with the given queue
// depth (0 selects DefaultDepth; out-of-range depths are clamped to 1..256)
// and returns its id.
func (r *Router) CreateEndpoint(owner uint32, depth int) (uint32, error) {
	if depth == 0 {
		depth = DefaultDepth
	}
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}

	r.lock()
	defer r.unlock()
	if len(r.endpoints) >= MaxEndpoints {
		return 0, ErrNoSpace
	}
	if r.ownerCount[owner] >= MaxEndpointsPerOwner {
		return 0, ErrNoSpace
	}
	id := r.nextID
	r.nextID++
	r.endpoints[id] = &endpoint{
		id:     id,
		owner:  owner,
		depth:  depth,
		alive:  true,
		notify: make(chan struct{}, 1),
	}
	r.ownerCount[owner]++
	return id, nil
}

// CloseEndpointsFor tears down every endpoint owned by the task. Queued
// messages are dropped and any caller blocked on one of the endpoints is
// woken with ErrNoSuchEndpoint.
func (r *Router) CloseEndpointsFor(owner uint32) int {
	r.lock()
	closed := 0
	for id, ep := range r.endpoints {
		if ep.owner != owner {
			continue
		}
		r.totalBytes -= ep.bytes
		r.ownerBytes[owner] -= ep.bytes
		ep.queue = nil
		ep.bytes = 0
		ep.alive = false
		delete(r.endpoints, id)
		closed++
		// The endpoint is out of the map, so no further wake() can race
		// this close; closing releases every blocked waiter at once.
		close(ep.notify)
	}
	if closed > 0 {
		delete(r.ownerCount, owner)
		delete(r.ownerBytes, owner)
		r.releaseSpaceLocked()
	}
	r.unlock()
	return closed
}

// EndpointAlive reports whether id refers to a live endpoint.
func (r *Router) EndpointAlive(id uint32) bool {
	r.lock()
	defer r.unlock()
	_, ok := r.endpoints[id]
	return ok
}

// Send enqueues msg on the endpoint. The payload has already been truncated
// to the declared header length by NewMessage. A message is either enqueued
// or an error is returned; messages are never dropped silently.
func (r *Router) Send(id uint32, msg Message, w Wait) error {
	deadline, hasDeadline := waitDeadline(w)
	for {
		r.lock()
		ep, ok := r.endpoints[id]
		if !ok {
			r.unlock()
			return ErrNoSuchEndpoint
		}
		if r.trySendLocked(ep, msg) {
			ep.wake()
			r.unlock()
			return nil
		}
		notify := ep.notify
		space := r.space
		r.unlock()

		if !w.block {
			return ErrQueueFull
		}
		if err := waitSend(notify, space, deadline, hasDeadline); err != nil {
			return err
		}
	}
}

func (r *Router) trySendLocked(ep *endpoint, msg Message) bool {
	cost := msg.wireBytes()
	if len(ep.queue) >= ep.depth {
		return false
	}
	if ep.bytes+cost > ep.depth*perSlotByteBudget {
		return false
	}
	if r.ownerBytes[ep.owner]+cost > ownerByteBudget {
		return false
	}
	if r.totalBytes+cost > globalByteBudget {
		return false
	}
	ep.queue = append(ep.queue, msg)
	ep.bytes += cost
	r.ownerBytes[ep.owner] += cost
	r.totalBytes += cost
	return true
}

// Recv dequeues the oldest message from the endpoint. Delivery order per
// endpoint is strict FIFO.
func (r *Router) Recv(id uint32, w Wait) (Message, error) {
	deadline, hasDeadline := waitDeadline(w)
	for {
		r.lock()
		ep, ok := r.endpoints[id]
		if !ok {
			r.unlock()
			return Message{}, ErrNoSuchEndpoint
		}
		if len(ep.queue) > 0 {
			msg := ep.queue[0]
			ep.queue = ep.queue[1:]
			cost := msg.wireBytes()
			ep.bytes -= cost
			r.ownerBytes[ep.owner] -= cost
			r.totalBytes -= cost
			ep.wake()
			r.releaseSpaceLocked()
			r.unlock()
			return msg, nil
		}
		notify := ep.notify
		r.unlock()

		if !w.block {
			return Message{}, ErrQueueEmpty
		}
		if err := waitOn(notify, deadline, hasDeadline); err != nil {
			if errors.Is(err, ErrTimedOut) {
				return Message{}, ErrTimedOut
			}
			return Message{}, err
		}
	}
}

// RequeueFront puts msg back at the head of the queue. Used by cooperative
// retry paths that dequeued a message they cannot yet process; the depth
// check is skipped so the message cannot be lost.
func (r *Router) RequeueFront(id uint32, msg Message) error {
	r.lock()
	defer r.unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return ErrNoSuchEndpoint
	}
	cost := msg.wireBytes()
	ep.queue = append([]Message{msg}, ep.queue...)
	ep.bytes += cost
	r.ownerBytes[ep.owner] += cost
	r.totalBytes += cost
	ep.wake()
	return nil
}

// Depth reports queued message count, for diagnostics.
func (r *Router) Depth(id uint32) (int, error) {
	r.lock()
	defer r.unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return 0, ErrNoSuchEndpoint
	}
	return len(ep.queue), nil
}

func waitDeadline(w Wait) (time.Time, bool) {
	if w.block && w.timeout > 0 {
		return time.Now().Add(w.timeout), true
	}
	return time.Time{}, false
}

// waitSend parks a sender until its endpoint is woken or queue bytes are
// released anywhere in the router. Spurious wakes re-enter the send loop.
func waitSend(notify, space <-chan struct{}, deadline time.Time, hasDeadline bool) error {
	if !hasDeadline {
		select {
		case <-notify:
		case <-space:
		}
		return nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimedOut
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-notify:
		return nil
	case <-space:
		return nil
	case <-timer.C:
		return ErrTimedOut
	}
}

func waitOn(notify <-chan struct{}, deadline time.Time, hasDeadline bool) error {
	if !hasDeadline {
		<-notify
		return nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimedOut
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-notify:
		return nil
	case <-timer.C:
		return ErrTimedOut
	}
}
