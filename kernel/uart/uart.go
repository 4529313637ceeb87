// Package uart models the serial diagnostics port as a process-wide state
// object with explicit init and teardown. All output goes through a coarse
// lock, and output is refused between an address-space switch and the
// post-switch marker.
package uart

import (
	"errors"
	"io"
	"sync"
)

var (
	ErrClosed = errors.New("uart: closed")
	ErrGated  = errors.New("uart: gated across address-space switch")
)

// switchMarker is the first line emitted after an address-space switch.
const switchMarker = "## as-switch complete"

// Diag is the diagnostics port.
type Diag struct {
	mu      sync.Mutex
	w       io.Writer
	open    bool
	gated   bool
	dropped uint64
}

// Init opens the port over w.
func Init(w io.Writer) *Diag {
	return &Diag{w: w, open: true}
}

// WriteLine emits one diagnostic line. Fails with ErrGated while a switch
// is in progress; gated writes are counted, never silently lost.
func (d *Diag) WriteLine(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	if d.gated {
		d.dropped++
		return ErrGated
	}
	_, err := io.WriteString(d.w, s+"\n")
	return err
}

// Suspend closes the gate ahead of an address-space switch.
func (d *Diag) Suspend() {
	d.mu.Lock()
	d.gated = true
	d.mu.Unlock()
}

// Resume emits the post-switch marker and reopens the gate.
func (d *Diag) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.gated {
		return
	}
	if d.open {
		_, _ = io.WriteString(d.w, switchMarker+"\n")
	}
	d.gated = false
}

// Dropped reports how many writes were refused while gated.
func (d *Diag) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close tears the port down. Further writes fail with ErrClosed.
func (d *Diag) Close() {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
}
