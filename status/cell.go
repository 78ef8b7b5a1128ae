package status

import "sync"

// FirstErrorCell retains the first non-OK Status written to it; later
// writes are no-ops once an error is latched. It is the Go shape of
// the spec's "shared first-error cell with atomic update-if-OK
// semantics" used to fan the status of split task pieces back to a
// single caller.
type FirstErrorCell struct {
	mu     sync.Mutex
	status *Status
}

// Update records st if no error has been latched yet and st is
// non-OK. Calling Update with an OK status is always a no-op.
func (c *FirstErrorCell) Update(st *Status) {
	if Ok(st) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		c.status = st
	}
}

// Status returns the latched status, or nil if none was ever recorded.
func (c *FirstErrorCell) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
