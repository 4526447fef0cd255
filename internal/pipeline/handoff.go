package pipeline

import "sync"

// Handoff is a single-slot wake-up token between the display goroutine and
// the render goroutine. Signals do not queue: any number of Signal calls
// before a Wait satisfy exactly one Wait. Each signal also records the
// overlay framebuffer that is on the plane after that display iteration.
type Handoff struct {
	mu        sync.Mutex
	cond      *sync.Cond
	signaled  bool
	committed uint32
	closed    bool
}

func NewHandoff() *Handoff {
	h := &Handoff{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Signal sets the token, records committed as the overlay framebuffer on
// screen and wakes a waiter.
func (h *Handoff) Signal(committed uint32) {
	h.mu.Lock()
	h.signaled = true
	h.committed = committed
	h.mu.Unlock()
	h.cond.Signal()
}

// Wait blocks until the token is set, then clears it. It returns false once
// the handoff is closed.
func (h *Handoff) Wait() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.signaled && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return false
	}
	h.signaled = false
	return true
}

// WaitCommitted blocks until a signal reports fb on screen, then clears the
// token. Signals carrying any other framebuffer are consumed without
// returning. It returns false once the handoff is closed.
func (h *Handoff) WaitCommitted(fb uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.committed != fb && !h.closed {
		h.signaled = false
		h.cond.Wait()
	}
	if h.closed {
		return false
	}
	h.signaled = false
	return true
}

// Close releases every current and future Wait.
func (h *Handoff) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cond.Broadcast()
}

func (h *Handoff) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
