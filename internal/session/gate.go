package session

import (
	"sync"
	"time"
)

// Gate tracks consecutive sandbox-start failures per connection and computes
// the exponential backoff window during which new starts are rejected without
// touching the adapter.
//
// The gate is per-connection: one connection's failures never delay another.
type Gate struct {
	base time.Duration
	max  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	conns map[string]*gateState
}

type gateState struct {
	failures     int
	backoffUntil time.Time
	notified     bool
}

// NewGate creates a Gate with the given backoff base and cap.
func NewGate(base, max time.Duration) *Gate {
	return &Gate{
		base:  base,
		max:   max,
		now:   time.Now,
		conns: make(map[string]*gateState),
	}
}

// Admit reports whether a start attempt from the connection may proceed.
// When rejected it returns the remaining backoff window.
func (g *Gate) Admit(connID string) (retryAfter time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.conns[connID]
	if st == nil {
		return 0, true
	}
	if remaining := st.backoffUntil.Sub(g.now()); remaining > 0 {
		return remaining, false
	}
	return 0, true
}

// OnSuccess resets the connection's failure state after a successful start.
func (g *Gate) OnSuccess(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, connID)
}

// OnFailure records a sandbox-unavailable start outcome and arms the next
// backoff window. It returns the consecutive failure count, the window length
// in seconds, and whether this is the first advisory since the last success
// (callers include recovery suggestions only once).
func (g *Gate) OnFailure(connID string) (failureCount, backoffSeconds int, firstNotice bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.conns[connID]
	if st == nil {
		st = &gateState{}
		g.conns[connID] = st
	}
	st.failures++

	backoff := g.base << (st.failures - 1)
	if st.failures > 16 || backoff > g.max || backoff <= 0 {
		backoff = g.max
	}
	st.backoffUntil = g.now().Add(backoff)

	firstNotice = !st.notified
	st.notified = true
	return st.failures, int(backoff / time.Second), firstNotice
}

// Reset clears all state for a connection. Called when the connection closes.
func (g *Gate) Reset(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, connID)
}
