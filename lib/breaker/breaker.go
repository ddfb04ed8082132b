// Package breaker implements the classic three-state circuit breaker keyed
// by operation type ("provision_general", "provision_vpn:<name>"). Three
// failures inside the window open the circuit; after the open period one
// half-open probe is allowed, and its outcome closes or re-opens the
// circuit.
package breaker

import (
	"sync"
	"time"
)

// State of one circuit.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Well-known operation keys.
const (
	OpProvisionGeneral = "provision_general"
	opProvisionVPN     = "provision_vpn:"
)

// OpProvisionVPN returns the per-VPN provisioning key.
func OpProvisionVPN(name string) string { return opProvisionVPN + name }

type circuit struct {
	failures   []time.Time
	state      State
	openedAt   time.Time
	probing    bool
}

// Breaker tracks circuits by key.
type Breaker struct {
	mu            sync.Mutex
	circuits      map[string]*circuit
	failLimit     int
	failureWindow time.Duration
	openPeriod    time.Duration
	now           func() time.Time
}

// Option mutates a Breaker at construction.
type Option func(*Breaker)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a breaker: 3 failures within 120 s open the circuit for 30 s.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		circuits:      make(map[string]*circuit),
		failLimit:     3,
		failureWindow: 120 * time.Second,
		openPeriod:    30 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether the operation may be attempted. In half-open state
// only a single probe passes until its outcome is recorded.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	switch c.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(c.openedAt) < b.openPeriod {
			return false
		}
		c.state = HalfOpen
		c.probing = true
		return true
	case HalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

// Success records a successful attempt, closing the circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	c.state = Closed
	c.probing = false
	c.failures = c.failures[:0]
}

// Failure records a failed attempt. Crossing the threshold, or failing
// the half-open probe, opens the circuit.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := b.get(key)

	if c.state == HalfOpen {
		c.state = Open
		c.openedAt = now
		c.probing = false
		c.failures = c.failures[:0]
		return
	}

	cutoff := now.Add(-b.failureWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)

	if len(c.failures) >= b.failLimit {
		c.state = Open
		c.openedAt = now
		c.failures = c.failures[:0]
	}
}

// StateOf returns the current state of a circuit, resolving open → half-
// open when the open period has elapsed.
func (b *Breaker) StateOf(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	if c.state == Open && b.now().Sub(c.openedAt) >= b.openPeriod {
		return HalfOpen
	}
	return c.state
}

// AnyOpen reports whether any circuit is currently open.
func (b *Breaker) AnyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for _, c := range b.circuits {
		if c.state == Open && now.Sub(c.openedAt) < b.openPeriod {
			return true
		}
	}
	return false
}
