package engine

import (
	"sync"
	"time"

	"github.com/deltahedge/hedger/internal/state"
)

// GateConfig holds tunable parameters for the Gate.
type GateConfig struct {
	// Cooldown is how long evaluation stays suspended after a corrective
	// order was accepted. Default: 3s.
	Cooldown time.Duration

	// StaleAfter is the maximum age of either side's AccountState before
	// corrections are withheld. Zero disables the check. Default: 10s,
	// about three missed polls.
	StaleAfter time.Duration
}

// DefaultStaleAfter bounds the age of account state the engine acts on.
const DefaultStaleAfter = 10 * time.Second

// DefaultGateConfig returns production defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{Cooldown: 3 * time.Second, StaleAfter: DefaultStaleAfter}
}

// Gate decides whether the engine may act on a pairing. It enforces:
//   - Manual halt (auto-balance off)
//   - Cooldown after a correction, so state can catch up with the order
//   - Staleness of either side, e.g. a follower whose stream halted
type Gate struct {
	cfg GateConfig

	mu            sync.RWMutex
	halted        bool
	cooldownUntil time.Time

	nowFunc func() time.Time // injectable clock for testing
}

// NewGate returns an open gate.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg, nowFunc: time.Now}
}

// ManualHalt blocks all corrections until Resume is called.
func (g *Gate) ManualHalt() {
	g.mu.Lock()
	g.halted = true
	g.mu.Unlock()
}

// Resume clears the manual halt. A running cooldown still applies.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.halted = false
	g.mu.Unlock()
}

// Halted reports whether auto-balance is off.
func (g *Gate) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// Trip starts the cooldown window.
func (g *Gate) Trip() {
	g.mu.Lock()
	g.cooldownUntil = g.nowFunc().Add(g.cfg.Cooldown)
	g.mu.Unlock()
}

// SetCooldown changes the window used by later Trip calls.
func (g *Gate) SetCooldown(d time.Duration) {
	g.mu.Lock()
	g.cfg.Cooldown = d
	g.mu.Unlock()
}

// CoolingDown reports whether the cooldown window is open and how long it
// has left.
func (g *Gate) CoolingDown() (bool, time.Duration) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	left := g.cooldownUntil.Sub(g.nowFunc())
	if left <= 0 {
		return false, 0
	}
	return true, left
}

// Block reasons returned by Check.
const (
	ReasonHalted   = "auto-balance halted"
	ReasonCooldown = "cooling down after correction"
	ReasonStale    = "account state is stale"
)

// Check returns "" when the engine may act on p, otherwise the reason it may
// not. p must be complete.
func (g *Gate) Check(p state.Pair) string {
	g.mu.RLock()
	halted := g.halted
	until := g.cooldownUntil
	staleAfter := g.cfg.StaleAfter
	g.mu.RUnlock()

	now := g.nowFunc()
	switch {
	case halted:
		return ReasonHalted
	case now.Before(until):
		return ReasonCooldown
	case staleAfter > 0 && (now.Sub(p.A.UpdatedAt) > staleAfter || now.Sub(p.B.UpdatedAt) > staleAfter):
		return ReasonStale
	}
	return ""
}
