// Package engine runs the reconciliation loop that keeps the follower
// account's position equal and opposite to the benchmark account's.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/scheduler"
	"github.com/deltahedge/hedger/internal/state"
)

// DefaultEpsilon is the discrepancy treated as zero.
const DefaultEpsilon = 1e-6

// Phase is the engine's observable state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAwaitingData
	PhaseEvaluating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingData:
		return "awaiting_data"
	case PhaseEvaluating:
		return "evaluating"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{PhaseIdle, PhaseAwaitingData, PhaseEvaluating} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("engine: unknown phase %q", b)
}

// OrderPlacer submits orders on the follower exchange.
type OrderPlacer interface {
	Exchange() adapter.Exchange
	CreateOrder(ctx context.Context, req adapter.OrderRequest) error
}

// Config holds the reconciler parameters. Zero fields take DefaultConfig
// values.
type Config struct {
	Interval time.Duration
	Epsilon  float64
	Symbol   adapter.Symbol
}

// DefaultConfig returns a 3s interval, DefaultEpsilon and BTC.
func DefaultConfig() Config {
	return Config{
		Interval: 3 * time.Second,
		Epsilon:  DefaultEpsilon,
		Symbol:   adapter.SymbolBTC,
	}
}

// Correction is the order that drives the discrepancy back to zero.
type Correction struct {
	Discrepancy float64
	Direction   adapter.Direction
	Quantity    float64
}

// Evaluate compares benchmark a with follower b. It reports a correction
// when |signed(a) + signed(b)| exceeds eps: SHORT when the sum is positive,
// LONG when negative, sized to the absolute sum.
func Evaluate(a, b adapter.Position, eps float64) (Correction, bool) {
	d := a.Signed() + b.Signed()
	if math.Abs(d) <= eps {
		return Correction{Discrepancy: d}, false
	}
	c := Correction{Discrepancy: d, Quantity: math.Abs(d), Direction: adapter.DirectionLong}
	if d > 0 {
		c.Direction = adapter.DirectionShort
	}
	return c, true
}

// Reconciler consumes pairings from the StateStore and, on its own
// interval, issues at most one corrective MARKET order on the follower per
// tick. A failed tick is logged; the loop never stops because of one.
type Reconciler struct {
	gate  *Gate
	pairs <-chan state.Pair
	emit  *adapter.Emitter
	task  *scheduler.Repeat

	mu       sync.Mutex
	cfg      Config
	latest   state.Pair
	have     bool
	follower OrderPlacer
	phase    Phase
}

// New returns a Reconciler consuming pairs. It places nothing until
// SetFollower is called.
func New(cfg Config, pairs <-chan state.Pair, gate *Gate, pub adapter.Publisher, logger *zap.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if !cfg.Symbol.Valid() {
		cfg.Symbol = def.Symbol
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		cfg:   cfg,
		gate:  gate,
		pairs: pairs,
		emit:  adapter.NewEmitter("", pub, logger.Named("engine")),
	}
	r.task = scheduler.NewRepeat(cfg.Interval, scheduler.TaskFunc(func(ctx context.Context) error {
		_, err := r.Tick(ctx)
		return err
	}))
	return r
}

// Run starts the tick loop and records pairings until ctx is done or the
// pairing channel is closed.
func (r *Reconciler) Run(ctx context.Context) error {
	r.task.Start(ctx)
	defer r.task.Stop()
	r.emit.Info("reconciliation engine started", zap.Duration("interval", r.task.Interval()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-r.pairs:
			if !ok {
				return nil
			}
			r.Observe(p)
		}
	}
}

// Observe records p as the latest pairing.
func (r *Reconciler) Observe(p state.Pair) {
	r.mu.Lock()
	r.latest = p
	r.have = true
	r.mu.Unlock()
}

// SetFollower installs the adapter corrections are sent to. nil disables
// corrections.
func (r *Reconciler) SetFollower(p OrderPlacer) {
	r.mu.Lock()
	r.follower = p
	r.mu.Unlock()
}

// SetSymbol retargets corrections and forgets the pairing of the previous
// symbol.
func (r *Reconciler) SetSymbol(sym adapter.Symbol) {
	r.mu.Lock()
	r.cfg.Symbol = sym
	r.latest = state.Pair{}
	r.have = false
	r.mu.Unlock()
}

// SetInterval changes the tick period; it applies from the next wait.
func (r *Reconciler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.task.SetInterval(d)
	r.emit.Info(fmt.Sprintf("engine interval set to %s", d))
}

// Interval returns the current tick period.
func (r *Reconciler) Interval() time.Duration { return r.task.Interval() }

// Gate returns the gate guarding corrections.
func (r *Reconciler) Gate() *Gate { return r.gate }

// Phase returns the current engine phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// setPhase records p and reports whether it changed.
func (r *Reconciler) setPhase(p Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.phase != p
	r.phase = p
	return changed
}

// Tick runs one evaluation. It returns the corrective order it submitted,
// or nil when none was needed or allowed.
func (r *Reconciler) Tick(ctx context.Context) (*adapter.OrderRequest, error) {
	r.mu.Lock()
	pair, have := r.latest, r.have
	follower := r.follower
	cfg := r.cfg
	r.mu.Unlock()

	log := r.emit.Logger()
	if !have || !pair.Complete() {
		if r.setPhase(PhaseAwaitingData) {
			r.emit.Info("waiting for both account states")
		}
		log.Debug("tick skipped, pairing incomplete")
		return nil, nil
	}
	if reason := r.gate.Check(pair); reason != "" {
		r.setPhase(PhaseIdle)
		log.Debug("tick skipped", zap.String("reason", reason))
		return nil, nil
	}

	r.setPhase(PhaseEvaluating)
	defer r.setPhase(PhaseIdle)

	corr, needed := Evaluate(pair.A.Position, pair.B.Position, cfg.Epsilon)
	if !needed {
		return nil, nil
	}
	if follower == nil || follower.Exchange() != pair.Follower {
		r.emit.Warn(fmt.Sprintf("discrepancy %s but follower %s has no adapter",
			adapter.FormatDecimal(corr.Discrepancy), pair.Follower))
		return nil, nil
	}

	req := adapter.OrderRequest{
		Symbol:    cfg.Symbol,
		Type:      adapter.OrderTypeMarket,
		Direction: corr.Direction,
		Quantity:  corr.Quantity,
	}
	r.emit.Warn(fmt.Sprintf("discrepancy %s detected, correcting on %s: %s",
		adapter.FormatDecimal(corr.Discrepancy), pair.Follower.DisplayName(), req))

	if err := follower.CreateOrder(ctx, req); err != nil {
		r.emit.Error("corrective order failed", err)
		return nil, err
	}
	r.gate.Trip()
	r.emit.Success("corrective order submitted: " + req.String())
	return &req, nil
}
