package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/state"
)

type fakePlacer struct {
	ex adapter.Exchange

	mu     sync.Mutex
	orders []adapter.OrderRequest
	err    error
}

func (f *fakePlacer) Exchange() adapter.Exchange { return f.ex }

func (f *fakePlacer) CreateOrder(_ context.Context, req adapter.OrderRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.orders = append(f.orders, req)
	return nil
}

func (f *fakePlacer) sent() []adapter.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.OrderRequest(nil), f.orders...)
}

func pos(dir adapter.Direction, qty float64) adapter.Position {
	return adapter.NewPosition(dir, qty, 100)
}

func pairOf(a, b adapter.Position) state.Pair {
	return state.Pair{
		Benchmark: adapter.ExchangePacifica,
		Follower:  adapter.ExchangeLighter,
		A:         &adapter.AccountState{Exchange: adapter.ExchangePacifica, Position: a, UpdatedAt: time.Now()},
		B:         &adapter.AccountState{Exchange: adapter.ExchangeLighter, Position: b, UpdatedAt: time.Now()},
	}
}

func newTestReconciler(clock *fakeClock) (*Reconciler, *fakePlacer) {
	gate := NewGate(DefaultGateConfig())
	gate.nowFunc = clock.Now
	r := New(Config{Interval: time.Hour, Symbol: adapter.SymbolETH}, nil, gate, nil, nil)
	p := &fakePlacer{ex: adapter.ExchangeLighter}
	r.SetFollower(p)
	return r, p
}

func TestEvaluate_Scenarios(t *testing.T) {
	tests := []struct {
		name string
		a, b adapter.Position
		want bool
		dir  adapter.Direction
		qty  float64
	}{
		{"both long", pos(adapter.DirectionLong, 1.0), pos(adapter.DirectionLong, 1.0), true, adapter.DirectionShort, 2.0},
		{"follower flat", pos(adapter.DirectionShort, 0.5), adapter.Position{}, true, adapter.DirectionLong, 0.5},
		{"hedged", pos(adapter.DirectionLong, 2.0), pos(adapter.DirectionShort, 2.0), false, 0, 0},
		{"below epsilon", pos(adapter.DirectionLong, 1.0000005), pos(adapter.DirectionShort, 1.0), false, 0, 0},
		{"both flat", adapter.Position{}, adapter.Position{}, false, 0, 0},
		{"follower over-hedged", pos(adapter.DirectionLong, 1.0), pos(adapter.DirectionShort, 1.5), true, adapter.DirectionLong, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Evaluate(tt.a, tt.b, DefaultEpsilon)
			require.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, tt.dir, c.Direction)
				assert.InDelta(t, tt.qty, c.Quantity, 1e-12)
			}
		})
	}
}

func TestEvaluate_Property(t *testing.T) {
	for _, a := range []float64{-3, -1.25, -0.5, 0, 0.5, 1, 2.75} {
		for _, b := range []float64{-2, -1, -0.5, 0, 0.25, 1, 3} {
			pa, pb := signedPos(a), signedPos(b)
			c, ok := Evaluate(pa, pb, DefaultEpsilon)
			d := a + b
			if d > -DefaultEpsilon && d < DefaultEpsilon {
				assert.False(t, ok, "a=%v b=%v", a, b)
				continue
			}
			require.True(t, ok, "a=%v b=%v", a, b)
			// Applying the correction to b brings the sum to zero.
			after := pb.Signed() + signedOf(c)
			assert.InDelta(t, 0, pa.Signed()+after, 1e-9)
		}
	}
}

func signedPos(v float64) adapter.Position {
	switch {
	case v > 0:
		return pos(adapter.DirectionLong, v)
	case v < 0:
		return pos(adapter.DirectionShort, -v)
	}
	return adapter.Position{}
}

func signedOf(c Correction) float64 {
	if c.Direction == adapter.DirectionShort {
		return -c.Quantity
	}
	return c.Quantity
}

func TestTick_Scenario1(t *testing.T) {
	r, p := newTestReconciler(newFakeClock(time.Now()))
	r.Observe(pairOf(pos(adapter.DirectionLong, 1.0), pos(adapter.DirectionLong, 1.0)))

	req, err := r.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, req)

	sent := p.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, adapter.OrderRequest{
		Symbol: adapter.SymbolETH, Type: adapter.OrderTypeMarket,
		Direction: adapter.DirectionShort, Quantity: 2.0,
	}, sent[0])
	assert.Equal(t, PhaseIdle, r.Phase())
}

func TestTick_Scenario2(t *testing.T) {
	r, p := newTestReconciler(newFakeClock(time.Now()))
	r.Observe(pairOf(pos(adapter.DirectionShort, 0.5), adapter.Position{}))

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	sent := p.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, adapter.DirectionLong, sent[0].Direction)
	assert.InDelta(t, 0.5, sent[0].Quantity, 1e-12)
}

func TestTick_Scenarios3And4NoOrder(t *testing.T) {
	r, p := newTestReconciler(newFakeClock(time.Now()))

	r.Observe(pairOf(pos(adapter.DirectionLong, 2.0), pos(adapter.DirectionShort, 2.0)))
	req, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, req)

	r.Observe(pairOf(pos(adapter.DirectionLong, 1.0000005), pos(adapter.DirectionShort, 1.0)))
	req, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, req)

	assert.Empty(t, p.sent())
}

func TestTick_AwaitingData(t *testing.T) {
	r, p := newTestReconciler(newFakeClock(time.Now()))

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingData, r.Phase())

	half := pairOf(pos(adapter.DirectionLong, 1), adapter.Position{})
	half.B = nil
	r.Observe(half)
	_, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingData, r.Phase())
	assert.Empty(t, p.sent())
}

func TestTick_CooldownSuppressesRepeatCorrection(t *testing.T) {
	clock := newFakeClock(time.Now())
	r, p := newTestReconciler(clock)
	stale := pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{})
	r.Observe(stale)

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, p.sent(), 1)

	// State has not caught up with the order yet.
	clock.Advance(2 * time.Second)
	_, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.sent(), 1, "no second order inside the cooldown window")

	clock.Advance(1500 * time.Millisecond)
	_, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.sent(), 2, "evaluation resumes after the window")
}

func TestTick_OrderErrorIsNotFatal(t *testing.T) {
	clock := newFakeClock(time.Now())
	r, p := newTestReconciler(clock)
	p.err = &adapter.Error{Kind: adapter.KindExchange, Status: 400, Err: errors.New("insufficient margin")}
	r.Observe(pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{}))

	_, err := r.Tick(context.Background())
	assert.Error(t, err)
	cooling, _ := r.Gate().CoolingDown()
	assert.False(t, cooling, "failed submissions do not start the cooldown")

	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	_, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.sent(), 1)
}

func TestTick_HaltedAndFollowerMismatch(t *testing.T) {
	r, p := newTestReconciler(newFakeClock(time.Now()))
	r.Observe(pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{}))

	r.Gate().ManualHalt()
	_, _ = r.Tick(context.Background())
	assert.Empty(t, p.sent())
	r.Gate().Resume()

	r.SetFollower(&fakePlacer{ex: adapter.ExchangePacifica})
	_, _ = r.Tick(context.Background())
	assert.Empty(t, p.sent(), "corrections only go to the designated follower")

	r.SetFollower(nil)
	req, err := r.Tick(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, req)
}

func TestSetSymbol_ForgetsPairing(t *testing.T) {
	r, p := newTestReconciler(newFakeClock(time.Now()))
	r.Observe(pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{}))
	r.SetSymbol(adapter.SymbolSOL)

	_, _ = r.Tick(context.Background())
	assert.Empty(t, p.sent())
	assert.Equal(t, PhaseAwaitingData, r.Phase())

	r.Observe(pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{}))
	_, _ = r.Tick(context.Background())
	require.Len(t, p.sent(), 1)
	assert.Equal(t, adapter.SymbolSOL, p.sent()[0].Symbol)
}

func TestRun_CorrectsFromStorePairings(t *testing.T) {
	store := state.NewStore(nil)
	require.NoError(t, store.Designate(adapter.ExchangePacifica, adapter.ExchangeLighter))

	r := New(Config{Interval: 10 * time.Millisecond}, store.Pairs(), NewGate(GateConfig{Cooldown: time.Hour}), nil, nil)
	p := &fakePlacer{ex: adapter.ExchangeLighter}
	r.SetFollower(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	store.Apply(adapter.StateEvent(adapter.AccountState{Exchange: adapter.ExchangePacifica, Position: pos(adapter.DirectionShort, 0.5)}))
	store.Apply(adapter.StateEvent(adapter.AccountState{Exchange: adapter.ExchangeLighter}))

	require.Eventually(t, func() bool { return len(p.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, adapter.DirectionLong, p.sent()[0].Direction)
	assert.Equal(t, adapter.SymbolBTC, p.sent()[0].Symbol)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, p.sent(), 1, "cooldown holds further corrections")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("engine did not stop promptly")
	}
}

func TestTick_FrozenFollowerIsNotCorrectedAgain(t *testing.T) {
	clock := newFakeClock(time.Now())
	r, p := newTestReconciler(clock)
	frozenAt := clock.Now()
	first := pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{})
	first.A.UpdatedAt = frozenAt
	first.B.UpdatedAt = frozenAt
	r.Observe(first)

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, p.sent(), 1)

	// The follower stream halted after the order: only A keeps refreshing.
	clock.Advance(DefaultStaleAfter + time.Second)
	later := pairOf(pos(adapter.DirectionLong, 1.0), adapter.Position{})
	later.A.UpdatedAt = clock.Now()
	later.B.UpdatedAt = frozenAt
	r.Observe(later)

	_, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.sent(), 1, "stale follower state must not produce orders")
}
