package hedge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/engine"
	"github.com/deltahedge/hedger/internal/state"
)

// fakeAdapter records every call made through the Adapter interface.
type fakeAdapter struct {
	ex         adapter.Exchange
	connectErr error
	delay      time.Duration

	mu        sync.Mutex
	creds     adapter.Credentials
	connected bool
	streaming adapter.Symbol
	closed    bool
	orders    []adapter.OrderRequest
	leverage  int
	cancelled []string
	cancelAll []adapter.Symbol
}

func (f *fakeAdapter) Exchange() adapter.Exchange { return f.ex }

func (f *fakeAdapter) Connect(_ context.Context, creds adapter.Credentials) error {
	time.Sleep(f.delay)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.creds = creds
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) StartStreaming(_ context.Context, sym adapter.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return adapter.NewError(adapter.KindAuthentication, f.ex, "start streaming", adapter.ErrNotConnected)
	}
	f.streaming = sym
	return nil
}

func (f *fakeAdapter) StopStreaming() {
	f.mu.Lock()
	f.streaming = ""
	f.mu.Unlock()
}

func (f *fakeAdapter) Streaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming != ""
}

func (f *fakeAdapter) SetLeverage(_ context.Context, _ adapter.Symbol, lev int) error {
	f.mu.Lock()
	f.leverage = lev
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) CreateOrder(_ context.Context, req adapter.OrderRequest) error {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _ adapter.Symbol, id string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) CancelAllOrders(_ context.Context, sym adapter.Symbol) error {
	f.mu.Lock()
	f.cancelAll = append(f.cancelAll, sym)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Close() {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.streaming = ""
	f.mu.Unlock()
}

func (f *fakeAdapter) sentOrders() []adapter.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.OrderRequest(nil), f.orders...)
}

type memSaver struct {
	saved map[adapter.Exchange]adapter.Credentials
}

func (s *memSaver) Save(ex adapter.Exchange, creds adapter.Credentials) error {
	s.saved[ex] = creds
	return nil
}

// upperResolver stands in for secret decryption.
type upperResolver struct{ err error }

func (r upperResolver) Credentials(_ context.Context, c adapter.Credentials) (adapter.Credentials, error) {
	if r.err != nil {
		return adapter.Credentials{}, r.err
	}
	c.APISecret = strings.ToUpper(c.APISecret)
	return c, nil
}

type harness struct {
	m       *Manager
	store   *state.Store
	engine  *engine.Reconciler
	saver   *memSaver
	fakes   map[adapter.Exchange]*fakeAdapter
	failFor map[adapter.Exchange]error
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, resolver CredentialResolver) *harness {
	t.Helper()
	h := &harness{
		store:   state.NewStore(nil),
		saver:   &memSaver{saved: map[adapter.Exchange]adapter.Credentials{}},
		fakes:   map[adapter.Exchange]*fakeAdapter{},
		failFor: map[adapter.Exchange]error{},
	}
	h.engine = engine.New(engine.Config{Interval: time.Hour}, h.store.Pairs(), engine.NewGate(engine.GateConfig{}), nil, nil)
	factory := func(ex adapter.Exchange) (adapter.Adapter, error) {
		f := &fakeAdapter{ex: ex, connectErr: h.failFor[ex]}
		h.fakes[ex] = f
		return f, nil
	}
	h.m = NewManager(factory, h.store, h.engine, nil, nil, Options{
		Symbol: adapter.SymbolBTC, Offset: DefaultOffset, Saver: h.saver, Resolver: resolver,
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) connect(t *testing.T, exs ...adapter.Exchange) {
	t.Helper()
	for _, ex := range exs {
		require.NoError(t, h.m.Connect(context.Background(), ex, adapter.Credentials{APIKey: "k", APISecret: "s"}))
	}
}

func TestConnect_StartsStreamingAndSaves(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangePacifica)

	f := h.fakes[adapter.ExchangePacifica]
	assert.True(t, f.Connected())
	assert.Equal(t, adapter.SymbolBTC, f.streaming)
	assert.Contains(t, h.saver.saved, adapter.ExchangePacifica)
}

func TestConnect_ReplacesExistingAdapter(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangeLighter)
	first := h.fakes[adapter.ExchangeLighter]
	h.connect(t, adapter.ExchangeLighter)

	assert.True(t, first.closed)
	assert.NotSame(t, first, h.fakes[adapter.ExchangeLighter])
}

func TestConnect_ConcurrentConnectsLeaveNoOrphan(t *testing.T) {
	var (
		mu    sync.Mutex
		built []*fakeAdapter
	)
	factory := func(ex adapter.Exchange) (adapter.Adapter, error) {
		f := &fakeAdapter{ex: ex, delay: 50 * time.Millisecond}
		mu.Lock()
		built = append(built, f)
		mu.Unlock()
		return f, nil
	}
	store := state.NewStore(nil)
	eng := engine.New(engine.Config{Interval: time.Hour}, store.Pairs(), engine.NewGate(engine.GateConfig{}), nil, nil)
	m := NewManager(factory, store, eng, nil, nil, Options{Symbol: adapter.SymbolBTC})
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Connect(context.Background(), adapter.ExchangePacifica, adapter.Credentials{APIKey: "k", APISecret: "s"}))
		}()
	}
	wg.Wait()
	m.Disconnect(adapter.ExchangePacifica)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, built, 2)
	for i, f := range built {
		f.mu.Lock()
		closed, streaming := f.closed, f.streaming
		f.mu.Unlock()
		assert.True(t, closed, "adapter %d was never closed", i)
		assert.Empty(t, streaming, "adapter %d still streaming", i)
	}
}

func TestConnect_FailureLeavesNoAdapter(t *testing.T) {
	h := newHarness(t)
	authErr := adapter.NewError(adapter.KindAuthentication, adapter.ExchangeLighter, "connect", adapter.ErrMissingCredential)
	h.failFor[adapter.ExchangeLighter] = authErr

	err := h.m.Connect(context.Background(), adapter.ExchangeLighter, adapter.Credentials{})
	assert.ErrorIs(t, err, adapter.ErrMissingCredential)
	assert.Empty(t, h.saver.saved)

	err = h.m.SetLeverage(context.Background(), adapter.ExchangeLighter, 5)
	assert.ErrorIs(t, err, adapter.ErrNotConnected)
}

func TestConnect_UnknownExchange(t *testing.T) {
	h := newHarness(t)
	err := h.m.Connect(context.Background(), "binance", adapter.Credentials{})
	assert.True(t, adapter.IsKind(err, adapter.KindValidation))
	assert.ErrorIs(t, err, adapter.ErrUnknownExchange)
}

func TestAutoConnect_JoinsFailures(t *testing.T) {
	h := newHarness(t)
	h.failFor[adapter.ExchangePacifica] = errors.New("rejected")

	err := h.m.AutoConnect(context.Background(), map[adapter.Exchange]adapter.Credentials{
		adapter.ExchangePacifica: {APIKey: "a"},
		adapter.ExchangeLighter:  {APIKey: "b"},
	})
	assert.ErrorContains(t, err, "rejected")
	assert.True(t, h.fakes[adapter.ExchangeLighter].Connected())
	assert.Empty(t, h.saver.saved, "auto-connect does not rewrite saved credentials")
}

func TestConnect_ResolvesButSavesAsGiven(t *testing.T) {
	h := newHarnessWith(t, upperResolver{})
	creds := adapter.Credentials{APIKey: "k", APISecret: "sealed"}
	require.NoError(t, h.m.Connect(context.Background(), adapter.ExchangeLighter, creds))

	assert.Equal(t, "SEALED", h.fakes[adapter.ExchangeLighter].creds.APISecret)
	assert.Equal(t, creds, h.saver.saved[adapter.ExchangeLighter])
}

func TestConnect_ResolveFailureIsAuthentication(t *testing.T) {
	h := newHarnessWith(t, upperResolver{err: errors.New("kms unavailable")})
	err := h.m.Connect(context.Background(), adapter.ExchangeLighter, adapter.Credentials{})

	assert.True(t, adapter.IsKind(err, adapter.KindAuthentication))
	assert.NotContains(t, h.fakes, adapter.ExchangeLighter, "no adapter is created")
}

func TestSetSymbol_RestartsStreamsAndResetsStore(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangePacifica, adapter.ExchangeLighter)
	h.store.Apply(adapter.PriceEvent(adapter.PriceQuote{Exchange: adapter.ExchangePacifica, Price: 64000}))

	require.NoError(t, h.m.SetSymbol(context.Background(), adapter.SymbolSOL))
	assert.Equal(t, adapter.SymbolSOL, h.m.Symbol())
	assert.Equal(t, adapter.SymbolSOL, h.fakes[adapter.ExchangePacifica].streaming)
	assert.Equal(t, adapter.SymbolSOL, h.fakes[adapter.ExchangeLighter].streaming)
	_, ok := h.store.Price(adapter.ExchangePacifica)
	assert.False(t, ok, "prices of the old symbol are dropped")

	err := h.m.SetSymbol(context.Background(), "DOGE")
	assert.ErrorIs(t, err, adapter.ErrUnknownSymbol)
}

func TestPlaceStrategyOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangePacifica, adapter.ExchangeLighter)
	ctx := context.Background()

	err := h.m.PlaceStrategyOrder(ctx, adapter.DirectionLong, 0.1)
	assert.ErrorIs(t, err, ErrNotDesignated)

	require.NoError(t, h.m.Designate(adapter.ExchangePacifica, adapter.ExchangeLighter))
	err = h.m.PlaceStrategyOrder(ctx, adapter.DirectionLong, 0.1)
	assert.ErrorIs(t, err, ErrNoPrice)

	h.store.Apply(adapter.PriceEvent(adapter.PriceQuote{Exchange: adapter.ExchangePacifica, Price: 100}))
	require.NoError(t, h.m.PlaceStrategyOrder(ctx, adapter.DirectionLong, 0.1))
	require.NoError(t, h.m.PlaceStrategyOrder(ctx, adapter.DirectionShort, 0.2))

	sent := h.fakes[adapter.ExchangePacifica].sentOrders()
	require.Len(t, sent, 2)
	assert.Equal(t, adapter.OrderTypeLimit, sent[0].Type)
	assert.InDelta(t, 99.5, sent[0].Price, 1e-12, "LONG below the price")
	assert.InDelta(t, 100.5, sent[1].Price, 1e-12, "SHORT above the price")
	assert.Empty(t, h.fakes[adapter.ExchangeLighter].sentOrders())

	assert.ErrorIs(t, h.m.PlaceStrategyOrder(ctx, adapter.DirectionLong, 0), adapter.ErrInvalidQuantity)
	assert.ErrorIs(t, h.m.PlaceStrategyOrder(ctx, adapter.DirectionNone, 1), adapter.ErrMissingDirection)

	require.NoError(t, h.m.StopStrategy(ctx))
	assert.Equal(t, []adapter.Symbol{adapter.SymbolBTC}, h.fakes[adapter.ExchangePacifica].cancelAll)
}

func TestPlaceOrder_MarketAndLimit(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangeLighter)
	h.m.SetOffset(2)
	ctx := context.Background()

	require.NoError(t, h.m.PlaceOrder(ctx, adapter.ExchangeLighter, adapter.OrderTypeMarket, adapter.DirectionShort, 1))
	err := h.m.PlaceOrder(ctx, adapter.ExchangeLighter, adapter.OrderTypeLimit, adapter.DirectionShort, 1)
	assert.ErrorIs(t, err, ErrNoPrice)

	h.store.Apply(adapter.PriceEvent(adapter.PriceQuote{Exchange: adapter.ExchangeLighter, Price: 50}))
	require.NoError(t, h.m.PlaceOrder(ctx, adapter.ExchangeLighter, adapter.OrderTypeLimit, adapter.DirectionShort, 1))

	sent := h.fakes[adapter.ExchangeLighter].sentOrders()
	require.Len(t, sent, 2)
	assert.Zero(t, sent[0].Price)
	assert.InDelta(t, 52, sent[1].Price, 1e-12)
}

func TestClosingOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangeLighter)
	ctx := context.Background()

	err := h.m.ClosingOrder(ctx, adapter.ExchangeLighter, adapter.OrderTypeMarket)
	assert.ErrorIs(t, err, ErrNoPosition)

	h.store.Apply(adapter.StateEvent(adapter.AccountState{
		Exchange: adapter.ExchangeLighter,
		Position: adapter.NewPosition(adapter.DirectionLong, 0.75, 100),
	}))
	require.NoError(t, h.m.ClosingOrder(ctx, adapter.ExchangeLighter, adapter.OrderTypeMarket))

	sent := h.fakes[adapter.ExchangeLighter].sentOrders()
	require.Len(t, sent, 1)
	assert.Equal(t, adapter.DirectionShort, sent[0].Direction)
	assert.InDelta(t, 0.75, sent[0].Quantity, 1e-12)
}

func TestCancelAllOpen_OnlyExchangesWithOrders(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangePacifica, adapter.ExchangeLighter)
	ctx := context.Background()

	n, err := h.m.CancelAllOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.store.Apply(adapter.OrdersEvent(adapter.ExchangeLighter, []adapter.Order{{ID: "1", Exchange: adapter.ExchangeLighter}}))
	n, err = h.m.CancelAllOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.fakes[adapter.ExchangeLighter].cancelAll, 1)
	assert.Empty(t, h.fakes[adapter.ExchangePacifica].cancelAll)
}

func TestDesignate_WiresEngineFollower(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangePacifica, adapter.ExchangeLighter)

	err := h.m.Designate(adapter.ExchangeLighter, adapter.ExchangeLighter)
	assert.ErrorIs(t, err, state.ErrSameExchange)

	require.NoError(t, h.m.Designate(adapter.ExchangePacifica, adapter.ExchangeLighter))
	h.engine.Observe(state.Pair{
		Benchmark: adapter.ExchangePacifica,
		Follower:  adapter.ExchangeLighter,
		A:         &adapter.AccountState{Position: adapter.NewPosition(adapter.DirectionLong, 1, 1)},
		B:         &adapter.AccountState{},
	})
	req, err := h.engine.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, req)

	sent := h.fakes[adapter.ExchangeLighter].sentOrders()
	require.Len(t, sent, 1)
	assert.Equal(t, adapter.DirectionShort, sent[0].Direction)

	// Disconnecting the follower detaches it from the engine.
	old := h.fakes[adapter.ExchangeLighter]
	h.m.Disconnect(adapter.ExchangeLighter)
	req, err = h.engine.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Len(t, old.sentOrders(), 1)
}

func TestSetAutoBalanceAndStatus(t *testing.T) {
	h := newHarness(t)
	h.connect(t, adapter.ExchangePacifica)
	require.NoError(t, h.m.Designate(adapter.ExchangePacifica, adapter.ExchangeLighter))
	h.store.Apply(adapter.StateEvent(adapter.AccountState{Exchange: adapter.ExchangePacifica, Balance: 300}))

	h.m.SetAutoBalance(false)
	st := h.m.Status()
	assert.False(t, st.AutoBalance)
	assert.Equal(t, adapter.SymbolBTC, st.Symbol)
	assert.Equal(t, adapter.ExchangePacifica, st.Benchmark)
	assert.InDelta(t, 300, st.TotalBalance, 1e-9)
	require.Len(t, st.Exchanges, 2)
	assert.True(t, st.Exchanges[0].Connected)
	assert.True(t, st.Exchanges[0].Streaming)
	assert.NotNil(t, st.Exchanges[0].State)
	assert.False(t, st.Exchanges[1].Connected)

	h.m.SetAutoBalance(true)
	assert.True(t, h.m.Status().AutoBalance)
}
