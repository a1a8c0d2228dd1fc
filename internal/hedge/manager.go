// Package hedge owns the exchange adapters, the state store and the
// reconciliation engine, and implements every operation the control API
// exposes.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/engine"
	"github.com/deltahedge/hedger/internal/state"
)

// Sentinel errors for preconditions the caller can fix.
var (
	ErrNotDesignated = errors.New("benchmark and follower are not designated")
	ErrNoPrice       = errors.New("no price known for exchange")
	ErrNoPosition    = errors.New("no open position to close")
)

// DefaultOffset is the distance from the current price at which strategy
// and individual LIMIT orders are placed.
const DefaultOffset = 0.5

// Factory creates an unconnected adapter for ex.
type Factory func(ex adapter.Exchange) (adapter.Adapter, error)

// CredentialSaver persists credentials that connected successfully.
type CredentialSaver interface {
	Save(ex adapter.Exchange, creds adapter.Credentials) error
}

// CredentialResolver turns stored credentials into usable ones, e.g. by
// decrypting sealed secrets.
type CredentialResolver interface {
	Credentials(ctx context.Context, creds adapter.Credentials) (adapter.Credentials, error)
}

// Options configure a Manager.
type Options struct {
	Symbol   adapter.Symbol
	Offset   float64
	Saver    CredentialSaver    // optional
	Resolver CredentialResolver // optional
}

// Manager manages adapters keyed by exchange. Connecting an exchange that
// already has an adapter closes the old one first.
type Manager struct {
	factory Factory
	store   *state.Store
	engine  *engine.Reconciler
	saver   CredentialSaver
	resolve CredentialResolver
	emit    *adapter.Emitter

	// connMu serializes connect and disconnect per exchange.
	connMu map[adapter.Exchange]*sync.Mutex

	mu       sync.Mutex
	adapters map[adapter.Exchange]adapter.Adapter
	symbol   adapter.Symbol
	offset   float64
}

// NewManager returns a Manager with no adapters. The engine is pointed at
// opts.Symbol.
func NewManager(factory Factory, store *state.Store, eng *engine.Reconciler, pub adapter.Publisher, logger *zap.Logger, opts Options) *Manager {
	if !opts.Symbol.Valid() {
		opts.Symbol = adapter.SymbolBTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		factory:  factory,
		store:    store,
		engine:   eng,
		saver:    opts.Saver,
		resolve:  opts.Resolver,
		emit:     adapter.NewEmitter("", pub, logger.Named("hedge")),
		connMu:   make(map[adapter.Exchange]*sync.Mutex, len(adapter.Exchanges)),
		adapters: make(map[adapter.Exchange]adapter.Adapter),
		symbol:   opts.Symbol,
		offset:   opts.Offset,
	}
	for _, ex := range adapter.Exchanges {
		m.connMu[ex] = new(sync.Mutex)
	}
	eng.SetSymbol(opts.Symbol)
	return m
}

func notConnected(ex adapter.Exchange, op string) error {
	return adapter.NewError(adapter.KindAuthentication, ex, op, adapter.ErrNotConnected)
}

// get returns the connected adapter for ex.
func (m *Manager) get(ex adapter.Exchange, op string) (adapter.Adapter, error) {
	if _, err := adapter.ParseExchange(string(ex)); err != nil {
		return nil, adapter.NewError(adapter.KindValidation, ex, op, err)
	}
	m.mu.Lock()
	a := m.adapters[ex]
	m.mu.Unlock()
	if a == nil || !a.Connected() {
		return nil, notConnected(ex, op)
	}
	return a, nil
}

// Symbol returns the symbol every adapter streams.
func (m *Manager) Symbol() adapter.Symbol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbol
}

// Connect opens a session on ex and starts streaming the current symbol.
// Credentials that connect are saved as given. A failed attempt leaves ex
// without an adapter.
func (m *Manager) Connect(ctx context.Context, ex adapter.Exchange, creds adapter.Credentials) error {
	return m.connect(ctx, ex, creds, true)
}

func (m *Manager) connect(ctx context.Context, ex adapter.Exchange, creds adapter.Credentials, save bool) error {
	if _, err := adapter.ParseExchange(string(ex)); err != nil {
		return adapter.NewError(adapter.KindValidation, ex, "connect", err)
	}
	lock := m.connMu[ex]
	lock.Lock()
	defer lock.Unlock()
	m.disconnect(ex)

	usable := creds
	if m.resolve != nil {
		var err error
		if usable, err = m.resolve.Credentials(ctx, creds); err != nil {
			err = adapter.NewError(adapter.KindAuthentication, ex, "connect", err)
			m.emit.Error("credentials could not be resolved", err)
			return err
		}
	}

	a, err := m.factory(ex)
	if err != nil {
		return fmt.Errorf("hedge: create %s adapter: %w", ex, err)
	}
	if err := a.Connect(ctx, usable); err != nil {
		a.Close()
		return err
	}

	m.mu.Lock()
	prev := m.adapters[ex]
	m.adapters[ex] = a
	sym := m.symbol
	m.mu.Unlock()
	if prev != nil && prev != a {
		prev.Close()
	}

	if save && m.saver != nil {
		if err := m.saver.Save(ex, creds); err != nil {
			m.emit.Warn("credentials not saved: "+err.Error(), zap.String("exchange", string(ex)))
		}
	}
	m.syncFollower()
	return a.StartStreaming(ctx, sym)
}

// AutoConnect connects every exchange with saved credentials without saving
// them again. Failures are logged and joined; the others still connect.
func (m *Manager) AutoConnect(ctx context.Context, saved map[adapter.Exchange]adapter.Credentials) error {
	var errs []error
	for _, ex := range adapter.Exchanges {
		creds, ok := saved[ex]
		if !ok {
			continue
		}
		m.emit.Info("auto-connecting " + ex.DisplayName())
		if err := m.connect(ctx, ex, creds, false); err != nil {
			m.emit.Error("auto-connect failed for "+ex.DisplayName(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the adapter of ex and forgets its state. It waits for
// a connect of ex in progress.
func (m *Manager) Disconnect(ex adapter.Exchange) {
	if lock, ok := m.connMu[ex]; ok {
		lock.Lock()
		defer lock.Unlock()
	}
	m.disconnect(ex)
}

func (m *Manager) disconnect(ex adapter.Exchange) {
	m.mu.Lock()
	a, ok := m.adapters[ex]
	if ok {
		delete(m.adapters, ex)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	a.Close()
	m.store.Forget(ex)
	m.syncFollower()
}

// StartStreaming starts the stream of ex on the current symbol.
func (m *Manager) StartStreaming(ctx context.Context, ex adapter.Exchange) error {
	a, err := m.get(ex, "start streaming")
	if err != nil {
		return err
	}
	return a.StartStreaming(ctx, m.Symbol())
}

// StopStreaming stops the stream of ex.
func (m *Manager) StopStreaming(ex adapter.Exchange) error {
	a, err := m.get(ex, "stop streaming")
	if err != nil {
		return err
	}
	a.StopStreaming()
	return nil
}

// SetSymbol switches every adapter to sym. Streams are restarted, the store
// is reset and the engine retargeted.
func (m *Manager) SetSymbol(ctx context.Context, sym adapter.Symbol) error {
	if !sym.Valid() {
		return adapter.NewError(adapter.KindValidation, "", "set symbol",
			fmt.Errorf("%w: %q", adapter.ErrUnknownSymbol, sym))
	}
	m.mu.Lock()
	if m.symbol == sym {
		m.mu.Unlock()
		return nil
	}
	m.symbol = sym
	var restart []adapter.Adapter
	for _, a := range m.adapters {
		restart = append(restart, a)
	}
	m.mu.Unlock()

	m.emit.Info("symbol changed to " + sym.Market())
	for _, a := range restart {
		a.StopStreaming()
	}
	m.store.Reset()
	m.engine.SetSymbol(sym)

	var errs []error
	for _, a := range restart {
		if !a.Connected() {
			continue
		}
		if err := a.StartStreaming(ctx, sym); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetLeverage validates and applies leverage on ex.
func (m *Manager) SetLeverage(ctx context.Context, ex adapter.Exchange, leverage int) error {
	if err := adapter.ValidateLeverage(leverage); err != nil {
		return adapter.NewError(adapter.KindValidation, ex, "set leverage", err)
	}
	a, err := m.get(ex, "set leverage")
	if err != nil {
		return err
	}
	return a.SetLeverage(ctx, m.Symbol(), leverage)
}

// CreateOrder submits req unchanged on ex.
func (m *Manager) CreateOrder(ctx context.Context, ex adapter.Exchange, req adapter.OrderRequest) error {
	a, err := m.get(ex, "create order")
	if err != nil {
		return err
	}
	if req.Symbol == "" {
		req.Symbol = m.Symbol()
	}
	return a.CreateOrder(ctx, req)
}

// limitPrice places a LONG below and a SHORT above the current price.
func limitPrice(price, offset float64, dir adapter.Direction) float64 {
	if dir == adapter.DirectionLong {
		return price - offset
	}
	return price + offset
}

func (m *Manager) currentPrice(ex adapter.Exchange, op string) (float64, error) {
	q, ok := m.store.Price(ex)
	if !ok || q.Price <= 0 {
		return 0, adapter.NewError(adapter.KindValidation, ex, op, fmt.Errorf("%w: %s", ErrNoPrice, ex))
	}
	return q.Price, nil
}

// PlaceOrder submits an individual order on ex: MARKET as is, LIMIT at the
// current price shifted by the offset.
func (m *Manager) PlaceOrder(ctx context.Context, ex adapter.Exchange, typ adapter.OrderType, dir adapter.Direction, qty float64) error {
	const op = "place order"
	// The LIMIT price is derived below; 1 only satisfies validation.
	req, err := adapter.ValidateOrder(adapter.OrderRequest{
		Symbol: m.Symbol(), Type: typ, Direction: dir, Quantity: qty, Price: 1,
	})
	if err != nil {
		return adapter.NewError(adapter.KindValidation, ex, op, err)
	}
	a, err := m.get(ex, op)
	if err != nil {
		return err
	}
	if req.Type == adapter.OrderTypeLimit {
		price, err := m.currentPrice(ex, op)
		if err != nil {
			return err
		}
		req.Price = limitPrice(price, m.Offset(), dir)
	}
	return a.CreateOrder(ctx, req)
}

// ClosingOrder submits an order for the full position quantity of ex in
// the opposite direction.
func (m *Manager) ClosingOrder(ctx context.Context, ex adapter.Exchange, typ adapter.OrderType) error {
	const op = "close position"
	st, ok := m.store.State(ex)
	if !ok || st.Position.Direction == adapter.DirectionNone {
		return adapter.NewError(adapter.KindValidation, ex, op, ErrNoPosition)
	}
	return m.PlaceOrder(ctx, ex, typ, st.Position.Direction.Opposite(), st.Position.Quantity)
}

// PlaceStrategyOrder opens the hedge: a LIMIT order on the benchmark at the
// current price shifted by the offset. The engine then mirrors the fill on
// the follower.
func (m *Manager) PlaceStrategyOrder(ctx context.Context, dir adapter.Direction, qty float64) error {
	const op = "strategy order"
	benchmark, _ := m.store.Designation()
	if benchmark == "" {
		return adapter.NewError(adapter.KindValidation, "", op, ErrNotDesignated)
	}
	if qty <= 0 {
		return adapter.NewError(adapter.KindValidation, benchmark, op, adapter.ErrInvalidQuantity)
	}
	if dir != adapter.DirectionLong && dir != adapter.DirectionShort {
		return adapter.NewError(adapter.KindValidation, benchmark, op, adapter.ErrMissingDirection)
	}
	a, err := m.get(benchmark, op)
	if err != nil {
		return err
	}
	price, err := m.currentPrice(benchmark, op)
	if err != nil {
		return err
	}
	req := adapter.OrderRequest{
		Symbol:    m.Symbol(),
		Type:      adapter.OrderTypeLimit,
		Direction: dir,
		Quantity:  qty,
		Price:     limitPrice(price, m.Offset(), dir),
	}
	m.emit.Info(fmt.Sprintf("strategy order on %s: %s", benchmark.DisplayName(), req))
	return a.CreateOrder(ctx, req)
}

// StopStrategy cancels every open order on the benchmark.
func (m *Manager) StopStrategy(ctx context.Context) error {
	const op = "stop strategy"
	benchmark, _ := m.store.Designation()
	if benchmark == "" {
		return adapter.NewError(adapter.KindValidation, "", op, ErrNotDesignated)
	}
	a, err := m.get(benchmark, op)
	if err != nil {
		return err
	}
	m.emit.Warn("strategy stopped, cancelling all orders on " + benchmark.DisplayName())
	return a.CancelAllOrders(ctx, m.Symbol())
}

// CancelOrder cancels one order on ex.
func (m *Manager) CancelOrder(ctx context.Context, ex adapter.Exchange, orderID string) error {
	a, err := m.get(ex, "cancel order")
	if err != nil {
		return err
	}
	return a.CancelOrder(ctx, m.Symbol(), orderID)
}

// CancelAllOrders cancels every order of ex on the current symbol.
func (m *Manager) CancelAllOrders(ctx context.Context, ex adapter.Exchange) error {
	a, err := m.get(ex, "cancel all orders")
	if err != nil {
		return err
	}
	return a.CancelAllOrders(ctx, m.Symbol())
}

// CancelAllOpen cancels all orders on every exchange that currently holds
// open orders. It reports how many exchanges were asked to cancel.
func (m *Manager) CancelAllOpen(ctx context.Context) (int, error) {
	var targets []adapter.Exchange
	for _, ex := range adapter.Exchanges {
		if len(m.store.Orders(ex)) > 0 {
			targets = append(targets, ex)
		}
	}
	if len(targets) == 0 {
		m.emit.Info("no open orders to cancel")
		return 0, nil
	}

	var errs []error
	for _, ex := range targets {
		if err := m.CancelAllOrders(ctx, ex); err != nil {
			errs = append(errs, err)
		}
	}
	return len(targets), errors.Join(errs...)
}

// Designate sets benchmark A and follower B and points the engine at B.
func (m *Manager) Designate(benchmark, follower adapter.Exchange) error {
	if err := m.store.Designate(benchmark, follower); err != nil {
		return adapter.NewError(adapter.KindValidation, "", "designate", err)
	}
	m.syncFollower()
	m.emit.Info(fmt.Sprintf("benchmark %s, follower %s", benchmark.DisplayName(), follower.DisplayName()))
	return nil
}

// syncFollower hands the follower's adapter, if connected, to the engine.
func (m *Manager) syncFollower() {
	_, follower := m.store.Designation()
	m.mu.Lock()
	a := m.adapters[follower]
	m.mu.Unlock()
	if a == nil {
		m.engine.SetFollower(nil)
		return
	}
	m.engine.SetFollower(a)
}

// SetAutoBalance enables or halts automatic corrections.
func (m *Manager) SetAutoBalance(on bool) {
	if on {
		m.engine.Gate().Resume()
		m.emit.Info("auto-balance enabled")
		return
	}
	m.engine.Gate().ManualHalt()
	m.emit.Warn("auto-balance disabled")
}

// SetEngineInterval changes the reconciliation period.
func (m *Manager) SetEngineInterval(d time.Duration) error {
	if d <= 0 {
		return adapter.NewError(adapter.KindValidation, "", "set interval", errors.New("interval must be positive"))
	}
	m.engine.SetInterval(d)
	return nil
}

// Offset returns the LIMIT price offset.
func (m *Manager) Offset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// SetOffset changes the LIMIT price offset.
func (m *Manager) SetOffset(offset float64) {
	m.mu.Lock()
	m.offset = offset
	m.mu.Unlock()
}

// Close disconnects every exchange.
func (m *Manager) Close() {
	for _, ex := range adapter.Exchanges {
		m.Disconnect(ex)
	}
}
