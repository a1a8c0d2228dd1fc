// Package pacifica implements the adapter for Pacifica perpetuals. Requests
// are signed with the Ed25519 scheme; account calls are scoped by the
// wallet address.
package pacifica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/signer"
)

const (
	MainnetURL = "https://api.pacifica.fi/api/v1"
	TestnetURL = "https://api.testnet.pacifica.fi/api/v1"

	DefaultPollInterval = 3000 * time.Millisecond
)

// Headers are the Pacifica authentication header names.
var Headers = signer.HeaderNames{
	Key:       "X-PACIFICA-API-KEY",
	Timestamp: "X-PACIFICA-TIMESTAMP",
	Signature: "X-PACIFICA-SIGNATURE",
}

// Config holds the Pacifica endpoint and polling parameters.
type Config struct {
	BaseURL      string
	PollInterval time.Duration
	RepollDelay  time.Duration
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 = unlimited
}

// DefaultConfig returns mainnet settings with the default poll interval.
func DefaultConfig() Config {
	return Config{
		BaseURL:      MainnetURL,
		PollInterval: DefaultPollInterval,
		RepollDelay:  adapter.DefaultRepollDelay,
		Timeout:      10 * time.Second,
	}
}

// Adapter connects to Pacifica. It satisfies adapter.Adapter.
type Adapter struct {
	rest   *adapter.RESTClient
	emit   *adapter.Emitter
	stream *adapter.Streamer

	newClientOrderID func() string
	now              func() time.Time

	mu        sync.RWMutex
	account   string
	signer    *signer.Ed25519
	connected bool
}

var _ adapter.Adapter = (*Adapter)(nil)

// New returns an unconnected adapter publishing to pub.
func New(cfg Config, pub adapter.Publisher, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	a := &Adapter{
		rest: adapter.NewRESTClient(adapter.RESTConfig{
			Exchange:  adapter.ExchangePacifica,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			SignQuery: true,
		}),
		emit:             adapter.NewEmitter(adapter.ExchangePacifica, pub, logger),
		newClientOrderID: uuid.NewString,
		now:              time.Now,
	}
	a.stream = adapter.NewStreamer(cfg.PollInterval, cfg.RepollDelay, a.emit, a.poll)
	return a
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangePacifica }

// Connected reports whether Connect succeeded and Close has not run.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) Streaming() bool { return a.stream.Running() }

func validateCredentials(creds adapter.Credentials) error {
	switch {
	case creds.APIKey == "":
		return fmt.Errorf("%w: api key", adapter.ErrMissingCredential)
	case creds.APISecret == "":
		return fmt.Errorf("%w: api secret", adapter.ErrMissingCredential)
	case creds.AccountAddress == "":
		return fmt.Errorf("%w: wallet address", adapter.ErrMissingCredential)
	}
	return nil
}

// Connect checks the credential fields, then confirms them with one signed
// server-time request. A previous session is dropped first.
func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) error {
	const op = "connect"
	if err := validateCredentials(creds); err != nil {
		aerr := adapter.NewError(adapter.KindAuthentication, adapter.ExchangePacifica, op, err)
		a.emit.Error("connection refused", aerr)
		return aerr
	}

	a.Close()
	s := signer.NewEd25519(creds.APIKey, creds.APISecret, Headers)
	a.rest.SetSigner(s)
	a.emit.Info("connecting with key " + adapter.Redact(creds.APIKey))

	c := &client{rest: a.rest, account: creds.AccountAddress}
	if _, err := c.serverTime(ctx); err != nil {
		a.rest.SetSigner(nil)
		s.Destroy()
		err = adapter.RejectedCredentials(err)
		a.emit.Error("connection failed", err)
		return err
	}

	a.mu.Lock()
	a.account = creds.AccountAddress
	a.signer = s
	a.connected = true
	a.mu.Unlock()

	a.emit.Success("connected to account " + adapter.Redact(creds.AccountAddress))
	return nil
}

// session returns a client for the connected account.
func (a *Adapter) session(op string) (*client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, adapter.NewError(adapter.KindAuthentication, adapter.ExchangePacifica, op, adapter.ErrNotConnected)
	}
	return &client{rest: a.rest, account: a.account}, nil
}

// StartStreaming polls symbol once, then on the configured interval.
func (a *Adapter) StartStreaming(ctx context.Context, symbol adapter.Symbol) error {
	const op = "start streaming"
	if !symbol.Valid() {
		err := adapter.NewError(adapter.KindValidation, adapter.ExchangePacifica, op,
			fmt.Errorf("%w: %q", adapter.ErrUnknownSymbol, symbol))
		a.emit.Error("streaming not started", err)
		return err
	}
	if _, err := a.session(op); err != nil {
		a.emit.Error("streaming not started", err)
		return err
	}
	a.stream.Start(ctx, symbol)
	return nil
}

// StopStreaming halts polling and waits for a poll in flight.
func (a *Adapter) StopStreaming() { a.stream.Stop() }

// poll reads price, account state and open orders, in that order, and
// publishes each as soon as it is known.
func (a *Adapter) poll(ctx context.Context, symbol adapter.Symbol) error {
	c, err := a.session("poll")
	if err != nil {
		return err
	}
	market := symbol.Market()

	price, err := c.markPrice(ctx, market)
	if err != nil {
		return err
	}
	a.emit.Publish(adapter.PriceEvent(adapter.PriceQuote{
		Exchange:  adapter.ExchangePacifica,
		Price:     price,
		Timestamp: a.now(),
	}))

	col, err := c.collateral(ctx)
	if err != nil {
		return err
	}
	positions, err := c.positions(ctx, market)
	if err != nil {
		return err
	}
	pos, pnl := translatePosition(positions)
	a.emit.Publish(adapter.StateEvent(adapter.AccountState{
		Exchange:    adapter.ExchangePacifica,
		DisplayName: adapter.ExchangePacifica.DisplayName(),
		Position:    pos,
		PnL:         pnl,
		Balance:     float64(col.Balance),
		Currency:    collateralToken,
		Leverage:    int(col.Leverage),
		UpdatedAt:   a.now(),
	}))

	orders, err := c.openOrders(ctx, market)
	if err != nil {
		return err
	}
	a.emit.Publish(adapter.OrdersEvent(adapter.ExchangePacifica, translateOrders(orders)))
	return nil
}

// SetLeverage updates the USDC collateral leverage.
func (a *Adapter) SetLeverage(ctx context.Context, symbol adapter.Symbol, leverage int) error {
	const op = "set leverage"
	if err := adapter.ValidateLeverage(leverage); err != nil {
		aerr := adapter.NewError(adapter.KindValidation, adapter.ExchangePacifica, op, err)
		a.emit.Error("leverage rejected", aerr)
		return aerr
	}
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("leverage not set", err)
		return err
	}
	if err := c.updateLeverage(ctx, leverage); err != nil {
		a.emit.Error("leverage update failed", err)
		return err
	}
	a.emit.Success(fmt.Sprintf("leverage set to %dx for %s", leverage, symbol.Market()))
	a.stream.Repoll()
	return nil
}

// CreateOrder validates req and submits it with a fresh client order id.
func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) error {
	const op = "create order"
	req, err := adapter.ValidateOrder(req)
	if err != nil {
		aerr := adapter.NewError(adapter.KindValidation, adapter.ExchangePacifica, op, err)
		a.emit.Error("order rejected", aerr)
		return aerr
	}
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("order not sent", err)
		return err
	}

	body := map[string]any{
		"market_name":     req.Symbol.Market(),
		"side":            req.Direction.String(),
		"type":            req.Type.String(),
		"size":            adapter.JSONDecimal(req.Quantity),
		"time_in_force":   "GTC",
		"reduce_only":     false,
		"client_order_id": a.newClientOrderID(),
	}
	if req.Type == adapter.OrderTypeLimit {
		body["price"] = adapter.FormatDecimal(req.Price)
	}

	a.emit.Info("submitting " + req.String())
	if err := c.postOrder(ctx, body); err != nil {
		a.emit.Error("order failed", err)
		return err
	}
	a.emit.Success("order accepted: " + req.String())
	a.stream.Repoll()
	return nil
}

// CancelOrder cancels one order by its numeric id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol adapter.Symbol, orderID string) error {
	const op = "cancel order"
	id, err := parseOrderID(orderID)
	if err != nil {
		aerr := adapter.NewError(adapter.KindValidation, adapter.ExchangePacifica, op, err)
		a.emit.Error("cancel rejected", aerr)
		return aerr
	}
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("cancel not sent", err)
		return err
	}
	if err := c.cancelOrder(ctx, symbol.Market(), id); err != nil {
		a.emit.Error("cancel failed for order "+orderID, err)
		return err
	}
	a.emit.Success("order " + orderID + " cancelled")
	a.stream.Repoll()
	return nil
}

// CancelAllOrders cancels every order on the symbol's market.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol adapter.Symbol) error {
	const op = "cancel all orders"
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("cancel not sent", err)
		return err
	}
	if err := c.cancelAll(ctx, symbol.Market()); err != nil {
		a.emit.Error("cancel all failed", err)
		return err
	}
	a.emit.Success("all " + symbol.Market() + " orders cancelled")
	a.stream.Repoll()
	return nil
}

// Close stops streaming, wipes the signing secret and marks the adapter
// unconnected.
func (a *Adapter) Close() {
	a.stream.Stop()
	a.mu.Lock()
	s := a.signer
	wasConnected := a.connected
	a.signer = nil
	a.account = ""
	a.connected = false
	a.mu.Unlock()

	a.rest.SetSigner(nil)
	if s != nil {
		s.Destroy()
	}
	if wasConnected {
		a.emit.Info("disconnected")
	}
}
