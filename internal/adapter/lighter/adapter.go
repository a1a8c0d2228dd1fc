// Package lighter implements the adapter for Lighter perpetuals. Private
// requests are signed with the HMAC scheme and scoped by the numeric account
// id; the account's L1 address must be a valid Ethereum address.
package lighter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/signer"
)

const (
	MainnetURL = "https://mainnet.zklighter.elliot.ai"
	TestnetURL = "https://testnet.zklighter.elliot.ai"

	DefaultPollInterval = 3100 * time.Millisecond
)

// Headers are the Lighter authentication header names.
var Headers = signer.HeaderNames{
	Key:       "X-Api-Key",
	Timestamp: "X-Timestamp",
	Signature: "X-Signature",
}

// Config holds the Lighter endpoint and polling parameters.
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

// Adapter connects to Lighter. It satisfies adapter.Adapter.
type Adapter struct {
	rest   *adapter.RESTClient
	emit   *adapter.Emitter
	stream *adapter.Streamer
	now    func() time.Time

	mu        sync.RWMutex
	accountID string
	l1        common.Address
	signer    *signer.HMAC
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
			Exchange:  adapter.ExchangeLighter,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}),
		emit: adapter.NewEmitter(adapter.ExchangeLighter, pub, logger),
		now:  time.Now,
	}
	a.stream = adapter.NewStreamer(cfg.PollInterval, cfg.RepollDelay, a.emit, a.poll)
	return a
}

func (a *Adapter) Exchange() adapter.Exchange { return adapter.ExchangeLighter }

// Connected reports whether Connect succeeded and Close has not run.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) Streaming() bool { return a.stream.Running() }

// L1Address returns the checksummed address of the connected account.
func (a *Adapter) L1Address() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return ""
	}
	return a.l1.Hex()
}

func validateCredentials(creds adapter.Credentials) (common.Address, error) {
	switch {
	case creds.APIKey == "":
		return common.Address{}, fmt.Errorf("%w: api key", adapter.ErrMissingCredential)
	case creds.APISecret == "":
		return common.Address{}, fmt.Errorf("%w: api secret", adapter.ErrMissingCredential)
	case creds.AccountID <= 0:
		return common.Address{}, fmt.Errorf("%w: account id", adapter.ErrMissingCredential)
	case creds.L1Address == "":
		return common.Address{}, fmt.Errorf("%w: l1 address", adapter.ErrMissingCredential)
	case !common.IsHexAddress(creds.L1Address):
		return common.Address{}, fmt.Errorf("%w: l1 address %q", adapter.ErrInvalidAddress, creds.L1Address)
	}
	return common.HexToAddress(creds.L1Address), nil
}

// Connect checks the credential fields, then confirms them by reading the
// USDT collateral. A previous session is dropped first.
func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) error {
	const op = "connect"
	l1, err := validateCredentials(creds)
	if err != nil {
		aerr := adapter.NewError(adapter.KindAuthentication, adapter.ExchangeLighter, op, err)
		a.emit.Error("connection refused", aerr)
		return aerr
	}

	a.Close()
	s := signer.NewHMAC(creds.APIKey, creds.APISecret, Headers)
	a.rest.SetSigner(s)
	a.emit.Info("connecting with key " + adapter.Redact(creds.APIKey))

	accountID := strconv.FormatInt(creds.AccountID, 10)
	c := &client{rest: a.rest, accountID: accountID}
	balance, _, err := c.collateral(ctx)
	if err != nil {
		a.rest.SetSigner(nil)
		s.Destroy()
		err = adapter.RejectedCredentials(err)
		a.emit.Error("connection failed", err)
		return err
	}

	a.mu.Lock()
	a.accountID = accountID
	a.l1 = l1
	a.signer = s
	a.connected = true
	a.mu.Unlock()

	a.emit.Success(fmt.Sprintf("connected to account %s, balance %s %s",
		accountID, adapter.FormatDecimal(balance), collateralToken))
	return nil
}

func (a *Adapter) session(op string) (*client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, adapter.NewError(adapter.KindAuthentication, adapter.ExchangeLighter, op, adapter.ErrNotConnected)
	}
	return &client{rest: a.rest, accountID: a.accountID}, nil
}

// StartStreaming polls symbol once, then on the configured interval.
func (a *Adapter) StartStreaming(ctx context.Context, symbol adapter.Symbol) error {
	const op = "start streaming"
	if !symbol.Valid() {
		err := adapter.NewError(adapter.KindValidation, adapter.ExchangeLighter, op,
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
		Exchange:  adapter.ExchangeLighter,
		Price:     price,
		Timestamp: a.now(),
	}))

	balance, leverage, err := c.collateral(ctx)
	if err != nil {
		return err
	}
	raw, err := c.position(ctx, market)
	if err != nil {
		return err
	}
	pos, pnl := translatePosition(raw)
	a.emit.Publish(adapter.StateEvent(adapter.AccountState{
		Exchange:    adapter.ExchangeLighter,
		DisplayName: adapter.ExchangeLighter.DisplayName(),
		Position:    pos,
		PnL:         pnl,
		Balance:     balance,
		Currency:    collateralToken,
		Leverage:    leverage,
		UpdatedAt:   a.now(),
	}))

	orders, err := c.openOrders(ctx, market)
	if err != nil {
		return err
	}
	a.emit.Publish(adapter.OrdersEvent(adapter.ExchangeLighter, translateOrders(orders)))
	return nil
}

// SetLeverage updates the USDT collateral leverage; symbol is only logged.
func (a *Adapter) SetLeverage(ctx context.Context, symbol adapter.Symbol, leverage int) error {
	const op = "set leverage"
	if err := adapter.ValidateLeverage(leverage); err != nil {
		aerr := adapter.NewError(adapter.KindValidation, adapter.ExchangeLighter, op, err)
		a.emit.Error("leverage rejected", aerr)
		return aerr
	}
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("leverage not set", err)
		return err
	}
	a.emit.Info(fmt.Sprintf("setting leverage to %dx", leverage))
	if err := c.updateLeverage(ctx, leverage); err != nil {
		a.emit.Error("leverage update failed", err)
		return err
	}
	a.emit.Success(fmt.Sprintf("leverage set to %dx for %s", leverage, symbol.Market()))
	a.stream.Repoll()
	return nil
}

// CreateOrder validates req and submits it.
func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) error {
	const op = "create order"
	req, err := adapter.ValidateOrder(req)
	if err != nil {
		aerr := adapter.NewError(adapter.KindValidation, adapter.ExchangeLighter, op, err)
		a.emit.Error("order rejected", aerr)
		return aerr
	}
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("order not sent", err)
		return err
	}
	a.emit.Info("submitting " + req.String())
	if err := c.postOrder(ctx, req); err != nil {
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
		aerr := adapter.NewError(adapter.KindValidation, adapter.ExchangeLighter, op, err)
		a.emit.Error("cancel rejected", aerr)
		return aerr
	}
	c, err := a.session(op)
	if err != nil {
		a.emit.Error("cancel not sent", err)
		return err
	}
	a.emit.Info("cancelling order " + orderID)
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
	a.emit.Warn("cancelling all " + symbol.Market() + " orders")
	if err := c.cancelAll(ctx, symbol.Market()); err != nil {
		a.emit.Error("cancel all failed", err)
		return err
	}
	a.emit.Success("all " + symbol.Market() + " orders cancelled")
	a.stream.Repoll()
	return nil
}

// Close stops streaming and wipes the signing secret.
func (a *Adapter) Close() {
	a.stream.Stop()
	a.mu.Lock()
	s := a.signer
	wasConnected := a.connected
	a.signer = nil
	a.accountID = ""
	a.l1 = common.Address{}
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
