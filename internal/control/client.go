package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/hedge"
)

// Client calls the Control service over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects lazily; the first call establishes the connection.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Connect calls Connect on the daemon.
func (c *Client) Connect(ctx context.Context, ex adapter.Exchange, creds adapter.Credentials) error {
	return c.call(ctx, "Connect", &ConnectRequest{Exchange: ex, Credentials: creds}, &Empty{})
}

// Disconnect calls Disconnect on the daemon.
func (c *Client) Disconnect(ctx context.Context, ex adapter.Exchange) error {
	return c.call(ctx, "Disconnect", &ExchangeRequest{Exchange: ex}, &Empty{})
}

// StartStreaming calls StartStreaming on the daemon.
func (c *Client) StartStreaming(ctx context.Context, ex adapter.Exchange) error {
	return c.call(ctx, "StartStreaming", &ExchangeRequest{Exchange: ex}, &Empty{})
}

// StopStreaming calls StopStreaming on the daemon.
func (c *Client) StopStreaming(ctx context.Context, ex adapter.Exchange) error {
	return c.call(ctx, "StopStreaming", &ExchangeRequest{Exchange: ex}, &Empty{})
}

// SetSymbol calls SetSymbol on the daemon.
func (c *Client) SetSymbol(ctx context.Context, sym adapter.Symbol) error {
	return c.call(ctx, "SetSymbol", &SymbolRequest{Symbol: sym}, &Empty{})
}

// SetLeverage calls SetLeverage on the daemon.
func (c *Client) SetLeverage(ctx context.Context, ex adapter.Exchange, leverage int) error {
	return c.call(ctx, "SetLeverage", &LeverageRequest{Exchange: ex, Leverage: leverage}, &Empty{})
}

// PlaceOrder sends an individual order; see Handler.PlaceOrder.
func (c *Client) PlaceOrder(ctx context.Context, req *OrderRequest) error {
	return c.call(ctx, "PlaceOrder", req, &Empty{})
}

// ClosePosition calls ClosePosition on the daemon.
func (c *Client) ClosePosition(ctx context.Context, ex adapter.Exchange, typ adapter.OrderType) error {
	return c.call(ctx, "ClosePosition", &ClosePositionRequest{Exchange: ex, Type: typ}, &Empty{})
}

// CancelOrder calls CancelOrder on the daemon.
func (c *Client) CancelOrder(ctx context.Context, ex adapter.Exchange, orderID string) error {
	return c.call(ctx, "CancelOrder", &CancelOrderRequest{Exchange: ex, OrderID: orderID}, &Empty{})
}

// CancelAllOrders calls CancelAllOrders on the daemon.
func (c *Client) CancelAllOrders(ctx context.Context, ex adapter.Exchange) error {
	return c.call(ctx, "CancelAllOrders", &ExchangeRequest{Exchange: ex}, &Empty{})
}

// CancelAllOpen returns how many exchanges had orders cancelled.
func (c *Client) CancelAllOpen(ctx context.Context) (int, error) {
	var out CancelAllOpenResponse
	if err := c.call(ctx, "CancelAllOpen", &Empty{}, &out); err != nil {
		return 0, err
	}
	return out.Exchanges, nil
}

// Designate calls Designate on the daemon.
func (c *Client) Designate(ctx context.Context, benchmark, follower adapter.Exchange) error {
	return c.call(ctx, "Designate", &DesignateRequest{Benchmark: benchmark, Follower: follower}, &Empty{})
}

// SetAutoBalance calls SetAutoBalance on the daemon.
func (c *Client) SetAutoBalance(ctx context.Context, on bool) error {
	return c.call(ctx, "SetAutoBalance", &AutoBalanceRequest{Enabled: on}, &Empty{})
}

// PlaceStrategyOrder calls PlaceStrategyOrder on the daemon.
func (c *Client) PlaceStrategyOrder(ctx context.Context, dir adapter.Direction, qty float64) error {
	return c.call(ctx, "PlaceStrategyOrder", &StrategyOrderRequest{Direction: dir, Quantity: qty}, &Empty{})
}

// StopStrategy calls StopStrategy on the daemon.
func (c *Client) StopStrategy(ctx context.Context) error {
	return c.call(ctx, "StopStrategy", &Empty{}, &Empty{})
}

// UpdateSettings changes the engine interval and/or the order offset. A zero
// interval or nil offset is left unchanged.
func (c *Client) UpdateSettings(ctx context.Context, interval time.Duration, offset *float64) error {
	return c.call(ctx, "UpdateSettings", &SettingsRequest{EngineIntervalMs: interval.Milliseconds(), Offset: offset}, &Empty{})
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*hedge.Status, error) {
	var out hedge.Status
	if err := c.call(ctx, "Status", &Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
