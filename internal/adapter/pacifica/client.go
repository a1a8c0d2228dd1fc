package pacifica

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/deltahedge/hedger/internal/adapter"
)

const collateralToken = "USDC"

// --- Raw wire types ---

// envelope wraps every Pacifica account reply.
type envelope[T any] struct {
	Success *bool  `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

type rawServerTime struct {
	ServerTime adapter.Float `json:"serverTime"`
}

type rawSummary struct {
	MarkPrice adapter.Float `json:"markPrice"`
}

type rawCollateral struct {
	Balance  adapter.Float `json:"balance"`
	Leverage adapter.Float `json:"leverage"`
}

type rawPosition struct {
	PositionSize  adapter.Float `json:"positionSize"`
	Side          string        `json:"side"`
	EntryPrice    adapter.Float `json:"entryPrice"`
	UnrealisedPnl adapter.Float `json:"unrealisedPnl"`
}

type rawOrder struct {
	OrderID    adapter.ID    `json:"orderId"`
	Type       string        `json:"type"`
	Side       string        `json:"side"`
	OrderSize  adapter.Float `json:"orderSize"`
	FilledSize adapter.Float `json:"filledSize"`
	Price      adapter.Float `json:"price"`
	CreatedAt  adapter.Float `json:"createdAt"`
}

// client issues Pacifica REST calls for one account.
type client struct {
	rest    *adapter.RESTClient
	account string
}

// call runs req and unwraps the data envelope. A 2xx reply carrying an
// error field is an exchange error.
func call[T any](ctx context.Context, c *client, req adapter.Request) (T, error) {
	var env envelope[T]
	if err := c.rest.Do(ctx, req, &env); err != nil {
		var zero T
		return zero, err
	}
	if env.Error != "" || (env.Success != nil && !*env.Success) {
		msg := env.Error
		if msg == "" {
			msg = "request unsuccessful"
		}
		return env.Data, adapter.NewError(adapter.KindExchange, adapter.ExchangePacifica, req.Op, errors.New(msg))
	}
	return env.Data, nil
}

func (c *client) serverTime(ctx context.Context) (float64, error) {
	var out rawServerTime
	err := c.rest.Do(ctx, adapter.Request{
		Op: "server time", Method: http.MethodGet, Path: "/utils/server_time", Signed: true,
	}, &out)
	if err != nil {
		return 0, err
	}
	if out.ServerTime <= 0 {
		return 0, adapter.NewError(adapter.KindExchange, adapter.ExchangePacifica, "server time",
			errors.New("reply has no serverTime"))
	}
	return float64(out.ServerTime), nil
}

func (c *client) markPrice(ctx context.Context, market string) (float64, error) {
	s, err := call[rawSummary](ctx, c, adapter.Request{
		Op: "fetch price", Method: http.MethodGet, Path: "/markets/" + market + "/summary", Signed: true,
	})
	return float64(s.MarkPrice), err
}

func (c *client) collateral(ctx context.Context) (rawCollateral, error) {
	return call[rawCollateral](ctx, c, adapter.Request{
		Op: "fetch collateral", Method: http.MethodGet, Path: "/collateral", Signed: true,
		Query: map[string]any{"token_name": collateralToken, "account_address": c.account},
	})
}

func (c *client) positions(ctx context.Context, market string) ([]rawPosition, error) {
	return call[[]rawPosition](ctx, c, adapter.Request{
		Op: "fetch position", Method: http.MethodGet, Path: "/positions", Signed: true,
		Query: map[string]any{"market_name": market, "account_address": c.account},
	})
}

func (c *client) openOrders(ctx context.Context, market string) ([]rawOrder, error) {
	return call[[]rawOrder](ctx, c, adapter.Request{
		Op: "fetch orders", Method: http.MethodGet, Path: "/orders", Signed: true,
		Query: map[string]any{"market_name": market, "account_address": c.account, "status": "OPEN"},
	})
}

func (c *client) updateLeverage(ctx context.Context, leverage int) error {
	_, err := call[any](ctx, c, adapter.Request{
		Op: "set leverage", Method: http.MethodPost, Path: "/collateral", Signed: true,
		Body: map[string]any{
			"token_name":      collateralToken,
			"account_address": c.account,
			"leverage":        leverage,
		},
	})
	return err
}

func (c *client) postOrder(ctx context.Context, body map[string]any) error {
	body["account_address"] = c.account
	_, err := call[any](ctx, c, adapter.Request{
		Op: "create order", Method: http.MethodPost, Path: "/orders", Signed: true, Body: body,
	})
	return err
}

func (c *client) cancelOrder(ctx context.Context, market string, orderID int64) error {
	_, err := call[any](ctx, c, adapter.Request{
		Op: "cancel order", Method: http.MethodDelete, Path: "/orders", Signed: true,
		Query: map[string]any{
			"market_name":     market,
			"order_id":        orderID,
			"account_address": c.account,
		},
	})
	return err
}

func (c *client) cancelAll(ctx context.Context, market string) error {
	_, err := call[any](ctx, c, adapter.Request{
		Op: "cancel all orders", Method: http.MethodDelete, Path: "/orders/all", Signed: true,
		Query: map[string]any{"market_name": market, "account_address": c.account},
	})
	return err
}

// --- Translation ---

func parseSide(s string) adapter.Direction {
	if s == "LONG" {
		return adapter.DirectionLong
	}
	return adapter.DirectionShort
}

func parseOrderType(s string) adapter.OrderType {
	if s == "MARKET" {
		return adapter.OrderTypeMarket
	}
	return adapter.OrderTypeLimit
}

// translatePosition returns the position and unrealized PnL of the first
// entry; an empty list is flat.
func translatePosition(list []rawPosition) (adapter.Position, float64) {
	if len(list) == 0 {
		return adapter.Position{}, 0
	}
	p := list[0]
	return adapter.NewPosition(parseSide(p.Side), float64(p.PositionSize), float64(p.EntryPrice)),
		float64(p.UnrealisedPnl)
}

func translateOrders(list []rawOrder) []adapter.Order {
	orders := make([]adapter.Order, 0, len(list))
	for _, o := range list {
		orders = append(orders, adapter.Order{
			ID:             string(o.OrderID),
			Exchange:       adapter.ExchangePacifica,
			Type:           parseOrderType(o.Type),
			Direction:      parseSide(o.Side),
			Quantity:       float64(o.OrderSize),
			FilledQuantity: float64(o.FilledSize),
			Price:          float64(o.Price),
			Timestamp:      adapter.UnixTime(float64(o.CreatedAt)),
		})
	}
	return orders
}

func parseOrderID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("order id must be a positive integer")
	}
	return n, nil
}
