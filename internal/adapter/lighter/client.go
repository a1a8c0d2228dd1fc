package lighter

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/deltahedge/hedger/internal/adapter"
)

const collateralToken = "USDT"

const (
	pathSummary    = "/api/v2/market/summary"
	pathCollateral = "/api/v2/account/collateral"
	pathPositions  = "/api/v2/account/positions"
	pathOrders     = "/api/v2/account/orders"
	pathOrdersAll  = "/api/v2/account/orders/all"
)

// --- Raw wire types ---

type rawSummary struct {
	MarkPrice *adapter.Float `json:"mark_price"`
}

type rawCollateral struct {
	Balance  *adapter.Float `json:"balance"`
	Leverage adapter.Float  `json:"leverage"`
}

// rawPosition is an empty object when the account is flat.
type rawPosition struct {
	Size          adapter.Float `json:"size"`
	Side          string        `json:"side"`
	EntryPrice    adapter.Float `json:"entry_price"`
	UnrealisedPnl adapter.Float `json:"unrealised_pnl"`
}

type rawOrder struct {
	OrderID    adapter.ID    `json:"order_id"`
	Status     string        `json:"status"`
	Type       string        `json:"type"`
	Side       string        `json:"side"`
	Size       adapter.Float `json:"size"`
	FilledSize adapter.Float `json:"filled_size"`
	Price      adapter.Float `json:"price"`
	CreatedAt  adapter.Float `json:"created_at"`
}

// client issues Lighter REST calls for one account.
type client struct {
	rest      *adapter.RESTClient
	accountID string
}

func malformed(op, what string) error {
	return adapter.NewError(adapter.KindExchange, adapter.ExchangeLighter, op,
		errors.New("reply has no "+what))
}

// markPrice is public and unsigned.
func (c *client) markPrice(ctx context.Context, market string) (float64, error) {
	const op = "fetch price"
	var out rawSummary
	err := c.rest.Do(ctx, adapter.Request{
		Op: op, Method: http.MethodGet, Path: pathSummary,
		Query: map[string]any{"market": market},
	}, &out)
	if err != nil {
		return 0, err
	}
	if out.MarkPrice == nil {
		return 0, malformed(op, "mark_price")
	}
	return float64(*out.MarkPrice), nil
}

func (c *client) collateral(ctx context.Context) (balance float64, leverage int, err error) {
	const op = "fetch collateral"
	var out rawCollateral
	err = c.rest.Do(ctx, adapter.Request{
		Op: op, Method: http.MethodGet, Path: pathCollateral, Signed: true,
		Query: map[string]any{"token": collateralToken, "account_id": c.accountID},
	}, &out)
	if err != nil {
		return 0, 0, err
	}
	if out.Balance == nil {
		return 0, 0, malformed(op, "balance")
	}
	return float64(*out.Balance), int(out.Leverage), nil
}

func (c *client) position(ctx context.Context, market string) (rawPosition, error) {
	var out rawPosition
	err := c.rest.Do(ctx, adapter.Request{
		Op: "fetch position", Method: http.MethodGet, Path: pathPositions, Signed: true,
		Query: map[string]any{"market": market, "account_id": c.accountID},
	}, &out)
	return out, err
}

// openOrders lists the account's orders and keeps the OPEN ones; the
// endpoint has no status filter.
func (c *client) openOrders(ctx context.Context, market string) ([]rawOrder, error) {
	var all []rawOrder
	err := c.rest.Do(ctx, adapter.Request{
		Op: "fetch orders", Method: http.MethodGet, Path: pathOrders, Signed: true,
		Query: map[string]any{"market": market, "account_id": c.accountID},
	}, &all)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, o := range all {
		if o.Status == "OPEN" {
			open = append(open, o)
		}
	}
	return open, nil
}

func (c *client) updateLeverage(ctx context.Context, leverage int) error {
	return c.rest.Do(ctx, adapter.Request{
		Op: "set leverage", Method: http.MethodPost, Path: pathCollateral, Signed: true,
		Body: map[string]any{
			"account_id": c.accountID,
			"token":      collateralToken,
			"leverage":   strconv.Itoa(leverage),
		},
	}, nil)
}

func (c *client) postOrder(ctx context.Context, req adapter.OrderRequest) error {
	body := map[string]any{
		"account_id": c.accountID,
		"market":     req.Symbol.Market(),
		"side":       formatSide(req.Direction),
		"type":       formatOrderType(req.Type),
		"size":       adapter.FormatDecimal(req.Quantity),
	}
	if req.Type == adapter.OrderTypeLimit {
		body["price"] = adapter.FormatDecimal(req.Price)
	}
	return c.rest.Do(ctx, adapter.Request{
		Op: "create order", Method: http.MethodPost, Path: pathOrders, Signed: true, Body: body,
	}, nil)
}

func (c *client) cancelOrder(ctx context.Context, market string, orderID int64) error {
	return c.rest.Do(ctx, adapter.Request{
		Op: "cancel order", Method: http.MethodDelete, Path: pathOrders, Signed: true,
		Body: map[string]any{
			"account_id": c.accountID,
			"market":     market,
			"order_id":   orderID,
		},
	}, nil)
}

func (c *client) cancelAll(ctx context.Context, market string) error {
	return c.rest.Do(ctx, adapter.Request{
		Op: "cancel all orders", Method: http.MethodDelete, Path: pathOrdersAll, Signed: true,
		Body: map[string]any{"account_id": c.accountID, "market": market},
	}, nil)
}

// --- Translation ---

func formatSide(d adapter.Direction) string {
	if d == adapter.DirectionLong {
		return "B"
	}
	return "S"
}

func formatOrderType(t adapter.OrderType) string {
	if t == adapter.OrderTypeLimit {
		return "L"
	}
	return "M"
}

func parseSide(s string) adapter.Direction {
	if s == "B" {
		return adapter.DirectionLong
	}
	return adapter.DirectionShort
}

func translatePosition(p rawPosition) (adapter.Position, float64) {
	if p.Size <= 0 {
		return adapter.Position{}, 0
	}
	return adapter.NewPosition(parseSide(p.Side), float64(p.Size), float64(p.EntryPrice)),
		float64(p.UnrealisedPnl)
}

func translateOrders(list []rawOrder) []adapter.Order {
	orders := make([]adapter.Order, 0, len(list))
	for _, o := range list {
		typ := adapter.OrderTypeMarket
		if o.Type == "L" {
			typ = adapter.OrderTypeLimit
		}
		orders = append(orders, adapter.Order{
			ID:             string(o.OrderID),
			Exchange:       adapter.ExchangeLighter,
			Type:           typ,
			Direction:      parseSide(o.Side),
			Quantity:       float64(o.Size),
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
