package control

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/hedge"
)

// Handler implements the Control service on top of a Backend.
type Handler struct {
	backend Backend
}

var _ controlServer = (*Handler)(nil)

// NewHandler creates a Handler wired to the given Backend.
func NewHandler(b Backend) *Handler {
	return &Handler{backend: b}
}

var empty = &Empty{}

// reply converts a backend error into a gRPC status.
func reply(err error) (*Empty, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return empty, nil
}

// toStatus maps the adapter error taxonomy onto gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, adapter.ErrNotConnected),
		errors.Is(err, hedge.ErrNotDesignated),
		errors.Is(err, hedge.ErrNoPrice),
		errors.Is(err, hedge.ErrNoPosition):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		if kind, ok := adapter.KindOf(err); ok {
			switch kind {
			case adapter.KindValidation:
				code = codes.InvalidArgument
			case adapter.KindAuthentication, adapter.KindSigning:
				code = codes.Unauthenticated
			case adapter.KindNetwork:
				code = codes.Unavailable
			case adapter.KindExchange:
				code = codes.Aborted
			}
		}
	}
	return status.Error(code, err.Error())
}

func invalid(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}

// Connect serves the Connect call.
func (h *Handler) Connect(ctx context.Context, req *ConnectRequest) (*Empty, error) {
	return reply(h.backend.Connect(ctx, req.Exchange, req.Credentials))
}

// Disconnect serves the Disconnect call.
func (h *Handler) Disconnect(_ context.Context, req *ExchangeRequest) (*Empty, error) {
	if _, err := adapter.ParseExchange(string(req.Exchange)); err != nil {
		return nil, invalid(err.Error())
	}
	h.backend.Disconnect(req.Exchange)
	return empty, nil
}

// StartStreaming serves the StartStreaming call.
func (h *Handler) StartStreaming(ctx context.Context, req *ExchangeRequest) (*Empty, error) {
	return reply(h.backend.StartStreaming(ctx, req.Exchange))
}

// StopStreaming serves the StopStreaming call.
func (h *Handler) StopStreaming(_ context.Context, req *ExchangeRequest) (*Empty, error) {
	return reply(h.backend.StopStreaming(req.Exchange))
}

// SetSymbol serves the SetSymbol call.
func (h *Handler) SetSymbol(ctx context.Context, req *SymbolRequest) (*Empty, error) {
	return reply(h.backend.SetSymbol(ctx, req.Symbol))
}

// SetLeverage serves the SetLeverage call.
func (h *Handler) SetLeverage(ctx context.Context, req *LeverageRequest) (*Empty, error) {
	return reply(h.backend.SetLeverage(ctx, req.Exchange, req.Leverage))
}

// PlaceOrder submits an explicitly priced LIMIT order as is; anything else
// goes through the offset pricing of the backend.
func (h *Handler) PlaceOrder(ctx context.Context, req *OrderRequest) (*Empty, error) {
	if req.Type == adapter.OrderTypeLimit && req.Price > 0 {
		return reply(h.backend.CreateOrder(ctx, req.Exchange, adapter.OrderRequest{
			Type:      req.Type,
			Direction: req.Direction,
			Quantity:  req.Quantity,
			Price:     req.Price,
		}))
	}
	return reply(h.backend.PlaceOrder(ctx, req.Exchange, req.Type, req.Direction, req.Quantity))
}

// ClosePosition closes the whole position, by MARKET unless a type is given.
func (h *Handler) ClosePosition(ctx context.Context, req *ClosePositionRequest) (*Empty, error) {
	typ := req.Type
	if typ == 0 {
		typ = adapter.OrderTypeMarket
	}
	return reply(h.backend.ClosingOrder(ctx, req.Exchange, typ))
}

// CancelOrder serves the CancelOrder call.
func (h *Handler) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*Empty, error) {
	if req.OrderID == "" {
		return nil, invalid("order id is required")
	}
	return reply(h.backend.CancelOrder(ctx, req.Exchange, req.OrderID))
}

// CancelAllOrders serves the CancelAllOrders call.
func (h *Handler) CancelAllOrders(ctx context.Context, req *ExchangeRequest) (*Empty, error) {
	return reply(h.backend.CancelAllOrders(ctx, req.Exchange))
}

// CancelAllOpen serves the CancelAllOpen call.
func (h *Handler) CancelAllOpen(ctx context.Context, _ *Empty) (*CancelAllOpenResponse, error) {
	n, err := h.backend.CancelAllOpen(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CancelAllOpenResponse{Exchanges: n}, nil
}

// Designate serves the Designate call.
func (h *Handler) Designate(_ context.Context, req *DesignateRequest) (*Empty, error) {
	return reply(h.backend.Designate(req.Benchmark, req.Follower))
}

// SetAutoBalance serves the SetAutoBalance call.
func (h *Handler) SetAutoBalance(_ context.Context, req *AutoBalanceRequest) (*Empty, error) {
	h.backend.SetAutoBalance(req.Enabled)
	return empty, nil
}

// PlaceStrategyOrder serves the PlaceStrategyOrder call.
func (h *Handler) PlaceStrategyOrder(ctx context.Context, req *StrategyOrderRequest) (*Empty, error) {
	return reply(h.backend.PlaceStrategyOrder(ctx, req.Direction, req.Quantity))
}

// StopStrategy serves the StopStrategy call.
func (h *Handler) StopStrategy(ctx context.Context, _ *Empty) (*Empty, error) {
	return reply(h.backend.StopStrategy(ctx))
}

// UpdateSettings changes the engine interval and the strategy offset;
// zero or nil fields are left alone.
func (h *Handler) UpdateSettings(_ context.Context, req *SettingsRequest) (*Empty, error) {
	if req.EngineIntervalMs < 0 {
		return nil, invalid("engine interval must be positive")
	}
	if req.Offset != nil && *req.Offset < 0 {
		return nil, invalid("offset must not be negative")
	}
	if req.EngineIntervalMs > 0 {
		if err := h.backend.SetEngineInterval(time.Duration(req.EngineIntervalMs) * time.Millisecond); err != nil {
			return nil, toStatus(err)
		}
	}
	if req.Offset != nil {
		h.backend.SetOffset(*req.Offset)
	}
	return empty, nil
}

// Status serves the Status call.
func (h *Handler) Status(_ context.Context, _ *Empty) (*hedge.Status, error) {
	st := h.backend.Status()
	return &st, nil
}
