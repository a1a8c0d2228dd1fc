package control

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/hedge"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hedger.control.v1.Control"

// Request and response messages.
type (
	Empty struct{}

	ExchangeRequest struct {
		Exchange adapter.Exchange `json:"exchange"`
	}

	ConnectRequest struct {
		Exchange    adapter.Exchange    `json:"exchange"`
		Credentials adapter.Credentials `json:"credentials"`
	}

	SymbolRequest struct {
		Symbol adapter.Symbol `json:"symbol"`
	}

	LeverageRequest struct {
		Exchange adapter.Exchange `json:"exchange"`
		Leverage int              `json:"leverage"`
	}

	// OrderRequest places an individual order. A LIMIT order without a
	// price is priced from the current price and the strategy offset.
	OrderRequest struct {
		Exchange  adapter.Exchange  `json:"exchange"`
		Type      adapter.OrderType `json:"type,omitempty"`
		Direction adapter.Direction `json:"direction"`
		Quantity  float64           `json:"quantity"`
		Price     float64           `json:"price,omitempty"`
	}

	ClosePositionRequest struct {
		Exchange adapter.Exchange  `json:"exchange"`
		Type     adapter.OrderType `json:"type,omitempty"`
	}

	CancelOrderRequest struct {
		Exchange adapter.Exchange `json:"exchange"`
		OrderID  string           `json:"orderId"`
	}

	CancelAllOpenResponse struct {
		Exchanges int `json:"exchanges"`
	}

	DesignateRequest struct {
		Benchmark adapter.Exchange `json:"benchmark"`
		Follower  adapter.Exchange `json:"follower"`
	}

	AutoBalanceRequest struct {
		Enabled bool `json:"enabled"`
	}

	StrategyOrderRequest struct {
		Direction adapter.Direction `json:"direction"`
		Quantity  float64           `json:"quantity"`
	}

	// SettingsRequest changes runtime tunables; zero fields are left alone.
	SettingsRequest struct {
		EngineIntervalMs int64    `json:"engineIntervalMs,omitempty"`
		Offset           *float64 `json:"offset,omitempty"`
	}
)

// Backend is the set of operations the control service exposes.
// *hedge.Manager implements it.
type Backend interface {
	Connect(ctx context.Context, ex adapter.Exchange, creds adapter.Credentials) error
	Disconnect(ex adapter.Exchange)
	StartStreaming(ctx context.Context, ex adapter.Exchange) error
	StopStreaming(ex adapter.Exchange) error
	SetSymbol(ctx context.Context, sym adapter.Symbol) error
	SetLeverage(ctx context.Context, ex adapter.Exchange, leverage int) error
	CreateOrder(ctx context.Context, ex adapter.Exchange, req adapter.OrderRequest) error
	PlaceOrder(ctx context.Context, ex adapter.Exchange, typ adapter.OrderType, dir adapter.Direction, qty float64) error
	ClosingOrder(ctx context.Context, ex adapter.Exchange, typ adapter.OrderType) error
	CancelOrder(ctx context.Context, ex adapter.Exchange, orderID string) error
	CancelAllOrders(ctx context.Context, ex adapter.Exchange) error
	CancelAllOpen(ctx context.Context) (int, error)
	Designate(benchmark, follower adapter.Exchange) error
	SetAutoBalance(on bool)
	PlaceStrategyOrder(ctx context.Context, dir adapter.Direction, qty float64) error
	StopStrategy(ctx context.Context) error
	SetEngineInterval(d time.Duration) error
	SetOffset(offset float64)
	Status() hedge.Status
}

var _ Backend = (*hedge.Manager)(nil)

// controlServer is the server API for the Control service.
type controlServer interface {
	Connect(context.Context, *ConnectRequest) (*Empty, error)
	Disconnect(context.Context, *ExchangeRequest) (*Empty, error)
	StartStreaming(context.Context, *ExchangeRequest) (*Empty, error)
	StopStreaming(context.Context, *ExchangeRequest) (*Empty, error)
	SetSymbol(context.Context, *SymbolRequest) (*Empty, error)
	SetLeverage(context.Context, *LeverageRequest) (*Empty, error)
	PlaceOrder(context.Context, *OrderRequest) (*Empty, error)
	ClosePosition(context.Context, *ClosePositionRequest) (*Empty, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*Empty, error)
	CancelAllOrders(context.Context, *ExchangeRequest) (*Empty, error)
	CancelAllOpen(context.Context, *Empty) (*CancelAllOpenResponse, error)
	Designate(context.Context, *DesignateRequest) (*Empty, error)
	SetAutoBalance(context.Context, *AutoBalanceRequest) (*Empty, error)
	PlaceStrategyOrder(context.Context, *StrategyOrderRequest) (*Empty, error)
	StopStrategy(context.Context, *Empty) (*Empty, error)
	UpdateSettings(context.Context, *SettingsRequest) (*Empty, error)
	Status(context.Context, *Empty) (*hedge.Status, error)
}

// unary builds the MethodDesc for one RPC of controlServer.
func unary[Req, Resp any](name string, call func(controlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(controlServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", controlServer.Connect),
		unary("Disconnect", controlServer.Disconnect),
		unary("StartStreaming", controlServer.StartStreaming),
		unary("StopStreaming", controlServer.StopStreaming),
		unary("SetSymbol", controlServer.SetSymbol),
		unary("SetLeverage", controlServer.SetLeverage),
		unary("PlaceOrder", controlServer.PlaceOrder),
		unary("ClosePosition", controlServer.ClosePosition),
		unary("CancelOrder", controlServer.CancelOrder),
		unary("CancelAllOrders", controlServer.CancelAllOrders),
		unary("CancelAllOpen", controlServer.CancelAllOpen),
		unary("Designate", controlServer.Designate),
		unary("SetAutoBalance", controlServer.SetAutoBalance),
		unary("PlaceStrategyOrder", controlServer.PlaceStrategyOrder),
		unary("StopStrategy", controlServer.StopStrategy),
		unary("UpdateSettings", controlServer.UpdateSettings),
		unary("Status", controlServer.Status),
	},
	Metadata: "hedger/control.v1",
}
