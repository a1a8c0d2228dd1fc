// Package adapter defines the canonical entities, the event bus and the
// capability set shared by every exchange integration. Concrete adapters
// live in subpackages and translate exchange-native payloads into the types
// declared here.
package adapter

import "context"

// Adapter is the capability set of one exchange integration.
//
// Every method reports failure both as a returned *Error and as a log event
// on the bus; adapters never panic on exchange input.
type Adapter interface {
	Exchange() Exchange

	// Connect validates exchange-specific credential fields, then performs
	// one lightweight call to confirm them. It never retries.
	Connect(ctx context.Context, creds Credentials) error
	Connected() bool

	// StartStreaming requires a prior Connect. It polls once before
	// returning and then polls on the adapter's interval.
	StartStreaming(ctx context.Context, symbol Symbol) error
	StopStreaming()
	Streaming() bool

	SetLeverage(ctx context.Context, symbol Symbol, leverage int) error
	CreateOrder(ctx context.Context, req OrderRequest) error
	CancelOrder(ctx context.Context, symbol Symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol Symbol) error

	// Close stops streaming and forgets the credentials.
	Close()
}
