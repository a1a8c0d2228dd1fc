package adapter

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies one exchange integration. Values are stable and are
// used as keys by the state store, the event bus and the control API.
type Exchange string

const (
	ExchangePacifica Exchange = "pacifica"
	ExchangeLighter  Exchange = "lighter"
)

// Exchanges lists every supported integration in display order.
var Exchanges = []Exchange{ExchangePacifica, ExchangeLighter}

// ParseExchange resolves a case-insensitive exchange name.
func ParseExchange(s string) (Exchange, error) {
	switch Exchange(strings.ToLower(strings.TrimSpace(s))) {
	case ExchangePacifica:
		return ExchangePacifica, nil
	case ExchangeLighter:
		return ExchangeLighter, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, s)
	}
}

// DisplayName returns the human-readable exchange name.
func (e Exchange) DisplayName() string {
	switch e {
	case ExchangePacifica:
		return "Pacifica"
	case ExchangeLighter:
		return "Lighter"
	default:
		return string(e)
	}
}

// Symbol is a tradable base asset. Both exchanges list it as a perpetual.
type Symbol string

const (
	SymbolBTC Symbol = "BTC"
	SymbolETH Symbol = "ETH"
	SymbolSOL Symbol = "SOL"
)

// Symbols lists the supported trading symbols.
var Symbols = []Symbol{SymbolBTC, SymbolETH, SymbolSOL}

// ParseSymbol resolves a case-insensitive symbol.
func ParseSymbol(s string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	if !sym.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, s)
	}
	return sym, nil
}

// Valid reports whether s is one of the supported symbols.
func (s Symbol) Valid() bool {
	for _, known := range Symbols {
		if s == known {
			return true
		}
	}
	return false
}

// Market returns the perpetual market name, e.g. "BTC-PERP".
func (s Symbol) Market() string {
	return string(s) + "-PERP"
}

// Direction is the side of a position or order.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Opposite returns the direction that offsets d. NONE stays NONE.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNone
	}
}

// ParseDirection accepts LONG/SHORT/NONE in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return DirectionLong, nil
	case "SHORT":
		return DirectionShort, nil
	case "NONE", "":
		return DirectionNone, nil
	default:
		return DirectionNone, fmt.Errorf("%w: %q", ErrMissingDirection, s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// OrderType distinguishes execution semantics.
type OrderType uint8

const (
	OrderTypeMarket OrderType = iota + 1
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderType accepts MARKET/LIMIT and the short forms MKT/LMT.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET", "MKT":
		return OrderTypeMarket, nil
	case "LIMIT", "LMT":
		return OrderTypeLimit, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrderType, s)
	}
}

func (t OrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Position is the net exposure of one account on one market.
// Direction is NONE if and only if Quantity is zero.
type Position struct {
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entryPrice"`
}

// NewPosition builds a Position that honours the NONE/zero invariant: a
// non-positive quantity or a NONE direction yields the flat position.
func NewPosition(dir Direction, qty, entry float64) Position {
	if qty <= 0 || dir == DirectionNone {
		return Position{}
	}
	if entry < 0 {
		entry = 0
	}
	return Position{Direction: dir, Quantity: qty, EntryPrice: entry}
}

// Signed returns the quantity with its sign encoding direction.
func (p Position) Signed() float64 {
	switch p.Direction {
	case DirectionLong:
		return p.Quantity
	case DirectionShort:
		return -p.Quantity
	default:
		return 0
	}
}

// AccountState is the full account view produced by one poll. It always
// replaces the previous state for the same exchange.
type AccountState struct {
	Exchange    Exchange  `json:"exchange"`
	DisplayName string    `json:"displayName"`
	Position    Position  `json:"position"`
	PnL         float64   `json:"pnl"`
	Balance     float64   `json:"balance"`
	Currency    string    `json:"currency"`
	Leverage    int       `json:"leverage"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Order is one open order as reported by an exchange.
type Order struct {
	ID             string    `json:"id"`
	Exchange       Exchange  `json:"exchange"`
	Type           OrderType `json:"type,omitempty"`
	Direction      Direction `json:"direction"`
	Quantity       float64   `json:"quantity"`
	FilledQuantity float64   `json:"filledQuantity"`
	Price          float64   `json:"price"`
	Timestamp      time.Time `json:"timestamp"`
}

// PriceQuote is the latest mark price of the streamed market.
type PriceQuote struct {
	Exchange  Exchange  `json:"exchange"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderRequest is the caller-supplied description of a new order.
// Price is required for LIMIT orders and ignored for MARKET orders.
type OrderRequest struct {
	Symbol    Symbol    `json:"symbol"`
	Type      OrderType `json:"type"`
	Direction Direction `json:"direction"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price,omitempty"`
}

// String renders r for log lines.
func (r OrderRequest) String() string {
	if r.Type == OrderTypeLimit {
		return fmt.Sprintf("%s %s %g %s @ %g", r.Type, r.Direction, r.Quantity, r.Symbol, r.Price)
	}
	return fmt.Sprintf("%s %s %g %s @ MKT", r.Type, r.Direction, r.Quantity, r.Symbol)
}

// Credentials authenticate one exchange account. AccountAddress is the
// wallet used by Pacifica; AccountID and L1Address are used by Lighter.
type Credentials struct {
	APIKey         string `json:"apiKey" mapstructure:"apiKey"`
	APISecret      string `json:"apiSecret" mapstructure:"apiSecret"`
	AccountAddress string `json:"accountAddress,omitempty" mapstructure:"accountAddress"`
	AccountID      int64  `json:"accountId,omitempty" mapstructure:"accountId"`
	L1Address      string `json:"l1Address,omitempty" mapstructure:"l1Address"`
}

// String never prints the secret and shows only a prefix of the key.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{key=%s secret=%s account=%s id=%d l1=%s}",
		Redact(c.APIKey), redactAll(c.APISecret), Redact(c.AccountAddress), c.AccountID, Redact(c.L1Address))
}

// GoString keeps %#v from leaking the secret.
func (c Credentials) GoString() string { return c.String() }

// Redact keeps the first five characters of s.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 5 {
		return "*****"
	}
	return s[:5] + "..."
}

func redactAll(s string) string {
	if s == "" {
		return ""
	}
	return "*****"
}
