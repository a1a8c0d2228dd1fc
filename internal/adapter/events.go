package adapter

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the category of an Event.
type EventKind uint8

const (
	EventLog EventKind = iota + 1
	EventPrice
	EventAccountState
	EventOpenOrders
)

func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "log"
	case EventPrice:
		return "price"
	case EventAccountState:
		return "account_state"
	case EventOpenOrders:
		return "open_orders"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "log":
		*k = EventLog
	case "price":
		*k = EventPrice
	case "account_state":
		*k = EventAccountState
	case "open_orders":
		*k = EventOpenOrders
	default:
		return fmt.Errorf("unknown event kind %q", b)
	}
	return nil
}

// LogLevel grades user-facing log lines.
type LogLevel uint8

const (
	LevelInfo LogLevel = iota + 1
	LevelSuccess
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelSuccess:
		return "SUCCESS"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LogLevel) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "INFO":
		*l = LevelInfo
	case "SUCCESS":
		*l = LevelSuccess
	case "WARN":
		*l = LevelWarn
	case "ERROR":
		*l = LevelError
	default:
		return fmt.Errorf("unknown log level %q", b)
	}
	return nil
}

// LogEntry is the payload of an EventLog.
type LogEntry struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// Event is the unit delivered by the Bus. Exactly one payload field is set,
// matching Kind. Orders may be empty for an EventOpenOrders meaning the
// exchange has no open orders.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Exchange Exchange      `json:"exchange,omitempty"`
	Time     time.Time     `json:"time"`
	Log      *LogEntry     `json:"log,omitempty"`
	Price    *PriceQuote   `json:"price,omitempty"`
	State    *AccountState `json:"state,omitempty"`
	Orders   []Order       `json:"orders,omitempty"`
}

// Publisher is the sending side of the Bus. Adapters only see this.
type Publisher interface {
	Publish(Event)
}

// LogEvent builds a log event stamped now.
func LogEvent(exchange Exchange, level LogLevel, msg string) Event {
	return Event{
		Kind:     EventLog,
		Exchange: exchange,
		Time:     time.Now(),
		Log:      &LogEntry{Level: level, Message: msg},
	}
}

// PriceEvent builds a price event stamped with the quote time.
func PriceEvent(q PriceQuote) Event {
	return Event{Kind: EventPrice, Exchange: q.Exchange, Time: q.Timestamp, Price: &q}
}

// StateEvent builds an account state event stamped with s.UpdatedAt.
func StateEvent(s AccountState) Event {
	return Event{Kind: EventAccountState, Exchange: s.Exchange, Time: s.UpdatedAt, State: &s}
}

// OrdersEvent copies orders so the publisher can reuse its slice.
func OrdersEvent(exchange Exchange, orders []Order) Event {
	cp := make([]Order, len(orders))
	copy(cp, orders)
	return Event{Kind: EventOpenOrders, Exchange: exchange, Time: time.Now(), Orders: cp}
}
