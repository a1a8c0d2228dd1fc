package adapter

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrNotConnected      = errors.New("adapter is not connected")
	ErrUnknownExchange   = errors.New("unknown exchange")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrMissingCredential = errors.New("missing credential field")
	ErrInvalidAddress    = errors.New("invalid account address")
	ErrRejected          = errors.New("credentials rejected by exchange")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrMissingDirection  = errors.New("direction must be LONG or SHORT")
	ErrInvalidOrderType  = errors.New("invalid order type")
	ErrPriceMissing      = errors.New("limit order requires a positive price")
	ErrInvalidLeverage   = errors.New("leverage out of range")
	ErrMalformedResponse = errors.New("malformed exchange response")
)

// ErrorKind classifies a failure by how the caller must react to it.
type ErrorKind uint8

const (
	// KindAuthentication: credential fields missing or rejected. The
	// adapter stays unconnected.
	KindAuthentication ErrorKind = iota + 1
	// KindSigning: the secret could not sign a request.
	KindSigning
	// KindNetwork: connectivity loss. Halts streaming.
	KindNetwork
	// KindExchange: a well-formed error reply. Non-fatal.
	KindExchange
	// KindValidation: bad caller input, rejected before any request.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication error"
	case KindSigning:
		return "signing error"
	case KindNetwork:
		return "network error"
	case KindExchange:
		return "exchange error"
	case KindValidation:
		return "validation error"
	default:
		return "error"
	}
}

// Error is the error type returned by every adapter operation.
type Error struct {
	Kind     ErrorKind
	Exchange Exchange
	Op       string
	Status   int // HTTP status for KindExchange, 0 otherwise
	Err      error
}

// NewError wraps err with its kind and origin.
func NewError(kind ErrorKind, exchange Exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Status != 0 {
		prefix = fmt.Sprintf("%s (%d)", prefix, e.Status)
	}
	switch {
	case e.Exchange != "" && e.Op != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Exchange, e.Op, prefix, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// RejectedCredentials turns an exchange reply to a credential check into a
// KindAuthentication error. Network and signing failures pass through.
func RejectedCredentials(err error) error {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == KindExchange {
		return &Error{
			Kind:     KindAuthentication,
			Exchange: ae.Exchange,
			Op:       ae.Op,
			Status:   ae.Status,
			Err:      fmt.Errorf("%w: %v", ErrRejected, ae.Err),
		}
	}
	return err
}
