package adapter

import (
	"fmt"
	"math"
)

// Leverage bounds accepted by both exchanges.
const (
	MinLeverage = 1
	MaxLeverage = 100
)

// ValidateOrder runs the pre-flight checks every adapter applies before
// touching the network. It fails fast on the first problem and returns the
// normalized request: MARKET orders have their price cleared.
func ValidateOrder(req OrderRequest) (OrderRequest, error) {
	if !req.Symbol.Valid() {
		return req, fmt.Errorf("%w: %q", ErrUnknownSymbol, req.Symbol)
	}
	if req.Direction != DirectionLong && req.Direction != DirectionShort {
		return req, ErrMissingDirection
	}
	if req.Type != OrderTypeMarket && req.Type != OrderTypeLimit {
		return req, fmt.Errorf("%w: %d", ErrInvalidOrderType, req.Type)
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity <= 0 {
		return req, fmt.Errorf("%w: %v", ErrInvalidQuantity, req.Quantity)
	}

	switch req.Type {
	case OrderTypeLimit:
		if math.IsNaN(req.Price) || math.IsInf(req.Price, 0) || req.Price <= 0 {
			return req, fmt.Errorf("%w: %v", ErrPriceMissing, req.Price)
		}
	case OrderTypeMarket:
		req.Price = 0
	}
	return req, nil
}

// ValidateLeverage checks lev against [MinLeverage, MaxLeverage].
func ValidateLeverage(lev int) error {
	if lev < MinLeverage || lev > MaxLeverage {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidLeverage, lev, MinLeverage, MaxLeverage)
	}
	return nil
}
