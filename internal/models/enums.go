package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSide   = errors.New("side must be 'buy' or 'sell'")
	ErrInvalidSymbol = errors.New("unsupported symbol")
	ErrInvalidStatus = errors.New("unknown order status")
)

// Side is the direction of an order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// ParseStatus converts a stored status back into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOpen, StatusFilled, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// CanTransition reports whether the state machine has an edge from s to next.
// OPEN is the only state with outgoing edges; FILLED and CANCELLED are terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusFilled || next == StatusCancelled
	case StatusFilled, StatusCancelled:
		return false
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Symbol is a tradable asset quoted in cash.
type Symbol string

const (
	BTC Symbol = "BTC"
	ETH Symbol = "ETH"
)

// Symbols lists every tradable symbol
func Symbols() []Symbol {
	return []Symbol{BTC, ETH}
}

// ParseSymbol accepts a supported symbol in any case.
func ParseSymbol(s string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Symbols() {
		if sym == known {
			return sym, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
}
