package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a trader's cash. CashBalance never goes below zero.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	CashBalance  decimal.Decimal
	CreatedAt    time.Time
}

// HoldingKey identifies the single holding row of an account for a symbol.
type HoldingKey struct {
	AccountID int64
	Symbol    Symbol
}

// Less orders keys by (account_id, symbol), the order in which holding rows are locked.
func (k HoldingKey) Less(o HoldingKey) bool {
	if k.AccountID != o.AccountID {
		return k.AccountID < o.AccountID
	}
	return k.Symbol < o.Symbol
}

func (k HoldingKey) String() string {
	return fmt.Sprintf("%d/%s", k.AccountID, k.Symbol)
}

// Holding is an account's custody of one asset. Locked is the part reserved by open sell orders.
type Holding struct {
	AccountID int64
	Symbol    Symbol
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Key returns the holding's identity
func (h Holding) Key() HoldingKey {
	return HoldingKey{AccountID: h.AccountID, Symbol: h.Symbol}
}

// Total is available plus locked
func (h Holding) Total() decimal.Decimal {
	return h.Available.Add(h.Locked)
}

// ErrInvalidTransition is returned when an order status change leaves the state machine.
var ErrInvalidTransition = errors.New("invalid order status transition")

// Order represents a buy or sell limit order
type Order struct {
	ID        int64
	AccountID int64
	Symbol    Symbol
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Status    Status
	CreatedAt time.Time // Used for time priority
	UpdatedAt time.Time
}

// TransitionTo moves the order to status s, refusing any edge the state machine does not allow.
func (o *Order) TransitionTo(s Status) error {
	if !o.Status.CanTransition(s) {
		return fmt.Errorf("%w: order %d %s -> %s", ErrInvalidTransition, o.ID, o.Status, s)
	}
	o.Status = s
	return nil
}

// Reserved is the cash a buy order set aside when it was created.
func (o Order) Reserved() decimal.Decimal {
	return Notional(o.Price, o.Quantity)
}

// Trade represents an executed trade. Trades are never modified once written.
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	BuyerID     int64
	SellerID    int64
	Symbol      Symbol
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TotalValue  decimal.Decimal
	Commission  decimal.Decimal
	CreatedAt   time.Time
}
