package exchange

import (
	"errors"
	"fmt"

	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/models"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrUnauthorized    = errors.New("order belongs to another account")
	ErrOrderNotOpen    = errors.New("order is no longer open")
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidPair     = errors.New("orders cannot be settled against each other")
	ErrInvalidFunding  = errors.New("funding amount must be a positive whole number")
)

// OrderNotCancellableError is returned when cancelling an order that already left OPEN.
type OrderNotCancellableError struct {
	OrderID int64
	Status  models.Status
}

func (e *OrderNotCancellableError) Error() string {
	return fmt.Sprintf("order %d cannot be cancelled: status is %s", e.OrderID, e.Status)
}

// rejectionReason labels a business failure for metrics and logs.
func rejectionReason(err error) string {
	var balance *ledger.InsufficientBalanceError
	var assets *ledger.InsufficientAssetsError
	switch {
	case errors.As(err, &balance):
		return "insufficient_balance"
	case errors.As(err, &assets):
		return "insufficient_assets"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, models.ErrInvalidSymbol),
		errors.Is(err, models.ErrInvalidSide),
		errors.Is(err, models.ErrInvalidAmount):
		return "invalid_input"
	default:
		return "error"
	}
}

// isBusinessError separates rule violations (logged at warn) from infrastructure failures.
func isBusinessError(err error) bool {
	if rejectionReason(err) != "error" {
		return true
	}
	var notCancellable *OrderNotCancellableError
	return errors.As(err, &notCancellable) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrOrderNotOpen) ||
		errors.Is(err, ErrInvalidPair) ||
		errors.Is(err, ErrInvalidFunding)
}
