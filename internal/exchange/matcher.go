package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/settlement/internal/book"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/models"
)

// Matcher finds the resting order a taker settles against.
type Matcher struct{}

// FindCounterOrder locks and returns the best eligible counter order for taker inside tx, or nil.
// The caller must hold the symbol lock and the taker's row lock.
func (Matcher) FindCounterOrder(ctx context.Context, tx db.Tx, taker models.Order) (*models.Order, error) {
	if taker.Status != models.StatusOpen {
		return nil, nil
	}
	counter, err := tx.FindCounterOrder(ctx, taker)
	if err != nil {
		return nil, err
	}
	if counter != nil && !book.Eligible(taker, *counter) {
		return nil, fmt.Errorf("store returned ineligible counter order %d for order %d", counter.ID, taker.ID)
	}
	return counter, nil
}
