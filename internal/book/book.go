package book

import (
	"sort"

	"github.com/xtrntr/settlement/internal/models"
)

// Less reports whether resting order a has priority over b. Both orders must be on the same side:
// buys rank highest price first, sells lowest price first, then earliest time, then lowest id.
func Less(a, b models.Order) bool {
	if !a.Price.Equal(b.Price) {
		if a.Side == models.Buy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Crosses reports whether the taker's limit accepts the resting order's price.
func Crosses(taker, resting models.Order) bool {
	if taker.Side == models.Buy {
		return resting.Price.LessThanOrEqual(taker.Price)
	}
	return resting.Price.GreaterThanOrEqual(taker.Price)
}

// Maker returns whichever of a and b was resting in the book first: the earlier created_at,
// then the lower id. Its price is the price a trade between them executes at.
func Maker(a, b models.Order) models.Order {
	if a.CreatedAt.Equal(b.CreatedAt) {
		if a.ID < b.ID {
			return a
		}
		return b
	}
	if a.CreatedAt.Before(b.CreatedAt) {
		return a
	}
	return b
}

// Eligible reports whether candidate may settle against taker: an open order of the other side and
// same symbol, owned by another account, with exactly the same quantity and a crossing price.
func Eligible(taker, candidate models.Order) bool {
	return candidate.Status == models.StatusOpen &&
		candidate.ID != taker.ID &&
		candidate.Side == taker.Side.Opposite() &&
		candidate.Symbol == taker.Symbol &&
		candidate.AccountID != taker.AccountID &&
		candidate.Quantity.Equal(taker.Quantity) &&
		Crosses(taker, candidate)
}

// Sort orders same-side orders by price-time priority
func Sort(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return Less(orders[i], orders[j])
	})
}

// Book is the open orders of one symbol, each side kept in priority order.
type Book struct {
	Symbol     models.Symbol
	BuyOrders  []models.Order
	SellOrders []models.Order
}

// New creates an empty book
func New(symbol models.Symbol) *Book {
	return &Book{
		Symbol:     symbol,
		BuyOrders:  []models.Order{},
		SellOrders: []models.Order{},
	}
}

// AddOrder adds an open order to its side of the book
func (b *Book) AddOrder(order models.Order) {
	if order.Side == models.Buy {
		b.BuyOrders = append(b.BuyOrders, order)
		Sort(b.BuyOrders)
	} else {
		b.SellOrders = append(b.SellOrders, order)
		Sort(b.SellOrders)
	}
}

// RemoveOrder drops an order from the book, returning false if it was not there.
func (b *Book) RemoveOrder(orderID int64) bool {
	for i, o := range b.BuyOrders {
		if o.ID == orderID {
			b.BuyOrders = append(b.BuyOrders[:i], b.BuyOrders[i+1:]...)
			return true
		}
	}
	for i, o := range b.SellOrders {
		if o.ID == orderID {
			b.SellOrders = append(b.SellOrders[:i], b.SellOrders[i+1:]...)
			return true
		}
	}
	return false
}

// Match returns the highest-priority resting order eligible to trade with taker.
// Since each side is kept sorted, the first eligible order is the best one.
func (b *Book) Match(taker models.Order) (models.Order, bool) {
	resting := b.SellOrders
	if taker.Side == models.Sell {
		resting = b.BuyOrders
	}
	for _, o := range resting {
		if Eligible(taker, o) {
			return o, true
		}
	}
	return models.Order{}, false
}

// Side returns a copy of one side of the book in priority order.
func (b *Book) Side(side models.Side) []models.Order {
	src := b.SellOrders
	if side == models.Buy {
		src = b.BuyOrders
	}
	out := make([]models.Order, len(src))
	copy(out, src)
	return out
}

// Clone returns an independent copy of the book
func (b *Book) Clone() *Book {
	return &Book{
		Symbol:     b.Symbol,
		BuyOrders:  b.Side(models.Buy),
		SellOrders: b.Side(models.Sell),
	}
}
