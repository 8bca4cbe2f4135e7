package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtrntr/settlement/internal/book"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/events"
	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/logging"
	"github.com/xtrntr/settlement/internal/metrics"
	"github.com/xtrntr/settlement/internal/models"
)

// Executor settles matched pairs of orders.
type Executor struct {
	store    db.Store
	notifier events.Notifier
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// NewExecutor creates an Executor
func NewExecutor(store db.Store, notifier events.Notifier, log logrus.FieldLogger, m *metrics.Metrics) *Executor {
	return &Executor{store: store, notifier: notifier, log: log, metrics: m}
}

// validatePair checks that buy and sell may trade with each other.
func validatePair(buy, sell models.Order) error {
	switch {
	case buy.Side != models.Buy || sell.Side != models.Sell:
		return fmt.Errorf("%w: orders %d and %d are not a buy and a sell", ErrInvalidPair, buy.ID, sell.ID)
	case buy.Symbol != sell.Symbol:
		return fmt.Errorf("%w: symbols %s and %s differ", ErrInvalidPair, buy.Symbol, sell.Symbol)
	case buy.Status != models.StatusOpen:
		return fmt.Errorf("%w: order %d: %w", ErrInvalidPair, buy.ID, ErrOrderNotOpen)
	case sell.Status != models.StatusOpen:
		return fmt.Errorf("%w: order %d: %w", ErrInvalidPair, sell.ID, ErrOrderNotOpen)
	case buy.AccountID == sell.AccountID:
		return fmt.Errorf("%w: both orders belong to account %d", ErrInvalidPair, buy.AccountID)
	case !buy.Quantity.Equal(sell.Quantity):
		return fmt.Errorf("%w: quantities %s and %s differ", ErrInvalidPair, buy.Quantity, sell.Quantity)
	case sell.Price.GreaterThan(buy.Price):
		return fmt.Errorf("%w: ask %s above bid %s", ErrInvalidPair, sell.Price, buy.Price)
	}
	return nil
}

// Settle executes a trade between two orders whose rows tx already holds locked.
//
// The trade executes at the maker's price, so a sell taker receives the resting bid's price rather
// than its own ask. The buyer's principal was reserved when the buy order was created, so only the
// commission is taken from the buyer's balance; any difference between the reservation and the
// executed value stays with the exchange. The seller's locked asset is delivered and the seller is
// credited the total value. Any error leaves tx to be rolled back.
func (e *Executor) Settle(ctx context.Context, tx db.Tx, buy, sell models.Order) (*models.Trade, error) {
	if err := validatePair(buy, sell); err != nil {
		return nil, err
	}

	price := book.Maker(buy, sell).Price
	quantity := buy.Quantity
	total := models.Notional(price, quantity)
	commission := models.Commission(total)

	buyerHolding := models.HoldingKey{AccountID: buy.AccountID, Symbol: buy.Symbol}
	sellerHolding := models.HoldingKey{AccountID: sell.AccountID, Symbol: sell.Symbol}
	l, err := ledger.Acquire(ctx, tx, ledger.Rows{
		Accounts: []int64{buy.AccountID, sell.AccountID},
		Holdings: []ledger.HoldingLock{
			{Key: buyerHolding, Create: true},
			{Key: sellerHolding},
		},
	})
	if err != nil {
		return nil, err
	}

	if commission.IsPositive() {
		if err := l.DebitCash(ctx, buy.AccountID, commission); err != nil {
			return nil, err
		}
	}
	if err := l.CreditAsset(ctx, buyerHolding, quantity); err != nil {
		return nil, err
	}
	if err := l.ConsumeLockedAsset(ctx, sellerHolding, quantity); err != nil {
		return nil, err
	}
	if err := l.CreditCash(ctx, sell.AccountID, total); err != nil {
		return nil, err
	}

	for _, o := range []models.Order{buy, sell} {
		from := o.Status
		if err := o.TransitionTo(models.StatusFilled); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, from, o.Status); err != nil {
			return nil, err
		}
	}

	return tx.InsertTrade(ctx, models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.AccountID,
		SellerID:    sell.AccountID,
		Symbol:      buy.Symbol,
		Price:       price,
		Quantity:    quantity,
		TotalValue:  total,
		Commission:  commission,
	})
}

// ExecuteTrade settles two specific orders in a transaction of its own.
func (e *Executor) ExecuteTrade(ctx context.Context, buyOrderID, sellOrderID int64) (*models.Trade, error) {
	started := time.Now()
	var trade *models.Trade
	var symbol models.Symbol

	err := e.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		buy, err := getOrder(ctx, tx, buyOrderID)
		if err != nil {
			return err
		}
		sell, err := getOrder(ctx, tx, sellOrderID)
		if err != nil {
			return err
		}
		if buy.Symbol != sell.Symbol {
			return fmt.Errorf("%w: symbols %s and %s differ", ErrInvalidPair, buy.Symbol, sell.Symbol)
		}
		symbol = buy.Symbol
		if err := tx.LockSymbol(ctx, symbol); err != nil {
			return err
		}

		ids := []int64{buyOrderID, sellOrderID}
		if sellOrderID < buyOrderID {
			ids[0], ids[1] = sellOrderID, buyOrderID
		}
		locked := map[int64]*models.Order{}
		for _, id := range ids {
			o, err := lockOrder(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = o
		}

		trade, err = e.Settle(ctx, tx, *locked[buyOrderID], *locked[sellOrderID])
		return err
	})
	if err != nil {
		e.matchFailed(symbol, buyOrderID, err, started)
		return nil, err
	}
	e.settled(ctx, *trade, started)
	return trade, nil
}

// settled records a committed trade and emits its notification.
func (e *Executor) settled(ctx context.Context, trade models.Trade, started time.Time) {
	e.metrics.ObserveMatch(string(trade.Symbol), "matched", started)
	e.metrics.TradeSettled(string(trade.Symbol), trade.Quantity, trade.Commission)
	e.log.WithFields(logrus.Fields{
		"event":         logging.EventTradeSettled,
		"trade_id":      trade.ID,
		"symbol":        trade.Symbol,
		"buy_order_id":  trade.BuyOrderID,
		"sell_order_id": trade.SellOrderID,
		"price":         models.Format(trade.Price),
		"quantity":      models.Format(trade.Quantity),
		"commission":    models.Format(trade.Commission),
	}).Info("trade settled")
	e.notifier.Notify(ctx, events.NewOrderMatched(trade))
}

func (e *Executor) matchFailed(symbol models.Symbol, orderID int64, err error, started time.Time) {
	e.metrics.ObserveMatch(string(symbol), "error", started)
	entry := e.log.WithFields(logrus.Fields{
		"event":    logging.EventMatchAborted,
		"order_id": orderID,
		"symbol":   symbol,
	}).WithError(err)
	if isBusinessError(err) {
		entry.Warn("match aborted")
		return
	}
	entry.Error("match failed")
}

func getOrder(ctx context.Context, tx db.Tx, id int64) (*models.Order, error) {
	o, err := tx.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, err
}

func lockOrder(ctx context.Context, tx db.Tx, id int64) (*models.Order, error) {
	o, err := tx.LockOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, err
}
