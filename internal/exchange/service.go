package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/settlement/internal/book"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/events"
	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/logging"
	"github.com/xtrntr/settlement/internal/metrics"
	"github.com/xtrntr/settlement/internal/models"
)

// Service is the order lifecycle: creation with reservation, matching, settlement and cancellation.
// Every mutating call runs in exactly one transaction; notifications go out after it commits.
type Service struct {
	store    db.Store
	matcher  Matcher
	executor *Executor
	notifier events.Notifier
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// NewService wires a Service to its store. notifier and m may be events.Nop{} and nil.
func NewService(store db.Store, notifier events.Notifier, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		executor: NewExecutor(store, notifier, log, m),
		notifier: notifier,
		log:      log,
		metrics:  m,
	}
}

// Executor returns the trade executor sharing this service's store
func (s *Service) Executor() *Executor {
	return s.executor
}

// validateOrder checks an order's fields and returns symbol and side in canonical form.
func validateOrder(symbol models.Symbol, side models.Side, price, quantity decimal.Decimal) (models.Symbol, models.Side, error) {
	sym, err := models.ParseSymbol(string(symbol))
	if err != nil {
		return "", "", err
	}
	sd, err := models.ParseSide(string(side))
	if err != nil {
		return "", "", err
	}
	if !models.ValidAmount(price) {
		return "", "", fmt.Errorf("%w: price %s", models.ErrInvalidAmount, price)
	}
	if !models.ValidAmount(quantity) {
		return "", "", fmt.Errorf("%w: quantity %s", models.ErrInvalidAmount, quantity)
	}
	if !models.Notional(price, quantity).IsPositive() {
		return "", "", fmt.Errorf("%w: order value rounds to zero", models.ErrInvalidAmount)
	}
	return sym, sd, nil
}

// CreateOrder reserves the order's cash (buy) or asset quantity (sell) and records it as OPEN.
func (s *Service) CreateOrder(ctx context.Context, accountID int64, symbol models.Symbol, side models.Side, price, quantity decimal.Decimal) (*models.Order, error) {
	var order *models.Order
	sym, sd, err := validateOrder(symbol, side, price, quantity)
	if err == nil {
		symbol, side = sym, sd
		err = s.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
			key := models.HoldingKey{AccountID: accountID, Symbol: symbol}
			rows := ledger.Rows{Accounts: []int64{accountID}}
			if side == models.Sell {
				rows.Holdings = []ledger.HoldingLock{{Key: key}}
			}
			l, err := ledger.Acquire(ctx, tx, rows)
			if err != nil {
				return accountNotFound(err, accountID)
			}

			if side == models.Buy {
				err = l.ReserveCash(ctx, accountID, models.Notional(price, quantity))
			} else {
				err = l.ReserveAsset(ctx, key, quantity)
			}
			if err != nil {
				return err
			}

			order, err = tx.InsertOrder(ctx, models.Order{
				AccountID: accountID,
				Symbol:    symbol,
				Side:      side,
				Price:     price,
				Quantity:  quantity,
				Status:    models.StatusOpen,
			})
			return err
		})
	}

	fields := logrus.Fields{"account_id": accountID, "symbol": symbol, "side": side}
	if err != nil {
		s.metrics.OrderRejected(string(symbol), rejectionReason(err))
		s.logFailure(fields, logging.EventOrderRejected, err, "order rejected")
		return nil, err
	}

	s.metrics.OrderCreated(string(order.Symbol), string(order.Side))
	fields["event"] = logging.EventOrderCreated
	fields["order_id"] = order.ID
	s.log.WithFields(fields).Info("order created")
	s.notifier.Notify(ctx, events.NewOrderCreated(*order))
	return order, nil
}

// AttemptMatch settles the order against the best eligible counter order. It returns a nil trade
// when there is no counter order; the order then stays OPEN in the book.
func (s *Service) AttemptMatch(ctx context.Context, orderID int64) (*models.Trade, error) {
	started := time.Now()
	var trade *models.Trade
	var symbol models.Symbol

	err := s.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		o, err := getOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		symbol = o.Symbol
		if err := tx.LockSymbol(ctx, symbol); err != nil {
			return err
		}
		taker, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if taker.Status != models.StatusOpen {
			return fmt.Errorf("%w: order %d is %s", ErrOrderNotOpen, orderID, taker.Status)
		}

		counter, err := s.matcher.FindCounterOrder(ctx, tx, *taker)
		if err != nil || counter == nil {
			return err
		}
		buy, sell := *taker, *counter
		if taker.Side == models.Sell {
			buy, sell = sell, buy
		}
		trade, err = s.executor.Settle(ctx, tx, buy, sell)
		return err
	})
	if err != nil {
		s.executor.matchFailed(symbol, orderID, err, started)
		return nil, err
	}
	if trade == nil {
		s.metrics.ObserveMatch(string(symbol), "none", started)
		return nil, nil
	}
	s.executor.settled(ctx, *trade, started)
	return trade, nil
}

// PlaceOrder creates an order and immediately tries to match it. A failed match leaves the new
// order OPEN and is logged rather than returned, since the order itself was accepted.
func (s *Service) PlaceOrder(ctx context.Context, accountID int64, symbol models.Symbol, side models.Side, price, quantity decimal.Decimal) (*models.Order, *models.Trade, error) {
	order, err := s.CreateOrder(ctx, accountID, symbol, side, price, quantity)
	if err != nil {
		return nil, nil, err
	}
	trade, err := s.AttemptMatch(ctx, order.ID)
	if err != nil || trade == nil {
		return order, nil, nil
	}
	if refreshed, err := s.store.GetOrder(ctx, order.ID); err == nil {
		order = refreshed
	}
	return order, trade, nil
}

// CancelOrder releases an OPEN order's reservation and marks it CANCELLED.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID int64) (*models.Order, error) {
	var cancelled *models.Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		o, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.AccountID != accountID {
			return fmt.Errorf("%w: order %d", ErrUnauthorized, orderID)
		}
		if o.Status != models.StatusOpen {
			return &OrderNotCancellableError{OrderID: o.ID, Status: o.Status}
		}

		key := models.HoldingKey{AccountID: o.AccountID, Symbol: o.Symbol}
		rows := ledger.Rows{Accounts: []int64{o.AccountID}}
		if o.Side == models.Sell {
			rows = ledger.Rows{Holdings: []ledger.HoldingLock{{Key: key}}}
		}
		l, err := ledger.Acquire(ctx, tx, rows)
		if err != nil {
			return err
		}
		if o.Side == models.Buy {
			err = l.ReleaseCash(ctx, o.AccountID, o.Reserved())
		} else {
			err = l.ReleaseAsset(ctx, key, o.Quantity)
		}
		if err != nil {
			return err
		}

		from := o.Status
		if err := o.TransitionTo(models.StatusCancelled); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, from, o.Status); err != nil {
			return err
		}
		cancelled, err = tx.GetOrder(ctx, o.ID)
		return err
	})

	fields := logrus.Fields{"account_id": accountID, "order_id": orderID}
	if err != nil {
		s.logFailure(fields, logging.EventOrderCancelled, err, "cancel failed")
		return nil, err
	}

	s.metrics.OrderCancelled(string(cancelled.Symbol), string(cancelled.Side))
	fields["event"] = logging.EventOrderCancelled
	fields["symbol"] = cancelled.Symbol
	s.log.WithFields(fields).Info("order cancelled")
	s.notifier.Notify(ctx, events.NewOrderCancelled(*cancelled))
	return cancelled, nil
}

// GetOrder returns one order
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return o, err
}

// ListOpenOrders returns one side of a symbol's book in priority order.
func (s *Service) ListOpenOrders(ctx context.Context, symbol models.Symbol, side models.Side) ([]models.Order, error) {
	sym, err := models.ParseSymbol(string(symbol))
	if err != nil {
		return nil, err
	}
	sd, err := models.ParseSide(string(side))
	if err != nil {
		return nil, err
	}
	return s.store.ListOpenOrders(ctx, sym, sd)
}

// OrderBook returns both sides of a symbol's open orders.
func (s *Service) OrderBook(ctx context.Context, symbol models.Symbol) (*book.Book, error) {
	symbol, err := models.ParseSymbol(string(symbol))
	if err != nil {
		return nil, err
	}
	b := book.New(symbol)
	if b.BuyOrders, err = s.ListOpenOrders(ctx, symbol, models.Buy); err != nil {
		return nil, err
	}
	if b.SellOrders, err = s.ListOpenOrders(ctx, symbol, models.Sell); err != nil {
		return nil, err
	}
	return b, nil
}

// FundAccount credits a whole, positive amount of cash to an account.
func (s *Service) FundAccount(ctx context.Context, accountID int64, amount decimal.Decimal) (*models.Account, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFunding, amount)
	}

	var account models.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		l, err := ledger.Acquire(ctx, tx, ledger.Rows{Accounts: []int64{accountID}})
		if err != nil {
			return accountNotFound(err, accountID)
		}
		if err := l.CreditCash(ctx, accountID, amount); err != nil {
			return err
		}
		account, err = l.Account(accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"event":      logging.EventAccountFunded,
		"account_id": accountID,
		"amount":     models.Format(amount),
	}).Info("account funded")
	return &account, nil
}

// Profile is an account with all its holdings
type Profile struct {
	Account  models.Account   `json:"account"`
	Holdings []models.Holding `json:"holdings"`
}

// Profile returns the account and its holdings ordered by symbol.
func (s *Service) Profile(ctx context.Context, accountID int64) (*Profile, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, accountNotFound(err, accountID)
	}
	holdings, err := s.store.GetHoldings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Profile{Account: *account, Holdings: holdings}, nil
}

// AccountOrders returns every order of the account, newest first.
func (s *Service) AccountOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	return s.store.GetAccountOrders(ctx, accountID)
}

// AccountTrades returns trades where the account was buyer or seller, newest first.
func (s *Service) AccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error) {
	return s.store.GetAccountTrades(ctx, accountID)
}

// Activity kinds
const (
	ActivityTrade          = "trade"
	ActivityOrderCreated   = "order_created"
	ActivityOrderCancelled = "order_cancelled"
)

// Activity is one entry of the exchange-wide feed
type Activity struct {
	Type  string        `json:"type"`
	At    time.Time     `json:"at"`
	Order *models.Order `json:"order,omitempty"`
	Trade *models.Trade `json:"trade,omitempty"`
}

// RecentActivity merges trades, still-open new orders and cancellations since the given time,
// newest first, at most limit entries.
func (s *Service) RecentActivity(ctx context.Context, since time.Time, limit int) ([]Activity, error) {
	trades, err := s.store.RecentTrades(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	created, err := s.store.RecentOrders(ctx, models.StatusOpen, since, limit)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.store.RecentOrders(ctx, models.StatusCancelled, since, limit)
	if err != nil {
		return nil, err
	}

	feed := make([]Activity, 0, len(trades)+len(created)+len(cancelled))
	for i := range trades {
		feed = append(feed, Activity{Type: ActivityTrade, At: trades[i].CreatedAt, Trade: &trades[i]})
	}
	for i := range created {
		feed = append(feed, Activity{Type: ActivityOrderCreated, At: created[i].CreatedAt, Order: &created[i]})
	}
	for i := range cancelled {
		feed = append(feed, Activity{Type: ActivityOrderCancelled, At: cancelled[i].UpdatedAt, Order: &cancelled[i]})
	}
	sort.SliceStable(feed, func(i, j int) bool { return feed[i].At.After(feed[j].At) })
	if limit >= 0 && len(feed) > limit {
		feed = feed[:limit]
	}
	return feed, nil
}

func (s *Service) logFailure(fields logrus.Fields, event string, err error, msg string) {
	fields["event"] = event
	entry := s.log.WithFields(fields).WithError(err)
	if isBusinessError(err) {
		entry.Warn(msg)
		return
	}
	entry.Error(msg)
}

func accountNotFound(err error, accountID int64) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return err
}
