package db

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/settlement/internal/models"
)

// lock phases in canonical order
const (
	phaseNone = iota
	phaseSymbol
	phaseOrders
	phaseAccounts
	phaseHoldings
)

type memTx struct {
	m  *Memory
	st *memState

	phase       int
	lastAccount int64
	lastHolding models.HoldingKey

	orders   map[int64]bool
	accounts map[int64]bool
	holdings map[models.HoldingKey]bool
}

var _ Tx = (*memTx)(nil)

func (t *memTx) fault(method string) error {
	if err, ok := t.m.faults[method]; ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (t *memTx) enter(phase int, what string) error {
	if phase < t.phase {
		return fmt.Errorf("failed to lock %s: %w", what, ErrLockOrder)
	}
	t.phase = phase
	return nil
}

func (t *memTx) LockSymbol(ctx context.Context, symbol models.Symbol) error {
	if err := t.fault("LockSymbol"); err != nil {
		return err
	}
	return t.enter(phaseSymbol, "symbol "+string(symbol))
}

func (t *memTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("failed to get order %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	if err := t.fault("LockOrder"); err != nil {
		return nil, err
	}
	if err := t.enter(phaseOrders, fmt.Sprintf("order %d", id)); err != nil {
		return nil, err
	}
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("failed to lock order %d: %w", id, ErrNotFound)
	}
	t.orders[id] = true
	return &o, nil
}

func (t *memTx) FindCounterOrder(ctx context.Context, taker models.Order) (*models.Order, error) {
	if err := t.fault("FindCounterOrder"); err != nil {
		return nil, err
	}
	if err := t.enter(phaseOrders, "counter order"); err != nil {
		return nil, err
	}
	b, ok := t.st.books[taker.Symbol]
	if !ok {
		return nil, nil
	}
	o, ok := b.Match(taker)
	if !ok {
		return nil, nil
	}
	t.orders[o.ID] = true
	return &o, nil
}

// InsertOrder needs no phase check: a row no other transaction can see cannot deadlock.
func (t *memTx) InsertOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	if err := t.fault("InsertOrder"); err != nil {
		return nil, err
	}
	if _, ok := t.st.accounts[order.AccountID]; !ok {
		return nil, fmt.Errorf("failed to create order: account %d: %w", order.AccountID, ErrNotFound)
	}
	t.st.nextOrderID++
	order.ID = t.st.nextOrderID
	order.CreatedAt = t.st.tick(t.m.now)
	order.UpdatedAt = order.CreatedAt
	t.st.orders[order.ID] = order
	if order.Status == models.StatusOpen {
		t.st.book(order.Symbol).AddOrder(order)
	}
	t.orders[order.ID] = true
	return &order, nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, id int64, from, to models.Status) error {
	if err := t.fault("UpdateOrderStatus"); err != nil {
		return err
	}
	if !t.orders[id] {
		return fmt.Errorf("failed to update order %d: %w", id, ErrNotLocked)
	}
	o := t.st.orders[id]
	if o.Status != from {
		return fmt.Errorf("failed to update order %d: not in status %s: %w", id, from, ErrNotFound)
	}
	o.Status = to
	o.UpdatedAt = t.st.tick(t.m.now)
	t.st.orders[id] = o
	if from == models.StatusOpen {
		t.st.book(o.Symbol).RemoveOrder(id)
	}
	return nil
}

func (t *memTx) LockAccounts(ctx context.Context, ids []int64) ([]models.Account, error) {
	if err := t.fault("LockAccounts"); err != nil {
		return nil, err
	}
	accounts := make([]models.Account, 0, len(ids))
	for _, id := range ids {
		what := fmt.Sprintf("account %d", id)
		if err := t.enter(phaseAccounts, what); err != nil {
			return nil, err
		}
		// re-locking a row already held is allowed
		if !t.accounts[id] && id <= t.lastAccount {
			return nil, fmt.Errorf("failed to lock %s after account %d: %w", what, t.lastAccount, ErrLockOrder)
		}
		a, ok := t.st.accounts[id]
		if !ok {
			return nil, fmt.Errorf("failed to lock %s: %w", what, ErrNotFound)
		}
		t.accounts[id] = true
		if id > t.lastAccount {
			t.lastAccount = id
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func (t *memTx) UpdateCashBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	if err := t.fault("UpdateCashBalance"); err != nil {
		return err
	}
	if !t.accounts[accountID] {
		return fmt.Errorf("failed to update account %d: %w", accountID, ErrNotLocked)
	}
	if balance.IsNegative() {
		return fmt.Errorf("failed to update account %d: cash balance %s below zero", accountID, balance)
	}
	a := t.st.accounts[accountID]
	a.CashBalance = balance
	t.st.accounts[accountID] = a
	return nil
}

func (t *memTx) LockHolding(ctx context.Context, key models.HoldingKey, create bool) (*models.Holding, error) {
	if err := t.fault("LockHolding"); err != nil {
		return nil, err
	}
	what := "holding " + key.String()
	if err := t.enter(phaseHoldings, what); err != nil {
		return nil, err
	}
	if !t.holdings[key] && !t.lastHolding.Less(key) {
		return nil, fmt.Errorf("failed to lock %s after %s: %w", what, t.lastHolding, ErrLockOrder)
	}
	// an absent row stays reserved for this transaction so it may be created later
	t.holdings[key] = true
	if t.lastHolding.Less(key) {
		t.lastHolding = key
	}
	h, ok := t.st.holdings[key]
	if !ok {
		if !create {
			return nil, nil
		}
		if _, exists := t.st.accounts[key.AccountID]; !exists {
			return nil, fmt.Errorf("failed to create %s: account: %w", what, ErrNotFound)
		}
		h = models.Holding{
			AccountID: key.AccountID,
			Symbol:    key.Symbol,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
			UpdatedAt: t.st.tick(t.m.now),
		}
		t.st.holdings[key] = h
	}
	return &h, nil
}

func (t *memTx) UpdateHolding(ctx context.Context, h models.Holding) error {
	if err := t.fault("UpdateHolding"); err != nil {
		return err
	}
	key := h.Key()
	if !t.holdings[key] {
		return fmt.Errorf("failed to update holding %s: %w", key, ErrNotLocked)
	}
	if h.Available.IsNegative() || h.Locked.IsNegative() {
		return fmt.Errorf("failed to update holding %s: negative amount", key)
	}
	h.UpdatedAt = t.st.tick(t.m.now)
	t.st.holdings[key] = h
	return nil
}

func (t *memTx) InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error) {
	if err := t.fault("InsertTrade"); err != nil {
		return nil, err
	}
	t.st.nextTradeID++
	trade.ID = t.st.nextTradeID
	trade.CreatedAt = t.st.tick(t.m.now)
	t.st.trades = append(t.st.trades, trade)
	return &trade, nil
}
