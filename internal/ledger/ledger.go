package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/models"
)

var (
	ErrRowNotLocked      = errors.New("ledger row was not acquired")
	ErrNonPositiveAmount = errors.New("ledger amount must be positive")
)

// InsufficientBalanceError reports a cash reservation or debit larger than the balance.
type InsufficientBalanceError struct {
	AccountID int64
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		models.Format(e.Required), models.Format(e.Available))
}

// InsufficientAssetsError reports an asset reservation larger than the holding.
type InsufficientAssetsError struct {
	AccountID int64
	Symbol    models.Symbol
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientAssetsError) Error() string {
	return fmt.Sprintf("insufficient %s assets: required %s, available %s",
		e.Symbol, models.Format(e.Required), models.Format(e.Available))
}

// HoldingLock names a holding row to acquire. Create makes a zeroed row when none exists.
type HoldingLock struct {
	Key    models.HoldingKey
	Create bool
}

// Rows is every ledger row one logical operation will touch.
type Rows struct {
	Accounts []int64
	Holdings []HoldingLock
}

// Ledger moves cash and assets between the available and reserved states of rows locked by one
// transaction. It must not outlive the transaction it was acquired in.
type Ledger struct {
	tx       db.Tx
	accounts map[int64]*models.Account
	holdings map[models.HoldingKey]*models.Holding
	acquired map[models.HoldingKey]bool
}

// Acquire locks rows in canonical order: accounts ascending by id, then holdings ascending by
// (account_id, symbol). Callers lock any order rows before calling Acquire.
func Acquire(ctx context.Context, tx db.Tx, rows Rows) (*Ledger, error) {
	l := &Ledger{
		tx:       tx,
		accounts: map[int64]*models.Account{},
		holdings: map[models.HoldingKey]*models.Holding{},
		acquired: map[models.HoldingKey]bool{},
	}

	ids := uniqueIDs(rows.Accounts)
	if len(ids) > 0 {
		accounts, err := tx.LockAccounts(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range accounts {
			a := accounts[i]
			l.accounts[a.ID] = &a
		}
	}

	for _, hl := range uniqueHoldings(rows.Holdings) {
		h, err := tx.LockHolding(ctx, hl.Key, hl.Create)
		if err != nil {
			return nil, err
		}
		l.acquired[hl.Key] = true
		l.holdings[hl.Key] = h
	}
	return l, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := map[int64]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uniqueHoldings(locks []HoldingLock) []HoldingLock {
	merged := map[models.HoldingKey]bool{}
	for _, hl := range locks {
		merged[hl.Key] = merged[hl.Key] || hl.Create
	}
	out := make([]HoldingLock, 0, len(merged))
	for k, create := range merged {
		out = append(out, HoldingLock{Key: k, Create: create})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Account returns the current state of an acquired account.
func (l *Ledger) Account(id int64) (models.Account, error) {
	a, ok := l.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %d: %w", id, ErrRowNotLocked)
	}
	return *a, nil
}

// Holding returns the current state of an acquired holding; ok is false if the row does not exist.
func (l *Ledger) Holding(key models.HoldingKey) (h models.Holding, ok bool, err error) {
	if !l.acquired[key] {
		return models.Holding{}, false, fmt.Errorf("holding %s: %w", key, ErrRowNotLocked)
	}
	if p := l.holdings[key]; p != nil {
		return *p, true, nil
	}
	return models.Holding{}, false, nil
}

func (l *Ledger) account(id int64, amount decimal.Decimal) (*models.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveAmount, amount)
	}
	a, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrRowNotLocked)
	}
	return a, nil
}

func (l *Ledger) holding(key models.HoldingKey, amount decimal.Decimal) (*models.Holding, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveAmount, amount)
	}
	if !l.acquired[key] {
		return nil, fmt.Errorf("holding %s: %w", key, ErrRowNotLocked)
	}
	return l.holdings[key], nil
}

func (l *Ledger) setCash(ctx context.Context, a *models.Account, balance decimal.Decimal) error {
	if err := l.tx.UpdateCashBalance(ctx, a.ID, balance); err != nil {
		return err
	}
	a.CashBalance = balance
	return nil
}

func (l *Ledger) setHolding(ctx context.Context, h *models.Holding, available, locked decimal.Decimal) error {
	next := *h
	next.Available = available
	next.Locked = locked
	if err := l.tx.UpdateHolding(ctx, next); err != nil {
		return err
	}
	*h = next
	return nil
}

// ReserveCash sets amount aside from the account's balance for an open buy order.
func (l *Ledger) ReserveCash(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return l.debit(ctx, accountID, amount)
}

// DebitCash removes amount from the account's balance.
func (l *Ledger) DebitCash(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return l.debit(ctx, accountID, amount)
}

func (l *Ledger) debit(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	a, err := l.account(accountID, amount)
	if err != nil {
		return err
	}
	if a.CashBalance.LessThan(amount) {
		return &InsufficientBalanceError{AccountID: accountID, Required: amount, Available: a.CashBalance}
	}
	return l.setCash(ctx, a, a.CashBalance.Sub(amount))
}

// ReleaseCash returns a buy order's reservation to the balance.
func (l *Ledger) ReleaseCash(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return l.CreditCash(ctx, accountID, amount)
}

// CreditCash adds amount to the account's balance.
func (l *Ledger) CreditCash(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	a, err := l.account(accountID, amount)
	if err != nil {
		return err
	}
	return l.setCash(ctx, a, a.CashBalance.Add(amount))
}

// ReserveAsset moves amount from available to locked for an open sell order.
func (l *Ledger) ReserveAsset(ctx context.Context, key models.HoldingKey, amount decimal.Decimal) error {
	h, err := l.holding(key, amount)
	if err != nil {
		return err
	}
	if h == nil {
		return &InsufficientAssetsError{AccountID: key.AccountID, Symbol: key.Symbol, Required: amount, Available: decimal.Zero}
	}
	if h.Available.LessThan(amount) {
		return &InsufficientAssetsError{AccountID: key.AccountID, Symbol: key.Symbol, Required: amount, Available: h.Available}
	}
	return l.setHolding(ctx, h, h.Available.Sub(amount), h.Locked.Add(amount))
}

// ReleaseAsset moves amount from locked back to available.
func (l *Ledger) ReleaseAsset(ctx context.Context, key models.HoldingKey, amount decimal.Decimal) error {
	h, err := l.lockedHolding(key, amount)
	if err != nil {
		return err
	}
	return l.setHolding(ctx, h, h.Available.Add(amount), h.Locked.Sub(amount))
}

// ConsumeLockedAsset removes amount from locked, delivering it out of the account.
func (l *Ledger) ConsumeLockedAsset(ctx context.Context, key models.HoldingKey, amount decimal.Decimal) error {
	h, err := l.lockedHolding(key, amount)
	if err != nil {
		return err
	}
	return l.setHolding(ctx, h, h.Available, h.Locked.Sub(amount))
}

func (l *Ledger) lockedHolding(key models.HoldingKey, amount decimal.Decimal) (*models.Holding, error) {
	h, err := l.holding(key, amount)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &InsufficientAssetsError{AccountID: key.AccountID, Symbol: key.Symbol, Required: amount, Available: decimal.Zero}
	}
	if h.Locked.LessThan(amount) {
		return nil, &InsufficientAssetsError{AccountID: key.AccountID, Symbol: key.Symbol, Required: amount, Available: h.Locked}
	}
	return h, nil
}

// CreditAsset adds amount to the holding's available amount, creating the holding if absent.
func (l *Ledger) CreditAsset(ctx context.Context, key models.HoldingKey, amount decimal.Decimal) error {
	h, err := l.holding(key, amount)
	if err != nil {
		return err
	}
	if h == nil {
		if h, err = l.tx.LockHolding(ctx, key, true); err != nil {
			return err
		}
		l.holdings[key] = h
	}
	return l.setHolding(ctx, h, h.Available.Add(amount), h.Locked)
}
