package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/settlement/internal/book"
	"github.com/xtrntr/settlement/internal/models"
)

// Memory is a Store kept in process memory. A transaction holds the store's mutex from begin to
// commit and works on a copy of the state, so rollback is discarding the copy. Transactions also
// check that locks are taken in canonical order, which makes Memory useful for tests of lock
// discipline as well as for running without Postgres.
type Memory struct {
	mu     sync.Mutex
	state  *memState
	now    func() time.Time
	faults map[string]error
}

var _ Store = (*Memory)(nil)

type memState struct {
	nextAccountID int64
	nextOrderID   int64
	nextTradeID   int64
	lastTime      time.Time

	accounts  map[int64]models.Account
	usernames map[string]int64
	holdings  map[models.HoldingKey]models.Holding
	orders    map[int64]models.Order
	trades    []models.Trade
	books     map[models.Symbol]*book.Book
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			accounts:  map[int64]models.Account{},
			usernames: map[string]int64{},
			holdings:  map[models.HoldingKey]models.Holding{},
			orders:    map[int64]models.Order{},
			books:     map[models.Symbol]*book.Book{},
		},
		now:    time.Now,
		faults: map[string]error{},
	}
}

// SetClock replaces the time source used for created_at and updated_at.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// InjectFault makes the named Tx method (e.g. "InsertTrade") fail with err until cleared.
func (m *Memory) InjectFault(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = err
}

// ClearFaults removes every injected fault
func (m *Memory) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = map[string]error{}
}

func (m *Memory) Close() {}

func (s *memState) clone() *memState {
	c := *s
	c.accounts = make(map[int64]models.Account, len(s.accounts))
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	c.usernames = make(map[string]int64, len(s.usernames))
	for k, v := range s.usernames {
		c.usernames[k] = v
	}
	c.holdings = make(map[models.HoldingKey]models.Holding, len(s.holdings))
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	c.orders = make(map[int64]models.Order, len(s.orders))
	for k, v := range s.orders {
		c.orders[k] = v
	}
	c.trades = append([]models.Trade(nil), s.trades...)
	c.books = make(map[models.Symbol]*book.Book, len(s.books))
	for k, v := range s.books {
		c.books[k] = v.Clone()
	}
	return &c
}

// tick returns a strictly increasing timestamp at microsecond precision, like Postgres timestamptz.
func (s *memState) tick(now func() time.Time) time.Time {
	t := now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

func (s *memState) book(symbol models.Symbol) *book.Book {
	b, ok := s.books[symbol]
	if !ok {
		b = book.New(symbol)
		s.books[symbol] = b
	}
	return b
}

// WithTx runs fn against a private copy of the state and publishes the copy if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &memTx{
		m:        m,
		st:       m.state.clone(),
		orders:   map[int64]bool{},
		accounts: map[int64]bool{},
		holdings: map[models.HoldingKey]bool{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	m.state = tx.st
	return nil
}

// CreateAccount inserts a new account with a zero cash balance
func (m *Memory) CreateAccount(ctx context.Context, username, passwordHash string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.state.usernames[username]; taken {
		return nil, fmt.Errorf("failed to create account %q: %w", username, ErrConflict)
	}
	m.state.nextAccountID++
	a := models.Account{
		ID:           m.state.nextAccountID,
		Username:     username,
		PasswordHash: passwordHash,
		CashBalance:  decimal.Zero,
		CreatedAt:    m.state.tick(m.now),
	}
	m.state.accounts[a.ID] = a
	m.state.usernames[username] = a.ID
	return &a, nil
}

func (m *Memory) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("failed to get account %d: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.state.usernames[username]
	if !ok {
		return nil, fmt.Errorf("failed to get account %q: %w", username, ErrNotFound)
	}
	a := m.state.accounts[id]
	return &a, nil
}

func (m *Memory) GetHoldings(ctx context.Context, accountID int64) ([]models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holdings := []models.Holding{}
	for k, h := range m.state.holdings {
		if k.AccountID == accountID {
			holdings = append(holdings, h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

func (m *Memory) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("failed to get order %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (m *Memory) GetAccountOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for _, o := range m.state.orders {
		if o.AccountID == accountID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (m *Memory) ListOpenOrders(ctx context.Context, symbol models.Symbol, side models.Side) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.state.books[symbol]
	if !ok {
		return []models.Order{}, nil
	}
	return b.Side(side), nil
}

func (m *Memory) RecentOrders(ctx context.Context, status models.Status, since time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for _, o := range m.state.orders {
		if o.Status == status && !o.UpdatedAt.Before(since) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].UpdatedAt.Equal(orders[j].UpdatedAt) {
			return orders[i].UpdatedAt.After(orders[j].UpdatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	if limit >= 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (m *Memory) GetAccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trades := []models.Trade{}
	for i := len(m.state.trades) - 1; i >= 0; i-- {
		t := m.state.trades[i]
		if t.BuyerID == accountID || t.SellerID == accountID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (m *Memory) RecentTrades(ctx context.Context, since time.Time, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trades := []models.Trade{}
	for i := len(m.state.trades) - 1; i >= 0 && (limit < 0 || len(trades) < limit); i-- {
		t := m.state.trades[i]
		if t.CreatedAt.Before(since) {
			break
		}
		trades = append(trades, t)
	}
	return trades, nil
}
