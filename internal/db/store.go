package db

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/settlement/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record already exists")
	ErrNotLocked = errors.New("row not locked by this transaction")
	// ErrLockOrder is returned when a transaction takes a lock out of the canonical order:
	// symbol, then orders, then accounts by id, then holdings by (account_id, symbol).
	ErrLockOrder = errors.New("lock acquired out of canonical order")
)

// Tx is a unit of work holding exclusive row locks until it commits or rolls back.
// Lock* methods return the current row and keep it locked for the rest of the transaction.
type Tx interface {
	// LockSymbol serializes matching for one symbol. It must precede every row lock.
	LockSymbol(ctx context.Context, symbol models.Symbol) error

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	// FindCounterOrder locks and returns the best resting order eligible to trade with taker,
	// or nil when there is none.
	FindCounterOrder(ctx context.Context, taker models.Order) (*models.Order, error)
	InsertOrder(ctx context.Context, order models.Order) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, from, to models.Status) error

	// LockAccounts locks accounts in the order given, which must be ascending by id.
	LockAccounts(ctx context.Context, ids []int64) ([]models.Account, error)
	UpdateCashBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error

	// LockHolding locks a holding row. When the row is absent it is created zeroed if create is
	// set, otherwise nil is returned.
	LockHolding(ctx context.Context, key models.HoldingKey, create bool) (*models.Holding, error)
	UpdateHolding(ctx context.Context, holding models.Holding) error

	InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error)
}

// Store is the durable state of the exchange.
type Store interface {
	// WithTx runs fn in one transaction, committing if fn returns nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateAccount(ctx context.Context, username, passwordHash string) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	GetHoldings(ctx context.Context, accountID int64) ([]models.Holding, error)

	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetAccountOrders(ctx context.Context, accountID int64) ([]models.Order, error)
	ListOpenOrders(ctx context.Context, symbol models.Symbol, side models.Side) ([]models.Order, error)
	// RecentOrders returns orders in status changed at or after since, newest first. A negative
	// limit returns every such order; the same holds for RecentTrades.
	RecentOrders(ctx context.Context, status models.Status, since time.Time, limit int) ([]models.Order, error)

	GetAccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error)
	RecentTrades(ctx context.Context, since time.Time, limit int) ([]models.Trade, error)

	Close()
}
