package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xtrntr/settlement/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	orderColumns   = "id, account_id, symbol, side, price::text, quantity::text, status, created_at, updated_at"
	accountColumns = "id, username, password_hash, cash_balance::text, created_at"
	holdingColumns = "account_id, symbol, available::text, locked::text, updated_at"
	tradeColumns   = "id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price::text, quantity::text, total_value::text, commission::text, created_at"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account with a zero cash balance
func (db *DB) CreateAccount(ctx context.Context, username, passwordHash string) (*models.Account, error) {
	row := db.Pool.QueryRow(ctx,
		"INSERT INTO accounts (username, password_hash) VALUES ($1, $2) RETURNING "+accountColumns,
		username, passwordHash)
	account, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create account %q: %w", username, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccount retrieves an account by id
func (db *DB) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	account, err := scanAccount(db.Pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "failed to get account")
	}
	return account, nil
}

// GetAccountByUsername retrieves an account by username
func (db *DB) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	account, err := scanAccount(db.Pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE username = $1", username))
	if err != nil {
		return nil, notFound(err, "failed to get account")
	}
	return account, nil
}

// GetHoldings retrieves all holdings of an account ordered by symbol
func (db *DB) GetHoldings(ctx context.Context, accountID int64) ([]models.Holding, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+holdingColumns+" FROM holdings WHERE account_id = $1 ORDER BY symbol", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	holdings := []models.Holding{}
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

// GetOrder retrieves an order without locking it
func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "failed to get order")
	}
	return order, nil
}

// GetAccountOrders retrieves all orders of an account, newest first
func (db *DB) GetAccountOrders(ctx context.Context, accountID int64) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE account_id = $1 ORDER BY created_at DESC, id DESC",
		accountID)
}

// ListOpenOrders retrieves one side of the open book in price-time priority
func (db *DB) ListOpenOrders(ctx context.Context, symbol models.Symbol, side models.Side) ([]models.Order, error) {
	priceOrder := "ASC"
	if side == models.Buy {
		priceOrder = "DESC"
	}
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE symbol = $1 AND side = $2 AND status = 'open' "+
			"ORDER BY price "+priceOrder+", created_at ASC, id ASC",
		string(symbol), string(side))
}

// RecentOrders retrieves orders of one status last changed at or after since
func (db *DB) RecentOrders(ctx context.Context, status models.Status, since time.Time, limit int) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status = $1 AND updated_at >= $2 "+
			"ORDER BY updated_at DESC, id DESC LIMIT $3",
		string(status), since, sqlLimit(limit))
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

// GetAccountTrades retrieves all trades where the account bought or sold, newest first
func (db *DB) GetAccountTrades(ctx context.Context, accountID int64) ([]models.Trade, error) {
	return db.queryTrades(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id DESC",
		accountID)
}

// RecentTrades retrieves trades executed at or after since, newest first
func (db *DB) RecentTrades(ctx context.Context, since time.Time, limit int) ([]models.Trade, error) {
	return db.queryTrades(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE created_at >= $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		since, sqlLimit(limit))
}

func (db *DB) queryTrades(ctx context.Context, sql string, args ...any) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// sqlLimit maps a negative limit to NULL, which Postgres treats as LIMIT ALL.
func sqlLimit(limit int) *int {
	if limit < 0 {
		return nil
	}
	return &limit
}

func notFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
