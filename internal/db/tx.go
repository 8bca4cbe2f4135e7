package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/settlement/internal/models"
)

type pgTx struct {
	tx pgx.Tx
}

// LockSymbol takes a transaction-scoped advisory lock released on commit or rollback
func (t *pgTx) LockSymbol(ctx context.Context, symbol models.Symbol) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "match:"+string(symbol)); err != nil {
		return fmt.Errorf("failed to lock symbol %s: %w", symbol, err)
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "failed to get order")
	}
	return order, nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "failed to lock order")
	}
	return order, nil
}

func (t *pgTx) FindCounterOrder(ctx context.Context, taker models.Order) (*models.Order, error) {
	// Best price first: lowest ask for a buyer, highest bid for a seller
	cmp, priceOrder := "<=", "ASC"
	if taker.Side == models.Sell {
		cmp, priceOrder = ">=", "DESC"
	}
	sql := "SELECT " + orderColumns + " FROM orders " +
		"WHERE symbol = $1 AND side = $2 AND status = 'open' AND account_id <> $3 " +
		"AND quantity = $4::numeric AND price " + cmp + " $5::numeric " +
		"ORDER BY price " + priceOrder + ", created_at ASC, id ASC LIMIT 1 FOR UPDATE"

	order, err := scanOrder(t.tx.QueryRow(ctx, sql,
		string(taker.Symbol), string(taker.Side.Opposite()), taker.AccountID,
		taker.Quantity.String(), taker.Price.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find counter order: %w", err)
	}
	return order, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	row := t.tx.QueryRow(ctx,
		"INSERT INTO orders (account_id, symbol, side, price, quantity, status) "+
			"VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6) RETURNING "+orderColumns,
		order.AccountID, string(order.Symbol), string(order.Side),
		order.Price.String(), order.Quantity.String(), string(order.Status))
	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// UpdateOrderStatus moves an order between statuses. The row must still be in from.
func (t *pgTx) UpdateOrderStatus(ctx context.Context, id int64, from, to models.Status) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1, updated_at = clock_timestamp() WHERE id = $2 AND status = $3",
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update order %d: not in status %s: %w", id, from, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockAccounts(ctx context.Context, ids []int64) ([]models.Account, error) {
	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		return nil, fmt.Errorf("failed to lock accounts %v: %w", ids, ErrLockOrder)
	}
	accounts := make([]models.Account, 0, len(ids))
	// One statement per row keeps the acquisition order explicit
	for _, id := range ids {
		account, err := scanAccount(t.tx.QueryRow(ctx,
			"SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return nil, notFound(err, fmt.Sprintf("failed to lock account %d", id))
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (t *pgTx) UpdateCashBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, "UPDATE accounts SET cash_balance = $1::numeric WHERE id = $2",
		balance.String(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update cash balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update cash balance of account %d: %w", accountID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockHolding(ctx context.Context, key models.HoldingKey, create bool) (*models.Holding, error) {
	if create {
		_, err := t.tx.Exec(ctx,
			"INSERT INTO holdings (account_id, symbol) VALUES ($1, $2) ON CONFLICT (account_id, symbol) DO NOTHING",
			key.AccountID, string(key.Symbol))
		if err != nil {
			return nil, fmt.Errorf("failed to create holding %s: %w", key, err)
		}
	}

	holding, err := scanHolding(t.tx.QueryRow(ctx,
		"SELECT "+holdingColumns+" FROM holdings WHERE account_id = $1 AND symbol = $2 FOR UPDATE",
		key.AccountID, string(key.Symbol)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock holding %s: %w", key, err)
	}
	return holding, nil
}

func (t *pgTx) UpdateHolding(ctx context.Context, h models.Holding) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE holdings SET available = $1::numeric, locked = $2::numeric, updated_at = clock_timestamp() "+
			"WHERE account_id = $3 AND symbol = $4",
		h.Available.String(), h.Locked.String(), h.AccountID, string(h.Symbol))
	if err != nil {
		return fmt.Errorf("failed to update holding: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update holding %s: %w", h.Key(), ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error) {
	row := t.tx.QueryRow(ctx,
		"INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, quantity, total_value, commission) "+
			"VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric) RETURNING "+tradeColumns,
		trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, string(trade.Symbol),
		trade.Price.String(), trade.Quantity.String(), trade.TotalValue.String(), trade.Commission.String())
	created, err := scanTrade(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return created, nil
}
