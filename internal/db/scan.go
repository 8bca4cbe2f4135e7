package db

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/settlement/internal/models"
)

// Numeric columns are selected as text and parsed here so no value passes through float64.

type numeric struct {
	src string
	dst *decimal.Decimal
}

func parseNumerics(fields ...numeric) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var cash string
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &cash, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{cash, &a.CashBalance}); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanHolding(row pgx.Row) (*models.Holding, error) {
	var h models.Holding
	var symbol, available, locked string
	if err := row.Scan(&h.AccountID, &symbol, &available, &locked, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.Symbol = models.Symbol(symbol)
	if err := parseNumerics(numeric{available, &h.Available}, numeric{locked, &h.Locked}); err != nil {
		return nil, err
	}
	return &h, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var symbol, side, price, quantity, status string
	err := row.Scan(&o.ID, &o.AccountID, &symbol, &side, &price, &quantity, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Symbol = models.Symbol(symbol)
	o.Side = models.Side(side)
	if o.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := parseNumerics(numeric{price, &o.Price}, numeric{quantity, &o.Quantity}); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var symbol, price, quantity, total, commission string
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &symbol,
		&price, &quantity, &total, &commission, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Symbol = models.Symbol(symbol)
	if err := parseNumerics(
		numeric{price, &t.Price},
		numeric{quantity, &t.Quantity},
		numeric{total, &t.TotalValue},
		numeric{commission, &t.Commission},
	); err != nil {
		return nil, err
	}
	return &t, nil
}
