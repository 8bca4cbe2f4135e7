package models

import (
	"encoding/json"
	"time"
)

// JSON forms render every amount as a string with exactly Scale fractional digits.

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          int64     `json:"id"`
		Username    string    `json:"username"`
		CashBalance string    `json:"cash_balance"`
		CreatedAt   time.Time `json:"created_at"`
	}{a.ID, a.Username, Format(a.CashBalance), a.CreatedAt})
}

func (h Holding) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Symbol    Symbol    `json:"symbol"`
		Available string    `json:"available"`
		Locked    string    `json:"locked"`
		UpdatedAt time.Time `json:"updated_at"`
	}{h.Symbol, Format(h.Available), Format(h.Locked), h.UpdatedAt})
}

func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        int64     `json:"id"`
		AccountID int64     `json:"account_id"`
		Symbol    Symbol    `json:"symbol"`
		Side      Side      `json:"side"`
		Price     string    `json:"price"`
		Quantity  string    `json:"quantity"`
		Status    Status    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}{o.ID, o.AccountID, o.Symbol, o.Side, Format(o.Price), Format(o.Quantity), o.Status, o.CreatedAt, o.UpdatedAt})
}

func (t Trade) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          int64     `json:"id"`
		BuyOrderID  int64     `json:"buy_order_id"`
		SellOrderID int64     `json:"sell_order_id"`
		BuyerID     int64     `json:"buyer_id"`
		SellerID    int64     `json:"seller_id"`
		Symbol      Symbol    `json:"symbol"`
		Price       string    `json:"price"`
		Quantity    string    `json:"quantity"`
		TotalValue  string    `json:"total_value"`
		Commission  string    `json:"commission"`
		CreatedAt   time.Time `json:"created_at"`
	}{t.ID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.Symbol,
		Format(t.Price), Format(t.Quantity), Format(t.TotalValue), Format(t.Commission), t.CreatedAt})
}
