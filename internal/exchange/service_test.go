package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/events"
	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/logging"
	"github.com/xtrntr/settlement/internal/metrics"
	"github.com/xtrntr/settlement/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]events.Type, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

type fixture struct {
	store   *db.Memory
	svc     *Service
	events  *recorder
	metrics *metrics.Metrics
}

func setup() *fixture {
	store := db.NewMemory()
	rec := &recorder{}
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		store:   store,
		svc:     NewService(store, rec, logging.Discard(), m),
		events:  rec,
		metrics: m,
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// account creates an account with cash and holdings given as symbol -> amount.
func (f *fixture) account(t require.TestingT, name, cash string, holdings map[models.Symbol]string) int64 {
	ctx := context.Background()
	a, err := f.store.CreateAccount(ctx, name, "hash")
	require.NoError(t, err)

	rows := ledger.Rows{Accounts: []int64{a.ID}}
	for sym := range holdings {
		rows.Holdings = append(rows.Holdings, ledger.HoldingLock{Key: models.HoldingKey{AccountID: a.ID, Symbol: sym}, Create: true})
	}
	err = f.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		l, err := ledger.Acquire(ctx, tx, rows)
		if err != nil {
			return err
		}
		if cash != "" && !d(cash).IsZero() {
			if err := l.CreditCash(ctx, a.ID, d(cash)); err != nil {
				return err
			}
		}
		for sym, amount := range holdings {
			if err := l.CreditAsset(ctx, models.HoldingKey{AccountID: a.ID, Symbol: sym}, d(amount)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return a.ID
}

func (f *fixture) balance(t require.TestingT, id int64) string {
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return models.Format(a.CashBalance)
}

// holding returns available and locked amounts, zero when the holding does not exist.
func (f *fixture) holding(t require.TestingT, id int64, sym models.Symbol) (string, string) {
	holdings, err := f.store.GetHoldings(context.Background(), id)
	require.NoError(t, err)
	for _, h := range holdings {
		if h.Symbol == sym {
			return models.Format(h.Available), models.Format(h.Locked)
		}
	}
	return models.Format(decimal.Zero), models.Format(decimal.Zero)
}

func (f *fixture) status(t require.TestingT, orderID int64) models.Status {
	o, err := f.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func TestScenarioA_BuyReservesCash(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)

	order, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("50000"), d("0.01"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, order.Status)
	assert.Equal(t, "500.00000000", f.balance(t, buyer))
	assert.Equal(t, []events.Type{events.OrderCreated}, f.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersCreated.WithLabelValues("BTC", "buy")))
}

func TestScenarioB_SettlesAtMakerPriceWithCommission(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})

	buy, trade, err := f.svc.PlaceOrder(ctx, buyer, models.BTC, models.Buy, d("50000"), d("0.01"))
	require.NoError(t, err)
	assert.Nil(t, trade)

	sell, trade, err := f.svc.PlaceOrder(ctx, seller, models.BTC, models.Sell, d("50000"), d("0.01"))
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, "50000.00000000", models.Format(trade.Price))
	assert.Equal(t, "0.01000000", models.Format(trade.Quantity))
	assert.Equal(t, "500.00000000", models.Format(trade.TotalValue))
	assert.Equal(t, "7.50000000", models.Format(trade.Commission))
	assert.Equal(t, buy.ID, trade.BuyOrderID)
	assert.Equal(t, sell.ID, trade.SellOrderID)
	assert.Equal(t, buyer, trade.BuyerID)
	assert.Equal(t, seller, trade.SellerID)

	assert.Equal(t, "492.50000000", f.balance(t, buyer))
	assert.Equal(t, "500.00000000", f.balance(t, seller))

	available, locked := f.holding(t, seller, models.BTC)
	assert.Equal(t, "0.99000000", available)
	assert.Equal(t, "0.00000000", locked)
	available, locked = f.holding(t, buyer, models.BTC)
	assert.Equal(t, "0.01000000", available)
	assert.Equal(t, "0.00000000", locked)

	assert.Equal(t, models.StatusFilled, sell.Status)
	assert.Equal(t, models.StatusFilled, f.status(t, buy.ID))
	assert.Equal(t, []events.Type{events.OrderCreated, events.OrderCreated, events.OrderMatched}, f.events.types())
}

func TestScenarioC_CancelRefundsReservation(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)

	order, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("50000"), d("0.01"))
	require.NoError(t, err)
	require.Equal(t, "500.00000000", f.balance(t, buyer))

	cancelled, err := f.svc.CancelOrder(ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, "1000.00000000", f.balance(t, buyer))

	open, err := f.svc.ListOpenOrders(ctx, models.BTC, models.Buy)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestScenarioD_InsufficientAssetsMutatesNothing(t *testing.T) {
	f := setup()
	ctx := context.Background()
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "0.25"})

	_, err := f.svc.CreateOrder(ctx, seller, models.BTC, models.Sell, d("50000"), d("0.5"))
	var insufficient *ledger.InsufficientAssetsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "0.50000000", models.Format(insufficient.Required))
	assert.Equal(t, "0.25000000", models.Format(insufficient.Available))

	available, locked := f.holding(t, seller, models.BTC)
	assert.Equal(t, "0.25000000", available)
	assert.Equal(t, "0.00000000", locked)
	orders, err := f.svc.AccountOrders(ctx, seller)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, f.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues("BTC", "insufficient_assets")))
}

func TestScenarioE_EarlierSellWinsAtEqualPrice(t *testing.T) {
	f := setup()
	ctx := context.Background()
	first := f.account(t, "first", "0", map[models.Symbol]string{models.BTC: "1"})
	second := f.account(t, "second", "0", map[models.Symbol]string{models.BTC: "1"})
	buyer := f.account(t, "buyer", "10000", nil)

	early, err := f.svc.CreateOrder(ctx, first, models.BTC, models.Sell, d("100"), d("1"))
	require.NoError(t, err)
	late, err := f.svc.CreateOrder(ctx, second, models.BTC, models.Sell, d("100"), d("1"))
	require.NoError(t, err)
	require.True(t, early.CreatedAt.Before(late.CreatedAt))

	_, trade, err := f.svc.PlaceOrder(ctx, buyer, models.BTC, models.Buy, d("100"), d("1"))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, early.ID, trade.SellOrderID)
	assert.Equal(t, models.StatusFilled, f.status(t, early.ID))
	assert.Equal(t, models.StatusOpen, f.status(t, late.ID))
}

func TestMatch_BestPriceBeforeTime(t *testing.T) {
	f := setup()
	ctx := context.Background()
	a := f.account(t, "a", "0", map[models.Symbol]string{models.ETH: "5"})
	b := f.account(t, "b", "0", map[models.Symbol]string{models.ETH: "5"})
	buyer := f.account(t, "buyer", "10000", nil)

	_, err := f.svc.CreateOrder(ctx, a, models.ETH, models.Sell, d("2000"), d("1"))
	require.NoError(t, err)
	cheaper, err := f.svc.CreateOrder(ctx, b, models.ETH, models.Sell, d("1900"), d("1"))
	require.NoError(t, err)

	_, trade, err := f.svc.PlaceOrder(ctx, buyer, models.ETH, models.Buy, d("2100"), d("1"))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, cheaper.ID, trade.SellOrderID)
}

func TestMatch_MakerPrice(t *testing.T) {
	tests := []struct {
		name        string
		restingSide models.Side
		restingAt   string
		takerAt     string
		buyerCash   string
	}{
		// buyer reserved 510, paid 500 + 7.5 commission; the 10 improvement is not refunded
		{name: "BuyTaker", restingSide: models.Sell, restingAt: "50000", takerAt: "51000", buyerCash: "482.50000000"},
		// resting buy at 50000 sets the price for a seller asking 49000
		{name: "SellTaker", restingSide: models.Buy, restingAt: "50000", takerAt: "49000", buyerCash: "492.50000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup()
			ctx := context.Background()
			buyer := f.account(t, "buyer", "1000", nil)
			seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})

			restingAccount, takerAccount := seller, buyer
			if tt.restingSide == models.Buy {
				restingAccount, takerAccount = buyer, seller
			}
			_, err := f.svc.CreateOrder(ctx, restingAccount, models.BTC, tt.restingSide, d(tt.restingAt), d("0.01"))
			require.NoError(t, err)
			_, trade, err := f.svc.PlaceOrder(ctx, takerAccount, models.BTC, tt.restingSide.Opposite(), d(tt.takerAt), d("0.01"))
			require.NoError(t, err)
			require.NotNil(t, trade)

			assert.Equal(t, "50000.00000000", models.Format(trade.Price))
			assert.Equal(t, tt.buyerCash, f.balance(t, buyer))
			assert.Equal(t, "500.00000000", f.balance(t, seller))
		})
	}
}

func TestMatch_NoCounterOrder(t *testing.T) {
	tests := []struct {
		name     string
		sameUser bool
		sellQty  string
		sellAt   string
	}{
		{name: "SelfTrade", sameUser: true, sellQty: "0.01", sellAt: "50000"},
		{name: "QuantityDiffers", sellQty: "0.02", sellAt: "50000"},
		{name: "PriceDoesNotCross", sellQty: "0.01", sellAt: "50000.00000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup()
			ctx := context.Background()
			trader := f.account(t, "trader", "1000", map[models.Symbol]string{models.BTC: "1"})
			seller := trader
			if !tt.sameUser {
				seller = f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})
			}

			sell, err := f.svc.CreateOrder(ctx, seller, models.BTC, models.Sell, d(tt.sellAt), d(tt.sellQty))
			require.NoError(t, err)
			buy, trade, err := f.svc.PlaceOrder(ctx, trader, models.BTC, models.Buy, d("50000"), d("0.01"))
			require.NoError(t, err)
			assert.Nil(t, trade)
			assert.Equal(t, models.StatusOpen, f.status(t, sell.ID))
			assert.Equal(t, models.StatusOpen, buy.Status)
		})
	}
}

func TestMatch_BuyerCannotPayCommission(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "500", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})

	buy, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("50000"), d("0.01"))
	require.NoError(t, err)
	require.Equal(t, "0.00000000", f.balance(t, buyer))

	// placement succeeds; the failed match leaves both orders open
	sell, trade, err := f.svc.PlaceOrder(ctx, seller, models.BTC, models.Sell, d("50000"), d("0.01"))
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Equal(t, models.StatusOpen, f.status(t, buy.ID))
	assert.Equal(t, models.StatusOpen, f.status(t, sell.ID))

	_, err = f.svc.AttemptMatch(ctx, sell.ID)
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "7.50000000", models.Format(insufficient.Required))

	_, locked := f.holding(t, seller, models.BTC)
	assert.Equal(t, "0.01000000", locked)
	assert.Equal(t, "0.00000000", f.balance(t, seller))

	_, err = f.svc.FundAccount(ctx, buyer, d("8"))
	require.NoError(t, err)
	trade, err = f.svc.AttemptMatch(ctx, sell.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, "0.50000000", f.balance(t, buyer))
}

func TestMatch_StorageFailureIsAtomic(t *testing.T) {
	for _, method := range []string{"UpdateHolding", "UpdateOrderStatus", "InsertTrade"} {
		t.Run(method, func(t *testing.T) {
			f := setup()
			ctx := context.Background()
			buyer := f.account(t, "buyer", "1000", nil)
			seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})
			buy, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("50000"), d("0.01"))
			require.NoError(t, err)
			sell, err := f.svc.CreateOrder(ctx, seller, models.BTC, models.Sell, d("50000"), d("0.01"))
			require.NoError(t, err)

			boom := errors.New("connection lost")
			f.store.InjectFault(method, boom)
			_, err = f.svc.AttemptMatch(ctx, sell.ID)
			require.ErrorIs(t, err, boom)

			assert.Equal(t, "500.00000000", f.balance(t, buyer))
			assert.Equal(t, "0.00000000", f.balance(t, seller))
			available, locked := f.holding(t, seller, models.BTC)
			assert.Equal(t, "0.99000000", available)
			assert.Equal(t, "0.01000000", locked)
			available, _ = f.holding(t, buyer, models.BTC)
			assert.Equal(t, "0.00000000", available)
			assert.Equal(t, models.StatusOpen, f.status(t, buy.ID))
			assert.Equal(t, models.StatusOpen, f.status(t, sell.ID))
			trades, err := f.svc.AccountTrades(ctx, buyer)
			require.NoError(t, err)
			assert.Empty(t, trades)

			// retrying once the store recovers settles exactly once
			f.store.ClearFaults()
			trade, err := f.svc.AttemptMatch(ctx, sell.ID)
			require.NoError(t, err)
			require.NotNil(t, trade)
			assert.Equal(t, "492.50000000", f.balance(t, buyer))
		})
	}
}

func TestAttemptMatch_Errors(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)

	_, err := f.svc.AttemptMatch(ctx, 404)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	o, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("100"), d("1"))
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = f.svc.AttemptMatch(ctx, o.ID)
	assert.ErrorIs(t, err, ErrOrderNotOpen)
}

func TestCancelOrder_Errors(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})
	other := f.account(t, "other", "0", nil)

	buy, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("100"), d("1"))
	require.NoError(t, err)
	_, _, err = f.svc.PlaceOrder(ctx, seller, models.BTC, models.Sell, d("100"), d("1"))
	require.NoError(t, err)
	open, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("1"), d("1"))
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, buyer, 999)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.svc.CancelOrder(ctx, other, open.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.CancelOrder(ctx, buyer, buy.ID)
	var notCancellable *OrderNotCancellableError
	require.ErrorAs(t, err, &notCancellable)
	assert.Equal(t, models.StatusFilled, notCancellable.Status)

	_, err = f.svc.CancelOrder(ctx, buyer, open.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, buyer, open.ID)
	require.ErrorAs(t, err, &notCancellable)
	assert.Equal(t, models.StatusCancelled, notCancellable.Status)
}

func TestCancelSellOrder_RoundTrip(t *testing.T) {
	f := setup()
	ctx := context.Background()
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.ETH: "3.5"})

	o, err := f.svc.CreateOrder(ctx, seller, models.ETH, models.Sell, d("2000"), d("1.25"))
	require.NoError(t, err)
	available, locked := f.holding(t, seller, models.ETH)
	assert.Equal(t, "2.25000000", available)
	assert.Equal(t, "1.25000000", locked)

	_, err = f.svc.CancelOrder(ctx, seller, o.ID)
	require.NoError(t, err)
	available, locked = f.holding(t, seller, models.ETH)
	assert.Equal(t, "3.50000000", available)
	assert.Equal(t, "0.00000000", locked)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})

	tests := []struct {
		name      string
		account   int64
		symbol    models.Symbol
		side      models.Side
		price     string
		quantity  string
		expectErr error
	}{
		{name: "UpperCaseSide", account: seller, symbol: models.BTC, side: "SELL", price: "50000", quantity: "0.01"},
		{name: "LowerCaseSymbol", account: seller, symbol: "btc", side: "Sell", price: "50000", quantity: "0.01"},
		{name: "UnknownSymbol", account: buyer, symbol: "DOGE", side: models.Buy, price: "1", quantity: "1", expectErr: models.ErrInvalidSymbol},
		{name: "UnknownSide", account: buyer, symbol: models.BTC, side: "hold", price: "1", quantity: "1", expectErr: models.ErrInvalidSide},
		{name: "ZeroPrice", account: buyer, symbol: models.BTC, side: models.Buy, price: "0", quantity: "1", expectErr: models.ErrInvalidAmount},
		{name: "NinePlaces", account: buyer, symbol: models.BTC, side: models.Buy, price: "1", quantity: "0.000000001", expectErr: models.ErrInvalidAmount},
		{name: "ValueRoundsToZero", account: buyer, symbol: models.BTC, side: models.Buy, price: "0.0001", quantity: "0.00001", expectErr: models.ErrInvalidAmount},
		{name: "UnknownAccount", account: 77, symbol: models.BTC, side: models.Buy, price: "1", quantity: "1", expectErr: ErrAccountNotFound},
		{name: "UnknownAccountSell", account: 77, symbol: models.BTC, side: models.Sell, price: "1", quantity: "1", expectErr: ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := f.svc.CreateOrder(ctx, tt.account, tt.symbol, tt.side, d(tt.price), d(tt.quantity))
			assert.ErrorIs(t, err, tt.expectErr)
			assert.Equal(t, "1000.00000000", f.balance(t, buyer))
			if tt.expectErr == nil && assert.NotNil(t, order) {
				assert.Equal(t, models.BTC, order.Symbol)
				assert.Equal(t, models.Sell, order.Side)
			}
		})
	}

	available, locked := f.holding(t, seller, models.BTC)
	assert.Equal(t, "0.98000000", available)
	assert.Equal(t, "0.02000000", locked)

	asks, err := f.svc.ListOpenOrders(ctx, "btc", "SELL")
	require.NoError(t, err)
	assert.Len(t, asks, 2)
	b, err := f.svc.OrderBook(ctx, "Btc")
	require.NoError(t, err)
	assert.Equal(t, models.BTC, b.Symbol)
	assert.Len(t, b.SellOrders, 2)
}

func TestExecuteTrade(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1", models.ETH: "1"})

	sell, err := f.svc.CreateOrder(ctx, seller, models.BTC, models.Sell, d("100"), d("1"))
	require.NoError(t, err)
	ethSell, err := f.svc.CreateOrder(ctx, seller, models.ETH, models.Sell, d("100"), d("1"))
	require.NoError(t, err)
	buy, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("120"), d("1"))
	require.NoError(t, err)

	_, err = f.svc.Executor().ExecuteTrade(ctx, sell.ID, buy.ID)
	assert.ErrorIs(t, err, ErrInvalidPair, "sides swapped")
	_, err = f.svc.Executor().ExecuteTrade(ctx, buy.ID, ethSell.ID)
	assert.ErrorIs(t, err, ErrInvalidPair, "symbols differ")
	_, err = f.svc.Executor().ExecuteTrade(ctx, buy.ID, 999)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	trade, err := f.svc.Executor().ExecuteTrade(ctx, buy.ID, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00000000", models.Format(trade.Price))
	assert.Equal(t, "1.50000000", models.Format(trade.Commission))

	_, err = f.svc.Executor().ExecuteTrade(ctx, buy.ID, sell.ID)
	assert.ErrorIs(t, err, ErrOrderNotOpen)
}

func TestFundAccountAndProfile(t *testing.T) {
	f := setup()
	ctx := context.Background()
	id := f.account(t, "alice", "", map[models.Symbol]string{models.ETH: "2", models.BTC: "1"})

	for _, bad := range []string{"0", "-5", "10.5"} {
		_, err := f.svc.FundAccount(ctx, id, d(bad))
		assert.ErrorIs(t, err, ErrInvalidFunding, bad)
	}
	_, err := f.svc.FundAccount(ctx, 999, d("10"))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	account, err := f.svc.FundAccount(ctx, id, d("250"))
	require.NoError(t, err)
	assert.Equal(t, "250.00000000", models.Format(account.CashBalance))

	profile, err := f.svc.Profile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Account.Username)
	require.Len(t, profile.Holdings, 2)
	assert.Equal(t, models.BTC, profile.Holdings[0].Symbol)
	assert.Equal(t, models.ETH, profile.Holdings[1].Symbol)

	_, err = f.svc.Profile(ctx, 999)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestOrderBook(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "100000", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "10"})

	for _, p := range []string{"100", "300", "200"} {
		_, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d(p), d("1"))
		require.NoError(t, err)
	}
	for _, p := range []string{"900", "700", "800"} {
		_, err := f.svc.CreateOrder(ctx, seller, models.BTC, models.Sell, d(p), d("2"))
		require.NoError(t, err)
	}

	b, err := f.svc.OrderBook(ctx, models.BTC)
	require.NoError(t, err)
	prices := func(orders []models.Order) []string {
		out := []string{}
		for _, o := range orders {
			out = append(out, o.Price.String())
		}
		return out
	}
	assert.Equal(t, []string{"300", "200", "100"}, prices(b.BuyOrders))
	assert.Equal(t, []string{"700", "800", "900"}, prices(b.SellOrders))

	_, err = f.svc.ListOpenOrders(ctx, "XRP", models.Buy)
	assert.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestRecentActivity(t *testing.T) {
	f := setup()
	ctx := context.Background()
	buyer := f.account(t, "buyer", "1000", nil)
	seller := f.account(t, "seller", "0", map[models.Symbol]string{models.BTC: "1"})

	resting, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("10"), d("1"))
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, buyer, resting.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("100"), d("1"))
	require.NoError(t, err)
	_, _, err = f.svc.PlaceOrder(ctx, seller, models.BTC, models.Sell, d("100"), d("1"))
	require.NoError(t, err)
	open, err := f.svc.CreateOrder(ctx, buyer, models.BTC, models.Buy, d("5"), d("1"))
	require.NoError(t, err)

	feed, err := f.svc.RecentActivity(ctx, resting.CreatedAt.Add(-1), 50)
	require.NoError(t, err)
	require.Len(t, feed, 3)
	assert.Equal(t, ActivityOrderCreated, feed[0].Type)
	assert.Equal(t, open.ID, feed[0].Order.ID)
	assert.Equal(t, ActivityTrade, feed[1].Type)
	assert.Equal(t, ActivityOrderCancelled, feed[2].Type)

	feed, err = f.svc.RecentActivity(ctx, resting.CreatedAt.Add(-1), 2)
	require.NoError(t, err)
	assert.Len(t, feed, 2)
}

// Each resting order settles at most once when many takers race for the same book.
func TestConcurrentTakers(t *testing.T) {
	f := setup()
	ctx := context.Background()
	const n = 20

	sellers := make([]int64, n)
	buyers := make([]int64, n)
	for i := 0; i < n; i++ {
		sellers[i] = f.account(t, "seller"+string(rune('a'+i)), "0", map[models.Symbol]string{models.BTC: "1"})
		buyers[i] = f.account(t, "buyer"+string(rune('a'+i)), "200", nil)
	}
	for _, s := range sellers[:n/2] {
		_, err := f.svc.CreateOrder(ctx, s, models.BTC, models.Sell, d("100"), d("1"))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := f.svc.PlaceOrder(ctx, buyers[i], models.BTC, models.Buy, d("100"), d("1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	trades := 0
	for _, b := range buyers {
		ts, err := f.svc.AccountTrades(ctx, b)
		require.NoError(t, err)
		for _, tr := range ts {
			assert.False(t, seen[tr.SellOrderID], "sell order %d settled twice", tr.SellOrderID)
			seen[tr.SellOrderID] = true
			trades++
		}
	}
	assert.Equal(t, n/2, trades)

	open, err := f.svc.ListOpenOrders(ctx, models.BTC, models.Buy)
	require.NoError(t, err)
	assert.Len(t, open, n/2)
	open, err = f.svc.ListOpenOrders(ctx, models.BTC, models.Sell)
	require.NoError(t, err)
	assert.Empty(t, open)
}
