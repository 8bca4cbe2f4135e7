package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/settlement/internal/auth"
	"github.com/xtrntr/settlement/internal/events"
	"github.com/xtrntr/settlement/internal/exchange"
	"github.com/xtrntr/settlement/internal/ledger"
	"github.com/xtrntr/settlement/internal/metrics"
	"github.com/xtrntr/settlement/internal/models"
)

const (
	defaultActivityWindow = 15 * time.Minute
	defaultActivityLimit  = 50
	maxActivityLimit      = 500
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Service     *exchange.Service
	AuthService *auth.AuthService
	Hub         *events.Hub
	Log         logrus.FieldLogger
	Metrics     *metrics.Metrics
	upgrader    websocket.Upgrader
}

// NewHandler creates a new handler. hub may be nil, which disables /ws.
func NewHandler(svc *exchange.Service, authService *auth.AuthService, hub *events.Hub, log logrus.FieldLogger, m *metrics.Metrics) *Handler {
	return &Handler{
		Service:     svc,
		AuthService: authService,
		Hub:         hub,
		Log:         log,
		Metrics:     m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps core errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var balance *ledger.InsufficientBalanceError
	var assets *ledger.InsufficientAssetsError
	var notCancellable *exchange.OrderNotCancellableError

	switch {
	case errors.As(err, &balance):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":     "Insufficient balance",
			"required":  models.Format(balance.Required),
			"available": models.Format(balance.Available),
		})
	case errors.As(err, &assets):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":     "Insufficient assets",
			"symbol":    string(assets.Symbol),
			"required":  models.Format(assets.Required),
			"available": models.Format(assets.Available),
		})
	case errors.As(err, &notCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "Order cannot be cancelled",
			"status": string(notCancellable.Status),
		})
	case errors.Is(err, exchange.ErrOrderNotOpen):
		writeError(w, http.StatusConflict, "Order is no longer open")
	case errors.Is(err, exchange.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, exchange.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, exchange.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "Order belongs to another account")
	case errors.Is(err, models.ErrInvalidSymbol),
		errors.Is(err, models.ErrInvalidSide),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, exchange.ErrInvalidFunding),
		errors.Is(err, exchange.ErrInvalidPair):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Log.WithFields(logrus.Fields{"path": r.URL.Path, "request_id": requestID(r.Context())}).
			WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles account registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	account, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "Username already taken")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       account.ID,
		"username": account.Username,
	})
}

// Login handles account login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Profile returns the caller's account and holdings
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.Service.Profile(r.Context(), accountID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// FundAccount credits cash to the caller's account
func (h *Handler) FundAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount amountInput `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	amount, err := decimal.NewFromString(string(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Amount must be a number")
		return
	}

	account, err := h.Service.FundAccount(r.Context(), accountID(r.Context()), amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetOrderBook returns the open orders of one symbol
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol, err := models.ParseSymbol(r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := h.Service.OrderBook(r.Context(), symbol)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":      b.Symbol,
		"buy_orders":  b.BuyOrders,
		"sell_orders": b.SellOrders,
	})
}

// PlaceOrder creates an order and tries to match it
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol   string      `json:"symbol"`
		Side     string      `json:"side"`
		Price    amountInput `json:"price"`
		Quantity amountInput `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	symbol, err := models.ParseSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := models.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := models.ParseAmount(string(req.Price))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Price "+err.Error())
		return
	}
	quantity, err := models.ParseAmount(string(req.Quantity))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Quantity "+err.Error())
		return
	}

	order, trade, err := h.Service.PlaceOrder(r.Context(), accountID(r.Context()), symbol, side, price, quantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order": order,
		"trade": trade,
	})
}

// CancelOrder cancels one of the caller's open orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Service.CancelOrder(r.Context(), accountID(r.Context()), orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// MatchOrder retries matching one of the caller's open orders
func (h *Handler) MatchOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID int64 `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID <= 0 {
		writeError(w, http.StatusBadRequest, "order_id required")
		return
	}

	order, err := h.Service.GetOrder(r.Context(), req.OrderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if order.AccountID != accountID(r.Context()) {
		h.writeServiceError(w, r, exchange.ErrUnauthorized)
		return
	}

	trade, err := h.Service.AttemptMatch(r.Context(), req.OrderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trade": trade})
}

// GetAccountOrders returns the caller's orders
func (h *Handler) GetAccountOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Service.AccountOrders(r.Context(), accountID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetAccountTrades returns the caller's trade history
func (h *Handler) GetAccountTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Service.AccountTrades(r.Context(), accountID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetActivity returns recent exchange-wide activity
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	window := defaultActivityWindow
	if v := r.URL.Query().Get("minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		window = time.Duration(minutes) * time.Minute
	}
	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxActivityLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	feed, err := h.Service.RecentActivity(r.Context(), time.Now().Add(-window), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// ServeWS upgrades to a websocket streaming events. Clients name symbols with ?symbol=BTC and may
// add their private channel by passing ?token=<jwt>.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusNotFound, "Notifications disabled")
		return
	}

	var channels []string
	for _, s := range r.URL.Query()["symbol"] {
		for _, part := range strings.Split(s, ",") {
			symbol, err := models.ParseSymbol(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			channels = append(channels, events.OrderbookChannel(symbol))
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		id, err := h.AuthService.AccountFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		channels = append(channels, events.UserChannel(id))
	}
	if len(channels) == 0 {
		writeError(w, http.StatusBadRequest, "symbol or token required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.WithError(err).Warn("failed to upgrade connection")
		return
	}
	h.Hub.Serve(conn, channels)
}

// Healthz reports liveness
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
