package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/settlement/internal/logging"
)

type contextKey string

const (
	accountIDKey contextKey = "account_id"
	requestIDKey contextKey = "request_id"
)

func accountID(ctx context.Context) int64 {
	id, _ := ctx.Value(accountIDKey).(int64)
	return id
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// amountInput keeps the exact text of a JSON string or number so amounts never pass through float64.
type amountInput string

func (a *amountInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("amount required")
	}
	*a = amountInput(data)
	return nil
}

// JWTAuthMiddleware verifies JWT tokens and puts the account id in the request context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		id, err := h.AuthService.AccountFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), accountIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger tags each request with an id and logs its outcome.
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.Metrics.HTTPRequest(route, status)
		h.Log.WithFields(logrus.Fields{
			"event":       logging.EventRequestComplete,
			"request_id":  id,
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Debug("request complete")
	})
}

// Routes builds the router. metricsHandler, when non-nil, is served at /metrics.
func (h *Handler) Routes(metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.RequestLogger)

	r.Get("/healthz", h.Healthz)
	r.Get("/ws", h.ServeWS)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/profile", h.Profile)
		r.Post("/account/fund", h.FundAccount)
		r.Get("/orders", h.GetOrderBook)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/mine", h.GetAccountOrders)
		r.Post("/orders/match", h.MatchOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Get("/trades", h.GetAccountTrades)
		r.Get("/activity", h.GetActivity)
	})
	return r
}
