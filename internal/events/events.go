package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xtrntr/settlement/internal/logging"
	"github.com/xtrntr/settlement/internal/metrics"
	"github.com/xtrntr/settlement/internal/models"
)

// Type names a notification
type Type string

const (
	OrderCreated   Type = "order.created"
	OrderCancelled Type = "order.cancelled"
	OrderMatched   Type = "order.matched"
)

// Event is a notification about a committed change. Events are emitted only after the
// transaction that caused them has committed.
type Event struct {
	ID         string        `json:"id"`
	Type       Type          `json:"type"`
	Symbol     models.Symbol `json:"symbol"`
	Order      *models.Order `json:"order,omitempty"`
	Trade      *models.Trade `json:"trade,omitempty"`
	AccountIDs []int64       `json:"-"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func newEvent(t Type, symbol models.Symbol, accounts ...int64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Symbol:     symbol,
		AccountIDs: accounts,
		OccurredAt: time.Now().UTC(),
	}
}

// NewOrderCreated announces a new open order
func NewOrderCreated(o models.Order) Event {
	e := newEvent(OrderCreated, o.Symbol, o.AccountID)
	e.Order = &o
	return e
}

// NewOrderCancelled announces a cancelled order
func NewOrderCancelled(o models.Order) Event {
	e := newEvent(OrderCancelled, o.Symbol, o.AccountID)
	e.Order = &o
	return e
}

// NewOrderMatched announces a settled trade to both counterparties
func NewOrderMatched(t models.Trade) Event {
	e := newEvent(OrderMatched, t.Symbol, t.BuyerID, t.SellerID)
	e.Trade = &t
	return e
}

// OrderbookChannel is the public channel for a symbol's book
func OrderbookChannel(symbol models.Symbol) string {
	return "orderbook." + string(symbol)
}

// UserChannel is the private channel of one account
func UserChannel(accountID int64) string {
	return fmt.Sprintf("user.%d", accountID)
}

// Channels lists every channel the event is delivered on: the symbol's book, then each account once.
func (e Event) Channels() []string {
	channels := []string{OrderbookChannel(e.Symbol)}
	seen := map[int64]bool{}
	for _, id := range e.AccountIDs {
		if !seen[id] {
			seen[id] = true
			channels = append(channels, UserChannel(id))
		}
	}
	return channels
}

// Publisher delivers events to one sink
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Notifier is what the core emits to. Delivery is best-effort and never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Dispatcher fans an event out to every sink, logging and counting failures.
type Dispatcher struct {
	sinks   []Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewDispatcher returns a Dispatcher over sinks
func NewDispatcher(log logrus.FieldLogger, m *metrics.Metrics, sinks ...Publisher) *Dispatcher {
	return &Dispatcher{sinks: sinks, log: log, metrics: m, timeout: 2 * time.Second}
}

// Notify publishes to each sink in turn. It detaches from ctx's cancellation so that a request
// finishing does not abort delivery, but bounds each sink by the dispatcher timeout.
func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		err := sink.Publish(sctx, e)
		cancel()
		if err != nil {
			d.metrics.PublishFailed(sink.Name())
			d.log.WithFields(logrus.Fields{
				"event":      logging.EventPublishFailed,
				"sink":       sink.Name(),
				"event_type": e.Type,
				"event_id":   e.ID,
			}).WithError(err).Warn("failed to publish event")
		}
	}
}

// Nop drops every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
