package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogPublisher writes each event to the structured log
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	fields := logrus.Fields{
		"event_type": e.Type,
		"event_id":   e.ID,
		"symbol":     e.Symbol,
		"channels":   e.Channels(),
	}
	if e.Order != nil {
		fields["order_id"] = e.Order.ID
	}
	if e.Trade != nil {
		fields["trade_id"] = e.Trade.ID
	}
	p.Log.WithFields(fields).Debug("event published")
	return nil
}
