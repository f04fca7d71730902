package event

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/port"
)

// LogPublisher writes every event to a zap logger at debug level.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, ev domain.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("session_id", ev.SessionID),
	}
	switch {
	case ev.Cart != nil:
		fields = append(fields, zap.Int("count", ev.Cart.Count), zap.String("total", ev.Cart.Total.StringFixed(2)))
	case ev.Availability != nil:
		fields = append(fields, zap.String("sku", ev.Availability.SKU), zap.String("state", string(ev.Availability.State)))
	case ev.Checkout != nil:
		fields = append(fields,
			zap.String("outcome", string(ev.Checkout.Outcome)),
			zap.String("order_id", ev.Checkout.OrderID),
			zap.String("reason", ev.Checkout.Reason),
		)
	}
	p.log.Debug("event", fields...)
}

// Multi publishes to each publisher in order.
type Multi []port.EventPublisher

func (m Multi) Publish(ctx context.Context, ev domain.Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}
