package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/timour/course-checkout/common/broker"
)

// Channel is the part of *amqp.Channel the consumer needs.
type Channel interface {
	broker.Publisher
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type Consumer struct {
	ch     Channel
	mailer Mailer
	logger *slog.Logger
}

func NewConsumer(ch Channel, mailer Mailer, logger *slog.Logger) *Consumer {
	return &Consumer{ch: ch, mailer: mailer, logger: logger}
}

// Listen consumes purchase.completed until ctx is done or the channel
// closes. Failed sends go through broker.HandleRetry and end in the DLQ.
func (c *Consumer) Listen(ctx context.Context) error {
	msgs, err := c.ch.Consume(broker.PurchaseCompletedEvent, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("notification consumer started", slog.String("queue", broker.PurchaseCompletedEvent))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ctx = broker.ExtractTraceContext(ctx, d.Headers)
	ctx, span := otel.Tracer("payments").Start(ctx, "AMQP - consume - "+broker.PurchaseCompletedEvent)
	defer span.End()

	var n Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		// Retrying cannot fix a malformed body.
		c.logger.Error("failed to unmarshal notification", slog.Any("error", err))
		d.Nack(false, false)
		return
	}

	if err := c.mailer.Send(ctx, Render(n)); err != nil {
		span.RecordError(err)
		c.logger.Warn("failed to send purchase confirmation",
			slog.String("purchase_id", n.PurchaseID),
			slog.Any("error", err),
		)
		if err := broker.HandleRetry(ctx, c.ch, &d); err != nil {
			c.logger.Error("error handling retry", slog.Any("error", err))
		}
		return
	}

	d.Ack(false)
	c.logger.Info("purchase confirmation sent",
		slog.String("purchase_id", n.PurchaseID),
		slog.String("buyer_id", n.BuyerID),
	)
}
