package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/timour/course-checkout/common/broker"
)

// Publisher hands confirmations to the broker; the Consumer mails them.
type Publisher struct {
	pub broker.Publisher
}

func NewPublisher(pub broker.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) NotifyPurchase(ctx context.Context, n Notification) error {
	ctx, span := otel.Tracer("payments").Start(ctx, "AMQP - publish - "+broker.PurchaseCompletedEvent)
	defer span.End()

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = p.pub.PublishWithContext(ctx, broker.PurchaseCompletedEvent, broker.PurchaseCompletedEvent, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Headers:      broker.InjectTraceContext(ctx),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish %s: %w", broker.PurchaseCompletedEvent, err)
	}
	return nil
}
