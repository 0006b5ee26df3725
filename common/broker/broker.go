package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event names double as exchange, queue and routing key.
const (
	PurchaseCompletedEvent = "purchase.completed"
)

// Events lists every event this service declares topology for.
var Events = []string{PurchaseCompletedEvent}

const (
	MaxRetryCount = 3
	DLX           = "dlx"
	retryHeader   = "x-retry-count"
)

// RetryDelay is multiplied by the attempt number between redeliveries.
var RetryDelay = time.Second

// Publisher is the part of *amqp.Channel used for publishing.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Connect dials RabbitMQ and declares the DLX, the per-event exchanges,
// queues and dead-letter queues. The returned func closes channel and
// connection in that order.
func Connect(user, pass, host, port string, logger *slog.Logger) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch, logger); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

func declareTopology(ch *amqp.Channel, logger *slog.Logger) error {
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, event := range Events {
		dlq := event + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, event, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s to DLX: %w", dlq, err)
		}

		if err := ch.ExchangeDeclare(event, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", event, err)
		}
		_, err := ch.QueueDeclare(event, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    DLX,
			"x-dead-letter-routing-key": event,
		})
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", event, err)
		}
		if err := ch.QueueBind(event, event, event, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", event, err)
		}

		logger.Info("broker topology declared", slog.String("event", event), slog.String("dlq", dlq))
	}
	return nil
}

// HandleRetry republishes a failed delivery with an incremented retry count
// after a linear backoff, and acks the original. Once MaxRetryCount is
// reached it nacks without requeue so the DLX routes it to the event's DLQ.
func HandleRetry(ctx context.Context, pub Publisher, d *amqp.Delivery) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, _ := d.Headers[retryHeader].(int64)
	retryCount++
	d.Headers[retryHeader] = retryCount

	if retryCount >= MaxRetryCount {
		return d.Nack(false, false)
	}

	select {
	case <-time.After(RetryDelay * time.Duration(retryCount)):
	case <-ctx.Done():
		return d.Nack(false, true)
	}

	err := pub.PublishWithContext(ctx, d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Headers:      d.Headers,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return d.Nack(false, true)
	}
	return d.Ack(false)
}
