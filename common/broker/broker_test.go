package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakePublisher struct {
	published []amqp.Publishing
	err       error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

func TestHandleRetryRepublishesWithCount(t *testing.T) {
	RetryDelay = time.Millisecond
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	d := &amqp.Delivery{Acknowledger: ack, Exchange: PurchaseCompletedEvent, RoutingKey: PurchaseCompletedEvent, Body: []byte("{}")}

	if err := HandleRetry(context.Background(), pub, d); err != nil {
		t.Fatalf("HandleRetry returned error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected a republish, got %d", len(pub.published))
	}
	if pub.published[0].Headers[retryHeader] != int64(1) {
		t.Fatalf("expected retry count 1, got %v", pub.published[0].Headers[retryHeader])
	}
	if !ack.acked || ack.nacked {
		t.Fatalf("original delivery should be acked after republish")
	}
}

func TestHandleRetryDeadLettersAtLimit(t *testing.T) {
	RetryDelay = time.Millisecond
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	d := &amqp.Delivery{Acknowledger: ack, Headers: amqp.Table{retryHeader: int64(MaxRetryCount - 1)}}

	if err := HandleRetry(context.Background(), pub, d); err != nil {
		t.Fatalf("HandleRetry returned error: %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("should not republish at retry limit")
	}
	if !ack.nacked || ack.requeue {
		t.Fatalf("expected nack without requeue so the DLX takes it")
	}
}

func TestHandleRetryRequeuesWhenPublishFails(t *testing.T) {
	RetryDelay = time.Millisecond
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{err: errors.New("channel closed")}
	d := &amqp.Delivery{Acknowledger: ack}

	if err := HandleRetry(context.Background(), pub, d); err != nil {
		t.Fatalf("HandleRetry returned error: %v", err)
	}
	if !ack.nacked || !ack.requeue {
		t.Fatalf("expected nack with requeue when republish fails")
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectTraceContext(ctx)
	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), headers))

	if extracted.TraceID() != traceID {
		t.Fatalf("trace id not propagated: got %s", extracted.TraceID())
	}
}

func TestHeaderCarrierReadsByteValues(t *testing.T) {
	c := HeaderCarrier(amqp.Table{
		"traceparent": []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"),
		"retry_count": int32(2),
	})
	if got := c.Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", got)
	}
	if got := c.Get("retry_count"); got != "" {
		t.Fatalf("non-string header should read as empty, got %q", got)
	}
	if ctx := ExtractTraceContext(context.Background(), nil); ctx != context.Background() {
		t.Fatalf("nil headers should return ctx unchanged")
	}
}
