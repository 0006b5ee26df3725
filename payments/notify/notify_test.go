package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timour/course-checkout/common/broker"
	"github.com/timour/course-checkout/common/logger"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type acknowledger struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
	done    chan struct{}
}

func newAcknowledger() *acknowledger { return &acknowledger{done: make(chan struct{}, 10)} }

func (a *acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked++
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked++
	a.requeue = requeue
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	keys       []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 10)}
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func sampleNotification() Notification {
	return Notification{
		PurchaseID:   "p1",
		SessionID:    "cs_1",
		BuyerID:      "u1",
		Email:        "buyer@example.com",
		BuyerName:    "Ada",
		PurchaseType: "bundle",
		ItemID:       "b1",
		ItemName:     "Everything",
		PricePaid:    "80.00",
		Currency:     "usd",
		Courses:      []string{"Go", "Rust"},
	}
}

func TestRender(t *testing.T) {
	msg := Render(sampleNotification())
	if msg.To != "buyer@example.com" {
		t.Fatalf("unexpected recipient %q", msg.To)
	}
	for _, want := range []string{"Hi Ada", "Everything", "80.00 USD", "- Go", "- Rust", "p1"} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestDirectWrapsMailerError(t *testing.T) {
	boom := errors.New("smtp down")
	d := NewDirect(&recordingMailer{err: boom})
	if err := d.NotifyPurchase(context.Background(), sampleNotification()); !errors.Is(err, boom) {
		t.Fatalf("expected mailer error, got %v", err)
	}
}

func TestPublisherPublishesPersistentJSON(t *testing.T) {
	ch := newFakeChannel()
	p := NewPublisher(ch)
	if err := p.NotifyPurchase(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("NotifyPurchase returned error: %v", err)
	}
	if len(ch.published) != 1 || ch.keys[0] != broker.PurchaseCompletedEvent {
		t.Fatalf("expected one publish on %s, got %v", broker.PurchaseCompletedEvent, ch.keys)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery")
	}
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if n.PricePaid != "80.00" || n.ItemID != "b1" {
		t.Fatalf("unexpected body: %+v", n)
	}
}

func waitFor(t *testing.T, ack *acknowledger) {
	t.Helper()
	select {
	case <-ack.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery was not settled")
	}
}

func TestConsumerMailsAndAcks(t *testing.T) {
	ch := newFakeChannel()
	mailer := &recordingMailer{}
	c := NewConsumer(ch, mailer, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx)

	body, _ := json.Marshal(sampleNotification())
	ack := newAcknowledger()
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: body}
	waitFor(t, ack)

	if ack.acked != 1 {
		t.Fatalf("expected ack, got acked=%d nacked=%d", ack.acked, ack.nacked)
	}
	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	if len(mailer.sent) != 1 || mailer.sent[0].To != "buyer@example.com" {
		t.Fatalf("unexpected mail: %+v", mailer.sent)
	}
}

func TestConsumerDeadLettersMalformedBody(t *testing.T) {
	ch := newFakeChannel()
	c := NewConsumer(ch, &recordingMailer{}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx)

	ack := newAcknowledger()
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")}
	waitFor(t, ack)

	if ack.nacked != 1 || ack.requeue {
		t.Fatalf("expected nack without requeue")
	}
}

func TestConsumerRetriesFailedSend(t *testing.T) {
	broker.RetryDelay = time.Millisecond
	ch := newFakeChannel()
	c := NewConsumer(ch, &recordingMailer{err: errors.New("smtp down")}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx)

	body, _ := json.Marshal(sampleNotification())
	ack := newAcknowledger()
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: body, Exchange: broker.PurchaseCompletedEvent, RoutingKey: broker.PurchaseCompletedEvent}
	waitFor(t, ack)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.published) != 1 {
		t.Fatalf("expected the delivery to be republished for retry, got %d", len(ch.published))
	}
	if ack.acked != 1 {
		t.Fatalf("original delivery should be acked after republish")
	}
}
