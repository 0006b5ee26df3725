package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Notification is the purchase confirmation payload. It travels as JSON on
// the purchase.completed queue.
type Notification struct {
	PurchaseID   string   `json:"purchaseId"`
	SessionID    string   `json:"sessionId"`
	BuyerID      string   `json:"buyerId"`
	Email        string   `json:"email"`
	BuyerName    string   `json:"buyerName,omitempty"`
	PurchaseType string   `json:"purchaseType"`
	ItemID       string   `json:"itemId"`
	ItemName     string   `json:"itemName"`
	PricePaid    string   `json:"pricePaid"`
	Currency     string   `json:"currency"`
	Courses      []string `json:"courses,omitempty"`
}

// Notifier sends purchase confirmations. Callers treat every error as
// non-fatal.
type Notifier interface {
	NotifyPurchase(ctx context.Context, n Notification) error
}

type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers a rendered message. Real delivery lives outside this service.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

func Render(n Notification) Message {
	var b strings.Builder
	greeting := n.BuyerName
	if greeting == "" {
		greeting = "there"
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", greeting)
	fmt.Fprintf(&b, "Thanks for your purchase of %s (%s %s).\n", n.ItemName, n.PricePaid, strings.ToUpper(n.Currency))
	if len(n.Courses) > 0 {
		b.WriteString("\nYou now have access to:\n")
		for _, c := range n.Courses {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nReference: %s\n", n.PurchaseID)

	return Message{
		To:      n.Email,
		Subject: "Your purchase: " + n.ItemName,
		Body:    b.String(),
	}
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("message has no recipient")
	}
	m.logger.InfoContext(ctx, "purchase confirmation",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// Direct renders and mails in the caller's goroutine. Used when no broker
// is configured.
type Direct struct {
	mailer Mailer
}

func NewDirect(mailer Mailer) *Direct {
	return &Direct{mailer: mailer}
}

func (d *Direct) NotifyPurchase(ctx context.Context, n Notification) error {
	if err := d.mailer.Send(ctx, Render(n)); err != nil {
		return fmt.Errorf("failed to send confirmation for purchase %s: %w", n.PurchaseID, err)
	}
	return nil
}
