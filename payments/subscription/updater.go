// Package subscription mirrors provider subscription status locally. Billing
// lifecycle stays with the provider.
package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/timour/course-checkout/payments/catalog"
	"github.com/timour/course-checkout/payments/processor"
)

const metadataBuyerID = "buyerId"

type Store interface {
	UpsertSubscription(ctx context.Context, sub *catalog.Subscription) error
}

type Updater struct {
	gateway processor.Gateway
	store   Store
	logger  *slog.Logger
}

func NewUpdater(gateway processor.Gateway, store Store, logger *slog.Logger) *Updater {
	return &Updater{gateway: gateway, store: store, logger: logger}
}

// SyncFromCheckout handles a completed subscription-mode checkout.
func (u *Updater) SyncFromCheckout(ctx context.Context, sessionID string) error {
	session, err := u.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve session %s: %w", sessionID, err)
	}
	if session.SubscriptionID == "" {
		return fmt.Errorf("session %s has no subscription", sessionID)
	}
	return u.sync(ctx, session.SubscriptionID, session.Metadata[metadataBuyerID])
}

// Sync re-reads a subscription from the provider and stores its status.
func (u *Updater) Sync(ctx context.Context, subscriptionID string) error {
	return u.sync(ctx, subscriptionID, "")
}

func (u *Updater) sync(ctx context.Context, subscriptionID, buyerID string) error {
	sub, err := u.gateway.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}
	if buyerID == "" {
		buyerID = sub.Metadata[metadataBuyerID]
	}

	err = u.store.UpsertSubscription(ctx, &catalog.Subscription{
		ExternalSubscriptionID: sub.ID,
		BuyerID:                buyerID,
		Status:                 sub.Status,
	})
	if err != nil {
		return fmt.Errorf("failed to store subscription %s: %w", sub.ID, err)
	}

	u.logger.Info("subscription status updated",
		slog.String("subscription_id", sub.ID),
		slog.String("buyer_id", buyerID),
		slog.String("status", sub.Status),
	)
	return nil
}
