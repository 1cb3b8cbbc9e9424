package webhook

import (
	"context"
	"fmt"

	"github.com/recipetuner/billing/subscription"
	"github.com/recipetuner/billing/user"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// ProfileDirectory resolves billing events to local user profiles
type ProfileDirectory interface {
	GetByAuthID(ctx context.Context, authUserID, appTag string) (*user.UserProfile, error)
}

// SubscriptionStore is the mutation entry point for mirrored subscription rows
type SubscriptionStore interface {
	ListConflicting(ctx context.Context, userProfileID string) ([]subscription.Subscription, error)
	Upsert(ctx context.Context, sub *subscription.Subscription) (bool, error)
	MarkCanceled(ctx context.Context, id string) error
	CancelByStripeID(ctx context.Context, stripeSubscriptionID string) (bool, error)
	CancelConflicting(ctx context.Context, userProfileID, excludeStripeID string) (int64, error)
	UpdateFromStripe(ctx context.Context, sub *stripe.Subscription) (bool, error)
}

// BillingProvider is the slice of Stripe the reconciler needs when resolving
// subscription conflicts
type BillingProvider interface {
	CancelNow(ctx context.Context, stripeSubscriptionID string, prorate bool) (*stripe.Subscription, error)
	MigratePrice(ctx context.Context, stripeSubscriptionID, newPriceID string, metadata map[string]string) (*stripe.Subscription, error)
}

// ReconcilerOptions contains the dependencies for the Reconciler
type ReconcilerOptions struct {
	Profiles      ProfileDirectory
	Subscriptions SubscriptionStore
	Billing       BillingProvider
	Logger        *zap.Logger
	AppTag        string
}

// Reconciler applies billing events to the mirrored subscription state while
// keeping at most one active/trialing row per user. Errors are surfaced to
// the caller for logging; the webhook handler acknowledges receipt either way.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler returns a new Reconciler
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Profiles == nil {
		return nil, fmt.Errorf("nil Profiles is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Billing == nil {
		return nil, fmt.Errorf("nil Billing is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.AppTag) == 0 {
		return nil, fmt.Errorf("empty AppTag is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// HandleSubscriptionCreated mirrors a freshly created subscription. Existing
// trials are canceled without proration; an existing paid subscription is
// migrated to the new price instead of stacking a second one.
func (r *Reconciler) HandleSubscriptionCreated(ctx context.Context, sub *stripe.Subscription) error {
	meta := metadataFrom(sub.Metadata)
	if !meta.Matches(r.AppTag) {
		r.Logger.Debug("Ignoring subscription event from another app",
			zap.String("AppName", meta.AppName),
		)
		return nil
	}

	logger := r.Logger.With(zap.String("StripeSubscriptionID", sub.ID))

	if len(meta.AuthUserID) == 0 {
		logger.Error("Subscription event carries no user id in metadata")
		return nil
	}

	profile, err := r.Profiles.GetByAuthID(ctx, meta.AuthUserID, r.AppTag)
	if err != nil {
		return extErrors.Wrap(err, "Cannot resolve user profile")
	}
	if profile == nil {
		// dropped, not retried: the profile row should have existed before checkout
		logger.Error("No user profile for billing event",
			zap.String("AuthUserID", meta.AuthUserID),
		)
		return nil
	}

	existing, err := r.Subscriptions.ListConflicting(ctx, profile.ID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot list existing subscriptions")
	}

	newPriceID := subscription.FirstPriceID(sub)

	for _, old := range existing {
		if old.StripeSubscriptionID == sub.ID {
			// redelivery of the event that created this row
			continue
		}
		if old.Status == subscription.StatusActive && len(newPriceID) > 0 {
			// paid subscription: migrate the plan item with proration instead
			// of inserting a second row
			migrated, err := r.Billing.MigratePrice(ctx, old.StripeSubscriptionID, newPriceID, sub.Metadata)
			if err != nil {
				logger.Error("Unable to migrate existing subscription, canceling instead",
					zap.String("ExistingStripeSubscriptionID", old.StripeSubscriptionID),
					zap.Error(err),
				)
				r.cancelSuperseded(ctx, logger, old)
				continue
			}
			if _, err := r.Subscriptions.UpdateFromStripe(ctx, migrated); err != nil {
				logger.Error("Unable to mirror migrated subscription",
					zap.Error(err),
				)
			}
			logger.Info("Migrated existing subscription to new price",
				zap.String("ExistingStripeSubscriptionID", old.StripeSubscriptionID),
				zap.String("NewPriceID", newPriceID),
			)
			// the migrated subscription supersedes the new one; no insert
			return nil
		}
		// trial was never charged, cancel it outright
		r.cancelSuperseded(ctx, logger, old)
	}

	// defensive cleanup: concurrent deliveries may have inserted between the
	// list above and the upsert below. The event's own subscription is excluded
	// so a redelivery cannot cancel the row it mirrored.
	if _, err := r.Subscriptions.CancelConflicting(ctx, profile.ID, sub.ID); err != nil {
		logger.Warn("Unable to clean up stale subscriptions",
			zap.Error(err),
		)
	}

	created, err := r.Subscriptions.Upsert(ctx, subscription.FromStripe(sub, profile.ID, r.AppTag))
	if err != nil {
		return extErrors.Wrap(err, "Cannot mirror new subscription")
	}
	if !created {
		logger.Info("Subscription already mirrored, duplicate delivery")
		return nil
	}

	logger.Info("Subscription mirrored",
		zap.String("UserProfileID", profile.ID),
	)
	return nil
}

// HandleSubscriptionUpdated overwrites the mirrored fields with the provider
// state. An update arriving before the creation event was persisted is a
// known race and is dropped.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	meta := metadataFrom(sub.Metadata)
	if !meta.Matches(r.AppTag) {
		return nil
	}

	found, err := r.Subscriptions.UpdateFromStripe(ctx, sub)
	if err != nil {
		return extErrors.Wrap(err, "Cannot mirror subscription update")
	}
	if !found {
		r.Logger.Warn("Update for unknown subscription, creation may still be in flight",
			zap.String("StripeSubscriptionID", sub.ID),
		)
	}
	return nil
}

// HandleSubscriptionDeleted soft-cancels the mirrored row regardless of its
// previous state
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	meta := metadataFrom(sub.Metadata)
	if !meta.Matches(r.AppTag) {
		return nil
	}

	found, err := r.Subscriptions.CancelByStripeID(ctx, sub.ID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot mirror subscription deletion")
	}
	if !found {
		r.Logger.Warn("Deletion for unknown subscription",
			zap.String("StripeSubscriptionID", sub.ID),
		)
		return nil
	}

	r.Logger.Info("Subscription canceled",
		zap.String("StripeSubscriptionID", sub.ID),
	)
	return nil
}

// HandleInvoicePaymentSucceeded is reserved for payment history mirroring
func (r *Reconciler) HandleInvoicePaymentSucceeded(ctx context.Context, inv *stripe.Invoice) error {
	meta := metadataFrom(inv.Metadata)
	if !meta.Matches(r.AppTag) {
		return nil
	}
	// TODO: record the payment against the mirrored subscription
	r.Logger.Info("Invoice payment succeeded",
		zap.String("InvoiceID", inv.ID),
	)
	return nil
}

// HandleInvoicePaymentFailed is reserved for dunning state fan-out
func (r *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, inv *stripe.Invoice) error {
	meta := metadataFrom(inv.Metadata)
	if !meta.Matches(r.AppTag) {
		return nil
	}
	r.Logger.Info("Invoice payment failed",
		zap.String("InvoiceID", inv.ID),
	)
	return nil
}

// cancelSuperseded cancels an old subscription at the provider and locally.
// Provider failures are logged and the local row is soft-canceled anyway, so
// the invariant holds even when Stripe is briefly unreachable.
func (r *Reconciler) cancelSuperseded(ctx context.Context, logger *zap.Logger, old subscription.Subscription) {
	if _, err := r.Billing.CancelNow(ctx, old.StripeSubscriptionID, false); err != nil {
		logger.Error("Unable to cancel superseded subscription on Stripe",
			zap.String("ExistingStripeSubscriptionID", old.StripeSubscriptionID),
			zap.Error(err),
		)
	}
	if err := r.Subscriptions.MarkCanceled(ctx, old.ID); err != nil {
		logger.Error("Unable to mark superseded subscription canceled",
			zap.String("ExistingStripeSubscriptionID", old.StripeSubscriptionID),
			zap.Error(err),
		)
	}
}
