package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// uniqueActiveIndex is the datastore-level backstop for the single active
// subscription invariant. The reconciler's defensive cleanup narrows the race
// window; this index closes it.
const uniqueActiveIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_user_active ON subscriptions (user_profile_id) WHERE status IN ('active', 'trialing')`

// ManagerOptions contains the dependencies for the subscription Manager
type ManagerOptions struct {
	StripeClient *client.API
	DB           *gorm.DB
	Logger       *zap.Logger
}

// Manager is the single mutation entry point for mirrored subscription rows,
// and wraps the Stripe subscription operations the handlers and the
// reconciler need.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &Plan{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	if err := option.DB.Exec(uniqueActiveIndex).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot ensure unique active subscription index")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// -----------------------------------------------
// Datastore operations
// -----------------------------------------------

// GetByStripeID will try to return the mirrored row for a Stripe subscription
// id. Returns (nil, nil) when no row exists.
func (m *Manager) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "stripe_subscription_id = ?", stripeSubscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by stripe id")
	}

	return &sub, nil
}

// ListConflicting returns the user's rows that count against the single
// active subscription invariant
func (m *Manager) ListConflicting(ctx context.Context, userProfileID string) ([]Subscription, error) {
	if len(userProfileID) == 0 {
		return nil, fmt.Errorf("userProfileID is required")
	}

	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("user_profile_id = ?", userProfileID).
		Where("status IN ?", []Status{StatusActive, StatusTrialing}).
		Order("created_at desc").
		Find(&results)

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list conflicting subscriptions")
	}
	return results, nil
}

// Upsert inserts the mirrored row, keyed by stripe_subscription_id. A
// redelivered creation event hits the conflict target and changes nothing.
// Returns whether a row was actually inserted.
func (m *Manager) Upsert(ctx context.Context, sub *Subscription) (bool, error) {
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_subscription_id"}},
		DoNothing: true,
	}).Create(sub)

	if result.Error != nil {
		m.Logger.Error("Unable to upsert subscription in database",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}
	return result.RowsAffected > 0, nil
}

// MarkCanceled soft-cancels a row by local id
func (m *Manager) MarkCanceled(ctx context.Context, id string) error {
	now := time.Now()
	result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusCanceled,
			"canceled_at": &now,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot mark subscription as canceled")
	}
	return nil
}

// CancelByStripeID soft-cancels the row for a Stripe subscription id
// regardless of its previous state. Returns whether a row was found.
func (m *Manager) CancelByStripeID(ctx context.Context, stripeSubscriptionID string) (bool, error) {
	now := time.Now()
	result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Updates(map[string]interface{}{
			"status":      StatusCanceled,
			"canceled_at": &now,
		})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot cancel subscription by stripe id")
	}
	return result.RowsAffected > 0, nil
}

// CancelConflicting soft-cancels every active/trialing row of a user except
// the one for excludeStripeID. The reconciler runs this right before inserting
// a fresh row so interleaved duplicate deliveries cannot leave two live rows
// behind; the exclusion keeps a redelivered creation event from canceling the
// row it mirrored itself.
func (m *Manager) CancelConflicting(ctx context.Context, userProfileID, excludeStripeID string) (int64, error) {
	now := time.Now()
	result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("user_profile_id = ?", userProfileID).
		Where("status IN ?", []Status{StatusActive, StatusTrialing}).
		Where("stripe_subscription_id <> ?", excludeStripeID).
		Updates(map[string]interface{}{
			"status":      StatusCanceled,
			"canceled_at": &now,
		})
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot cancel conflicting subscriptions")
	}
	return result.RowsAffected, nil
}

// UpdateFromStripe overwrites the mirrored fields of an existing row with the
// provider state. Returns false when no row exists yet (deliveries may arrive
// before the creation event was persisted; callers drop those). Canceled rows
// are terminal and are not resurrected.
func (m *Manager) UpdateFromStripe(ctx context.Context, sub *stripe.Subscription) (bool, error) {
	var rec Subscription
	result := m.DB.WithContext(ctx).First(&rec, "stripe_subscription_id = ?", sub.ID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot load subscription for update")
	}

	next := StatusFromStripe(sub.Status)
	if rec.Status != next && !rec.Status.CanTransition(next) {
		m.Logger.Warn("Ignoring status change on terminal subscription",
			zap.String("StripeSubscriptionID", sub.ID),
			zap.String("From", string(rec.Status)),
			zap.String("To", string(next)),
		)
		return true, nil
	}

	result = m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":               next,
			"current_period_start": time.Unix(sub.CurrentPeriodStart, 0),
			"current_period_end":   time.Unix(sub.CurrentPeriodEnd, 0),
			"trial_start":          unixPtr(sub.TrialStart),
			"trial_end":            unixPtr(sub.TrialEnd),
			"canceled_at":          unixPtr(sub.CanceledAt),
		})
	if result.Error != nil {
		return true, extErrors.Wrap(result.Error, "Cannot update subscription from stripe state")
	}
	return true, nil
}

// GetPlanByID will try to return a plan by its UUID. Returns (nil, nil) when
// no plan exists.
func (m *Manager) GetPlanByID(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	result := m.DB.WithContext(ctx).First(&plan, "id = ?", planID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}

	return &plan, nil
}

// -----------------------------------------------
// Stripe operations
// -----------------------------------------------

// CreateOptions describes a new Stripe subscription
type CreateOptions struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string // empty means trial-only, no payment collected
	TrialDays       int64
	Metadata        map[string]string
}

// CreateSubscription creates the subscription on Stripe with the payment
// intent of the latest invoice expanded, so callers can hand the client
// secret back to the app.
func (m *Manager) CreateSubscription(ctx context.Context, opt CreateOptions) (*stripe.Subscription, error) {
	if len(opt.CustomerID) == 0 {
		return nil, fmt.Errorf("CreateOptions.CustomerID is required")
	}
	if len(opt.PriceID) == 0 {
		return nil, fmt.Errorf("CreateOptions.PriceID is required")
	}

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Customer: stripe.String(opt.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(opt.PriceID),
			},
		},
	}
	if opt.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(opt.TrialDays)
	}
	if len(opt.PaymentMethodID) > 0 {
		params.DefaultPaymentMethod = stripe.String(opt.PaymentMethodID)
	}
	params.AddExpand("latest_invoice.payment_intent")
	params.AddExpand("pending_setup_intent")

	return m.StripeClient.Subscriptions.New(params)
}

// GetStripeSubscription fetches the subscription from Stripe
func (m *Manager) GetStripeSubscription(ctx context.Context, stripeSubscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return m.StripeClient.Subscriptions.Get(stripeSubscriptionID, params)
}

// CancelNow cancels the subscription on Stripe immediately. Trials are
// canceled with prorate=false since no payment was ever collected.
func (m *Manager) CancelNow(ctx context.Context, stripeSubscriptionID string, prorate bool) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Prorate: stripe.Bool(prorate),
	}
	sub, err := m.StripeClient.Subscriptions.Cancel(stripeSubscriptionID, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Unable to cancel subscription on Stripe")
	}
	return sub, nil
}

// MigratePrice moves an existing subscription's item to a new price with
// prorated billing, instead of stacking a second subscription on the user
func (m *Manager) MigratePrice(ctx context.Context, stripeSubscriptionID, newPriceID string, metadata map[string]string) (*stripe.Subscription, error) {
	if len(newPriceID) == 0 {
		return nil, fmt.Errorf("newPriceID is required")
	}

	current, err := m.GetStripeSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Unable to fetch subscription for migration")
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items to migrate", stripeSubscriptionID)
	}

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: metadata,
		},
		ProrationBehavior: stripe.String("create_prorations"),
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
	}
	updated, err := m.StripeClient.Subscriptions.Update(stripeSubscriptionID, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Unable to migrate subscription price on Stripe")
	}
	return updated, nil
}

// AttachPaymentMethod attaches a payment method to a customer and makes it
// their invoice default
func (m *Manager) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	if len(customerID) == 0 {
		return fmt.Errorf("customerID is required")
	}
	if len(paymentMethodID) == 0 {
		return fmt.Errorf("paymentMethodID is required")
	}

	params := &stripe.PaymentMethodAttachParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
	}
	pm, err := m.StripeClient.PaymentMethods.Attach(paymentMethodID, params)
	if err != nil {
		return err
	}

	customerParams := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(pm.ID),
		},
	}
	if _, err := m.StripeClient.Customers.Update(customerID, customerParams); err != nil {
		return err
	}

	return nil
}

// SetSubscriptionPaymentMethod updates the default payment method of a
// subscription, stamping audit metadata
func (m *Manager) SetSubscriptionPaymentMethod(ctx context.Context, stripeSubscriptionID, paymentMethodID string, metadata map[string]string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: metadata,
		},
		DefaultPaymentMethod: stripe.String(paymentMethodID),
	}
	sub, err := m.StripeClient.Subscriptions.Update(stripeSubscriptionID, params)
	if err != nil {
		return nil, extErrors.Wrap(err, "Unable to update payment method on Stripe")
	}
	return sub, nil
}

// PaymentIntentOptions describes a one-off payment intent
type PaymentIntentOptions struct {
	Amount     int64
	Currency   string
	CustomerID string
	Metadata   map[string]string
}

// CreatePaymentIntent creates a payment intent on Stripe
func (m *Manager) CreatePaymentIntent(ctx context.Context, opt PaymentIntentOptions) (*stripe.PaymentIntent, error) {
	if opt.Amount <= 0 {
		return nil, fmt.Errorf("PaymentIntentOptions.Amount must be positive")
	}
	if len(opt.Currency) == 0 {
		opt.Currency = "usd"
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Amount:   stripe.Int64(opt.Amount),
		Currency: stripe.String(opt.Currency),
	}
	if len(opt.CustomerID) > 0 {
		params.Customer = stripe.String(opt.CustomerID)
	}
	return m.StripeClient.PaymentIntents.New(params)
}
