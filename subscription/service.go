package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/recipetuner/billing/auth"
	resp "github.com/recipetuner/billing/response"
	"github.com/recipetuner/billing/user"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// placeholder payment methods the mobile app sends in test flows; these get a
// trial-only subscription with no payment method attached
var placeholderPaymentMethods = map[string]struct{}{
	"":             {},
	"test":         {},
	"pm_card_visa": {},
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	SubscriptionManager *Manager
	UserManager         *user.Manager
	Logger              *zap.Logger
	AppTag              string
	TrialDays           int64
}

// Service is the billing API router. Handlers perform one-shot provider
// calls; the mirrored rows are written by the webhook reconciler, not here.
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.AppTag) == 0 {
		return nil, fmt.Errorf("empty AppTag is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// RequestMetadata is the typed view of the metadata block every billing
// request carries
type RequestMetadata struct {
	AppName string `json:"app_name" validate:"required"`
}

// CreateSubscriptionRequest is the model of the create-subscription call
type CreateSubscriptionRequest struct {
	PlanID          string          `json:"planId" validate:"required"`
	IsYearly        bool            `json:"isYearly"`
	PaymentMethodID string          `json:"paymentMethodId"`
	Metadata        RequestMetadata `json:"metadata"`
}

// CreateSubscriptionResponse is returned to the app on success
type CreateSubscriptionResponse struct {
	Success          bool   `json:"success"`
	SubscriptionID   string `json:"subscription_id"`
	ClientSecret     string `json:"client_secret,omitempty"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	TrialEnd         int64  `json:"trial_end"`
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AuthUserID", claims.UserID()))

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if req.Metadata.AppName != s.AppTag {
		resp.WriteError(w, r, resp.ErrInvalidAppTag())
		return
	}
	if _, err := uuid.Parse(req.PlanID); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("planId must be a UUID"))
		return
	}

	profile, err := s.UserManager.GetByAuthID(ctx, claims.UserID(), s.AppTag)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resolve user profile"))
		return
	}
	if profile == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User profile not found"))
		return
	}

	cust, err := s.UserManager.GetOrCreateStripeCustomer(ctx, profile)
	if err != nil {
		logger.Error("Unable to resolve Stripe customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resolve billing customer"))
		return
	}

	plan, err := s.SubscriptionManager.GetPlanByID(ctx, req.PlanID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resolve plan"))
		return
	}
	if plan == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Plan not found"))
		return
	}
	priceID := plan.PriceID(req.IsYearly)
	if len(priceID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Plan has no price configured for the requested frequency"))
		return
	}

	paymentMethodID := req.PaymentMethodID
	if _, placeholder := placeholderPaymentMethods[paymentMethodID]; placeholder {
		// trial-only subscription, no payment collected
		paymentMethodID = ""
	} else {
		if err := s.SubscriptionManager.AttachPaymentMethod(ctx, cust.StripeCustomerID, paymentMethodID); err != nil {
			if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
				resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid payment method"))
				return
			}
			logger.Error("Unable to attach payment method",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to attach payment method"))
			return
		}
	}

	sub, err := s.SubscriptionManager.CreateSubscription(ctx, CreateOptions{
		CustomerID:      cust.StripeCustomerID,
		PriceID:         priceID,
		PaymentMethodID: paymentMethodID,
		TrialDays:       s.TrialDays,
		Metadata: map[string]string{
			MetadataAppName: s.AppTag,
			MetadataUserID:  claims.UserID(),
			"created_at":    time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeCard {
			resp.WriteError(w, r, resp.ErrCardDeclined(stripeErr.Msg))
			return
		}
		logger.Error("Unable to create subscription in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create subscription"))
		return
	}

	logger.Info("Subscription created",
		zap.String("StripeSubscriptionID", sub.ID),
		zap.String("Status", string(sub.Status)),
	)

	resp.WriteResponse(w, r, CreateSubscriptionResponse{
		Success:          true,
		SubscriptionID:   sub.ID,
		ClientSecret:     clientSecret(sub),
		Status:           string(sub.Status),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		TrialEnd:         sub.TrialEnd,
	})
}

// CancelSubscriptionRequest is the model of the cancel-subscription call
type CancelSubscriptionRequest struct {
	SubscriptionID string          `json:"subscriptionId" validate:"required"`
	Metadata       RequestMetadata `json:"metadata"`
}

// CancelSubscriptionResponse is returned to the app on success
type CancelSubscriptionResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
}

func (s *Service) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AuthUserID", claims.UserID()))

	var req CancelSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if req.Metadata.AppName != s.AppTag {
		resp.WriteError(w, r, resp.ErrInvalidAppTag())
		return
	}

	profile, err := s.UserManager.GetByAuthID(ctx, claims.UserID(), s.AppTag)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resolve user profile"))
		return
	}
	if profile == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User profile not found"))
		return
	}

	// ownership check against the mirrored row before touching Stripe
	rec, err := s.SubscriptionManager.GetByStripeID(ctx, req.SubscriptionID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to verify subscription"))
		return
	}
	if rec == nil || rec.UserProfileID != profile.ID {
		logger.Warn("Attempted to cancel a foreign subscription",
			zap.String("StripeSubscriptionID", req.SubscriptionID),
		)
		resp.WriteError(w, r, resp.ErrForbidden().AddMessages("Subscription does not belong to this user"))
		return
	}

	canceled, err := s.SubscriptionManager.CancelNow(ctx, req.SubscriptionID, false)
	if err != nil {
		logger.Error("Unable to cancel subscription in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to cancel subscription"))
		return
	}

	if err := s.SubscriptionManager.MarkCanceled(ctx, rec.ID); err != nil {
		// the deletion webhook will re-mirror the cancellation
		logger.Error("Unable to mark subscription canceled in database",
			zap.Error(err),
		)
	}

	resp.WriteResponse(w, r, CancelSubscriptionResponse{
		Success:        true,
		SubscriptionID: canceled.ID,
		Status:         string(canceled.Status),
	})
}

// UpdatePaymentMethodRequest is the model of the update-payment-method call
type UpdatePaymentMethodRequest struct {
	SubscriptionID  string          `json:"subscriptionId" validate:"required"`
	PaymentMethodID string          `json:"paymentMethodId" validate:"required"`
	Metadata        RequestMetadata `json:"metadata"`
}

// UpdatePaymentMethodResponse is returned to the app on success
type UpdatePaymentMethodResponse struct {
	Success         bool   `json:"success"`
	SubscriptionID  string `json:"subscription_id"`
	PaymentMethodID string `json:"payment_method_id"`
	Status          string `json:"status"`
}

func (s *Service) updatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(
		zap.String("AuthUserID", claims.UserID()),
	)

	var req UpdatePaymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if req.Metadata.AppName != s.AppTag {
		resp.WriteError(w, r, resp.ErrInvalidAppTag())
		return
	}

	sub, err := s.SubscriptionManager.GetStripeSubscription(ctx, req.SubscriptionID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Subscription not found"))
		return
	}

	if err := s.SubscriptionManager.AttachPaymentMethod(ctx, sub.Customer.ID, req.PaymentMethodID); err != nil {
		logger.Error("Unable to attach payment method",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to attach payment method"))
		return
	}

	if _, err := s.SubscriptionManager.SetSubscriptionPaymentMethod(ctx, req.SubscriptionID, req.PaymentMethodID, map[string]string{
		MetadataAppName:             s.AppTag,
		"payment_method_updated_by": claims.UserID(),
		"updated_at":                time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		logger.Error("Unable to update payment method in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to update payment method"))
		return
	}

	resp.WriteResponse(w, r, UpdatePaymentMethodResponse{
		Success:         true,
		SubscriptionID:  sub.ID,
		PaymentMethodID: req.PaymentMethodID,
		Status:          string(sub.Status),
	})
}

// CreatePaymentIntentRequest is the model of the create-payment-intent call
type CreatePaymentIntentRequest struct {
	Amount   int64           `json:"amount" validate:"required,gt=0"`
	Currency string          `json:"currency"`
	PlanID   string          `json:"plan_id"`
	PriceID  string          `json:"price_id"`
	Metadata RequestMetadata `json:"metadata"`
}

// CreatePaymentIntentResponse is returned to the app on success
type CreatePaymentIntentResponse struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

func (s *Service) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AuthUserID", claims.UserID()))

	var req CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if req.Metadata.AppName != s.AppTag {
		resp.WriteError(w, r, resp.ErrInvalidAppTag())
		return
	}

	profile, err := s.UserManager.GetByAuthID(ctx, claims.UserID(), s.AppTag)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resolve user profile"))
		return
	}
	if profile == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User profile not found"))
		return
	}

	cust, err := s.UserManager.GetOrCreateStripeCustomer(ctx, profile)
	if err != nil {
		logger.Error("Unable to resolve Stripe customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resolve billing customer"))
		return
	}

	pi, err := s.SubscriptionManager.CreatePaymentIntent(ctx, PaymentIntentOptions{
		Amount:     req.Amount,
		Currency:   req.Currency,
		CustomerID: cust.StripeCustomerID,
		Metadata: map[string]string{
			MetadataAppName: s.AppTag,
			MetadataUserID:  claims.UserID(),
			"plan_id":       req.PlanID,
			"price_id":      req.PriceID,
			"created_at":    time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeCard {
			resp.WriteError(w, r, resp.ErrCardDeclined(stripeErr.Msg))
			return
		}
		logger.Error("Unable to create payment intent in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create payment intent"))
		return
	}

	resp.WriteResponse(w, r, CreatePaymentIntentResponse{
		Success:         true,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Amount:          pi.Amount,
		Currency:        string(pi.Currency),
		Status:          string(pi.Status),
	})
}

func clientSecret(sub *stripe.Subscription) string {
	if sub.LatestInvoice == nil || sub.LatestInvoice.PaymentIntent == nil {
		return ""
	}
	return sub.LatestInvoice.PaymentIntent.ClientSecret
}

// Router will return the routes under the billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/create-subscription", s.createSubscription)
	r.Post("/cancel-subscription", s.cancelSubscription)
	r.Post("/update-payment-method", s.updatePaymentMethod)
	r.Post("/create-payment-intent", s.createPaymentIntent)

	return r
}
