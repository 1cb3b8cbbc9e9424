package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	resp "github.com/recipetuner/billing/response"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// maxBodyBytes caps the webhook payload size, per Stripe's recommendation
const maxBodyBytes = int64(65536)

// DeliveryLedger records deliveries for at-most-once processing
type DeliveryLedger interface {
	FirstDelivery(ctx context.Context, event stripe.Event) (bool, error)
	MarkProcessed(ctx context.Context, stripeEventID string) error
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Reconciler *Reconciler
	Ledger     DeliveryLedger
	Logger     *zap.Logger

	// EndpointSecret is the signing secret matching the Stripe key mode
	// (test keys pair with the test secret)
	EndpointSecret string
}

// Service is the webhook receiver. Once the signature verifies, the handler
// acknowledges with 200 no matter what reconciliation does: Stripe would
// retry on any other status, and redeliveries are already deduplicated.
type Service struct {
	ServiceOptions
}

// AckResponse is the body returned once an event is accepted
type AckResponse struct {
	Success bool `json:"success"`
}

// NewService will create an instance of the webhook router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if len(s.EndpointSecret) == 0 {
		s.Logger.Error("Webhook secret is not configured for this mode")
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Webhook secret not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read payload"))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.EndpointSecret)
	if err != nil {
		s.Logger.Warn("Webhook signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid webhook signature"))
		return
	}

	logger := s.Logger.With(
		zap.String("StripeEventID", event.ID),
		zap.String("EventType", event.Type),
	)

	first, err := s.Ledger.FirstDelivery(ctx, event)
	if err != nil {
		// process anyway, dedup is best effort
		logger.Warn("Unable to record delivery",
			zap.Error(err),
		)
	} else if !first {
		logger.Info("Duplicate delivery, skipping")
		resp.WriteResponse(w, r, AckResponse{Success: true})
		return
	}

	s.dispatch(ctx, logger, event)

	if err := s.Ledger.MarkProcessed(ctx, event.ID); err != nil {
		logger.Warn("Unable to mark event processed",
			zap.Error(err),
		)
	}

	resp.WriteResponse(w, r, AckResponse{Success: true})
}

// dispatch routes a verified event to the reconciler. Reconciliation failures
// are logged for manual follow-up, never propagated to the provider.
func (s *Service) dispatch(ctx context.Context, logger *zap.Logger, event stripe.Event) {
	switch event.Type {
	case "customer.subscription.created":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			logger.Error("Unable to decode subscription payload",
				zap.Error(err),
			)
			return
		}
		if err := s.Reconciler.HandleSubscriptionCreated(ctx, &sub); err != nil {
			logger.Error("Reconciliation failed",
				zap.Error(err),
			)
		}
	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			logger.Error("Unable to decode subscription payload",
				zap.Error(err),
			)
			return
		}
		if err := s.Reconciler.HandleSubscriptionUpdated(ctx, &sub); err != nil {
			logger.Error("Reconciliation failed",
				zap.Error(err),
			)
		}
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			logger.Error("Unable to decode subscription payload",
				zap.Error(err),
			)
			return
		}
		if err := s.Reconciler.HandleSubscriptionDeleted(ctx, &sub); err != nil {
			logger.Error("Reconciliation failed",
				zap.Error(err),
			)
		}
	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			logger.Error("Unable to decode invoice payload",
				zap.Error(err),
			)
			return
		}
		if err := s.Reconciler.HandleInvoicePaymentSucceeded(ctx, &inv); err != nil {
			logger.Error("Reconciliation failed",
				zap.Error(err),
			)
		}
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			logger.Error("Unable to decode invoice payload",
				zap.Error(err),
			)
			return
		}
		if err := s.Reconciler.HandleInvoicePaymentFailed(ctx, &inv); err != nil {
			logger.Error("Reconciliation failed",
				zap.Error(err),
			)
		}
	default:
		logger.Info("Unhandled event type")
	}
}

// Router will return the routes under the webhook receiver
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhooks", s.handleWebhook)

	return r
}
