package subscription

import "github.com/stripe/stripe-go/v72"

// Status is the custom type to define the current state of a mirrored subscription
type Status string

// Defining the states a mirrored subscription can be in
const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
)

// Metadata keys this system stamps on Stripe objects
const (
	MetadataAppName = "app_name"
	MetadataUserID  = "user_id"
)

// Valid reports whether s is a state this system tracks
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusCanceled, StatusPastDue, StatusIncomplete:
		return true
	}
	return false
}

// Conflicting reports whether a subscription in this state counts against the
// single-active-subscription-per-user invariant
func (s Status) Conflicting() bool {
	return s == StatusTrialing || s == StatusActive
}

// CanTransition reports whether the provider-reported next state may be
// mirrored. The provider is the source of truth, so every transition between
// live states is allowed; canceled is terminal.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == StatusCanceled {
		return false
	}
	return true
}

// StatusFromStripe maps the provider's status onto the tracked states.
// incomplete_expired collapses into canceled, unpaid into past_due.
func StatusFromStripe(status stripe.SubscriptionStatus) Status {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusCanceled:
		return StatusCanceled
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return StatusPastDue
	case stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}
