package external

import "github.com/stripe/stripe-go/v72/client"

// NewStripeClient returns an explicitly constructed Stripe client. Nothing in
// this codebase uses the package-level stripe.Key singleton.
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}
