package subscription

// Plan describes a purchasable subscription plan. Rows are maintained by the
// app's admin tooling; the server only resolves plan ids to Stripe prices.
type Plan struct {
	ID                   string `json:"id" gorm:"primaryKey"` // UUID, matches the plan ids the mobile app sends
	Name                 string `json:"name"`
	Description          string `json:"description"`
	StripePriceIDMonthly string `json:"stripePriceIdMonthly"`
	StripePriceIDYearly  string `json:"stripePriceIdYearly"`
	AppTag               string `json:"appTag" gorm:"index"`
	Active               bool   `json:"active"`
}

// PriceID returns the Stripe price for the requested billing frequency, or ""
// when the plan has no price configured for it
func (p *Plan) PriceID(yearly bool) string {
	if yearly {
		return p.StripePriceIDYearly
	}
	return p.StripePriceIDMonthly
}
