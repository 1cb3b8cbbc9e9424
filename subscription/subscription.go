package subscription

import (
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/stripe/stripe-go/v72"
)

// Subscription mirrors one Stripe subscription into the local datastore.
// Rows are soft-canceled, never deleted, so billing history survives
// supersession.
type Subscription struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	UserProfileID        string     `json:"userProfileId" gorm:"index"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId" gorm:"uniqueIndex"`
	StripeCustomerID     string     `json:"stripeCustomerId" gorm:"index"`
	Status               Status     `json:"status" gorm:"index"`
	CurrentPeriodStart   time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time  `json:"currentPeriodEnd"`
	TrialStart           *time.Time `json:"trialStart"`
	TrialEnd             *time.Time `json:"trialEnd"`
	CanceledAt           *time.Time `json:"canceledAt"`
	AppTag               string     `json:"appTag" gorm:"index"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// FromStripe builds the mirrored row for a Stripe subscription
func FromStripe(sub *stripe.Subscription, userProfileID, appTag string) *Subscription {
	rec := &Subscription{
		ID:                   shortuuid.New(),
		UserProfileID:        userProfileID,
		StripeSubscriptionID: sub.ID,
		Status:               StatusFromStripe(sub.Status),
		CurrentPeriodStart:   time.Unix(sub.CurrentPeriodStart, 0),
		CurrentPeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0),
		TrialStart:           unixPtr(sub.TrialStart),
		TrialEnd:             unixPtr(sub.TrialEnd),
		CanceledAt:           unixPtr(sub.CanceledAt),
		AppTag:               appTag,
	}
	if sub.Customer != nil {
		rec.StripeCustomerID = sub.Customer.ID
	}
	return rec
}

// FirstPriceID returns the price id of the first subscription item, or ""
func FirstPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item.Price == nil {
		return ""
	}
	return item.Price.ID
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0)
	return &t
}
