package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
)

func TestFromStripe(t *testing.T) {
	periodStart := time.Now().Truncate(time.Second)
	periodEnd := periodStart.Add(30 * 24 * time.Hour)
	trialEnd := periodStart.Add(7 * 24 * time.Hour)

	sub := &stripe.Subscription{
		ID:                 "sub_123",
		Customer:           &stripe.Customer{ID: "cus_123"},
		Status:             stripe.SubscriptionStatusTrialing,
		CurrentPeriodStart: periodStart.Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
		TrialStart:         periodStart.Unix(),
		TrialEnd:           trialEnd.Unix(),
	}

	rec := FromStripe(sub, "profile-1", "recipetuner")

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "profile-1", rec.UserProfileID)
	assert.Equal(t, "sub_123", rec.StripeSubscriptionID)
	assert.Equal(t, "cus_123", rec.StripeCustomerID)
	assert.Equal(t, StatusTrialing, rec.Status)
	assert.Equal(t, "recipetuner", rec.AppTag)
	assert.True(t, rec.CurrentPeriodStart.Equal(periodStart))
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))
	require.NotNil(t, rec.TrialStart)
	require.NotNil(t, rec.TrialEnd)
	assert.True(t, rec.TrialEnd.Equal(trialEnd))
	assert.Nil(t, rec.CanceledAt)
}

func TestFromStripeWithoutTrial(t *testing.T) {
	sub := &stripe.Subscription{
		ID:                 "sub_456",
		Customer:           &stripe.Customer{ID: "cus_456"},
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: time.Now().Unix(),
		CurrentPeriodEnd:   time.Now().Add(30 * 24 * time.Hour).Unix(),
	}

	rec := FromStripe(sub, "profile-2", "recipetuner")

	assert.Equal(t, StatusActive, rec.Status)
	assert.Nil(t, rec.TrialStart)
	assert.Nil(t, rec.TrialEnd)
	assert.Nil(t, rec.CanceledAt)
}

func TestFirstPriceID(t *testing.T) {
	assert.Equal(t, "", FirstPriceID(&stripe.Subscription{}))
	assert.Equal(t, "", FirstPriceID(&stripe.Subscription{
		Items: &stripe.SubscriptionItemList{},
	}))
	assert.Equal(t, "price_1", FirstPriceID(&stripe.Subscription{
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{ID: "si_1", Price: &stripe.Price{ID: "price_1"}},
			},
		},
	}))
}

func TestPlanPriceID(t *testing.T) {
	plan := &Plan{
		StripePriceIDMonthly: "price_monthly",
		StripePriceIDYearly:  "price_yearly",
	}
	assert.Equal(t, "price_monthly", plan.PriceID(false))
	assert.Equal(t, "price_yearly", plan.PriceID(true))

	empty := &Plan{StripePriceIDMonthly: "price_monthly"}
	assert.Equal(t, "", empty.PriceID(true))
}
