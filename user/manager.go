package user

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions contains the dependencies for the user Manager
type ManagerOptions struct {
	StripeClient *client.API
	DB           *gorm.DB
	Logger       *zap.Logger
	AppTag       string
}

// Manager handles profile lookups and the Stripe customer mirror
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for user profiles
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
	if len(option.AppTag) == 0 {
		return nil, fmt.Errorf("empty AppTag is invalid")
	}
	if err := option.DB.AutoMigrate(&UserProfile{}, &StripeCustomer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize user.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetByAuthID will try to return the profile for an auth user id within an app.
// Returns (nil, nil) when no profile exists.
func (m *Manager) GetByAuthID(ctx context.Context, authUserID, appTag string) (*UserProfile, error) {
	var profile UserProfile

	result := m.DB.WithContext(ctx).
		Where("auth_user_id = ?", authUserID).
		Where("app_tag = ?", appTag).
		First(&profile)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get profile by auth user id")
	}

	return &profile, nil
}

// GetOrCreateStripeCustomer resolves the Stripe customer for a profile. Lookup
// order: local mirror, then Stripe by email, then a fresh customer. The
// resolved id is persisted so subsequent calls stay in the database.
func (m *Manager) GetOrCreateStripeCustomer(ctx context.Context, profile *UserProfile) (*StripeCustomer, error) {
	if profile == nil {
		return nil, fmt.Errorf("nil profile is invalid")
	}

	var link StripeCustomer
	result := m.DB.WithContext(ctx).First(&link, "user_profile_id = ?", profile.ID)
	if result.Error == nil {
		return &link, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get stripe customer link")
	}

	customerID, err := m.findOrCreateOnStripe(ctx, profile)
	if err != nil {
		return nil, err
	}

	link = StripeCustomer{
		UserProfileID:    profile.ID,
		StripeCustomerID: customerID,
		Email:            profile.Email,
	}
	// A concurrent request may have linked the profile already
	result = m.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot persist stripe customer link")
	}

	return &link, nil
}

func (m *Manager) findOrCreateOnStripe(ctx context.Context, profile *UserProfile) (string, error) {
	listParams := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
	}
	listParams.Filters.AddFilter("email", "", profile.Email)
	listParams.Filters.AddFilter("limit", "", "1")

	iter := m.StripeClient.Customers.List(listParams)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if iter.Err() != nil {
		m.Logger.Error("Stripe returned error",
			zap.Error(iter.Err()),
		)
		return "", extErrors.Wrap(iter.Err(), "Cannot list customers on Stripe")
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"app_name": m.AppTag,
				"user_id":  profile.AuthUserID,
			},
		},
		Email: stripe.String(profile.Email),
	}
	c, err := m.StripeClient.Customers.New(params)
	if err != nil {
		m.Logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot create a new Customer")
	}
	return c.ID, nil
}
