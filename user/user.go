package user

import "time"

// UserProfile mirrors a row in the app's users table. Profiles are created by
// the mobile app through the datastore provider; this server only reads them.
type UserProfile struct {
	ID         string    `json:"id" gorm:"primaryKey"`                                 // App-side profile id, not the auth user id
	AuthUserID string    `json:"authUserId" gorm:"uniqueIndex:idx_users_auth_app"`     // Supabase auth.users id
	AppTag     string    `json:"appTag" gorm:"uniqueIndex:idx_users_auth_app;index"`   // Which app this profile belongs to
	Email      string    `json:"email" gorm:"index"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// StripeCustomer links a local profile to its Stripe Customer
type StripeCustomer struct {
	UserProfileID    string    `json:"userProfileId" gorm:"primaryKey"`
	StripeCustomerID string    `json:"stripeCustomerId" gorm:"uniqueIndex"`
	Email            string    `json:"email"`
	CreatedAt        time.Time `json:"createdAt"`
}
