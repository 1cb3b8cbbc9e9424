package webhook

import "github.com/recipetuner/billing/subscription"

// EventMetadata is the typed view of the Stripe metadata this system stamps on
// its objects. Events from other apps sharing the Stripe account carry a
// different app name (or none) and are dropped at the boundary.
type EventMetadata struct {
	AppName    string
	AuthUserID string
}

func metadataFrom(md map[string]string) EventMetadata {
	return EventMetadata{
		AppName:    md[subscription.MetadataAppName],
		AuthUserID: md[subscription.MetadataUserID],
	}
}

// Matches reports whether the event belongs to this app
func (m EventMetadata) Matches(appTag string) bool {
	return m.AppName == appTag
}
