package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/recipetuner/billing/auth"
	"github.com/recipetuner/billing/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testService wires a Service with inert managers. The requests under test are
// rejected at the boundary before any manager is consulted.
func testService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(ServiceOptions{
		SubscriptionManager: &Manager{},
		UserManager:         &user.Manager{},
		Logger:              zap.NewNop(),
		AppTag:              "recipetuner",
		TrialDays:           7,
	})
	require.NoError(t, err)
	return svc
}

func authedRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	claims := &auth.Claims{}
	claims.Subject = "auth-1"
	return req.WithContext(context.WithValue(req.Context(), auth.Context, claims))
}

func TestHandlersRejectForeignAppTag(t *testing.T) {
	svc := testService(t)

	cases := []struct {
		name string
		path string
		body string
	}{
		{
			"create subscription",
			"/create-subscription",
			`{"planId":"8a7f9a34-88cb-4a43-9596-f80c9d71cbc8","metadata":{"app_name":"calorie-snap"}}`,
		},
		{
			"cancel subscription",
			"/cancel-subscription",
			`{"subscriptionId":"sub_1","metadata":{"app_name":"calorie-snap"}}`,
		},
		{
			"update payment method",
			"/update-payment-method",
			`{"subscriptionId":"sub_1","paymentMethodId":"pm_1","metadata":{"app_name":"calorie-snap"}}`,
		},
		{
			"create payment intent",
			"/create-payment-intent",
			`{"amount":999,"metadata":{"app_name":"calorie-snap"}}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			svc.Router().ServeHTTP(rr, authedRequest(c.path, c.body))

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), "Invalid app_name in metadata")
		})
	}
}
