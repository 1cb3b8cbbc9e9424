package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recipetuner/billing/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

const testSecret = "whsec_test_secret"

type fakeLedger struct {
	seen      map[string]bool
	processed []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[string]bool)}
}

func (f *fakeLedger) FirstDelivery(ctx context.Context, event stripe.Event) (bool, error) {
	if f.seen[event.ID] {
		return false, nil
	}
	f.seen[event.ID] = true
	return true, nil
}

func (f *fakeLedger) MarkProcessed(ctx context.Context, stripeEventID string) error {
	f.processed = append(f.processed, stripeEventID)
	return nil
}

func testService(t *testing.T, store *fakeStore, ledger *fakeLedger) *Service {
	t.Helper()
	r := testReconciler(t, knownProfiles(), store, &fakeBilling{})
	svc, err := NewService(ServiceOptions{
		Reconciler:     r,
		Ledger:         ledger,
		Logger:         zap.NewNop(),
		EndpointSecret: testSecret,
	})
	require.NoError(t, err)
	return svc
}

// signHeader builds a Stripe-Signature header the way Stripe does: an HMAC of
// "<timestamp>.<payload>" with the endpoint secret
func signHeader(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventID, eventType, objectJSON string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":%s}}`, eventID, eventType, objectJSON))
}

func deliver(t *testing.T, svc *Service, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, req)
	return rr
}

func TestWebhookInvalidSignature(t *testing.T) {
	store := newFakeStore()
	store.seed(seedRow("sub_1", "profile-1", subscription.StatusActive))
	svc := testService(t, store, newFakeLedger())

	payload := eventPayload("evt_1", "customer.subscription.deleted",
		`{"id":"sub_1","status":"canceled","metadata":{"app_name":"recipetuner","user_id":"auth-1"}}`)

	rr := deliver(t, svc, payload, signHeader("whsec_wrong", payload, time.Now()))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	// no datastore mutation on rejected requests
	assert.Equal(t, subscription.StatusActive, store.rows["sub_1"].Status)
}

func TestWebhookMissingSignature(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store, newFakeLedger())

	payload := eventPayload("evt_1", "customer.subscription.created", `{"id":"sub_1"}`)

	rr := deliver(t, svc, payload, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, store.upsertCalls)
}

func TestWebhookDeletedCancelsSubscription(t *testing.T) {
	store := newFakeStore()
	store.seed(seedRow("sub_1", "profile-1", subscription.StatusActive))
	svc := testService(t, store, newFakeLedger())

	payload := eventPayload("evt_1", "customer.subscription.deleted",
		`{"id":"sub_1","status":"canceled","metadata":{"app_name":"recipetuner","user_id":"auth-1"}}`)

	rr := deliver(t, svc, payload, signHeader(testSecret, payload, time.Now()))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true}`, rr.Body.String())
	assert.Equal(t, subscription.StatusCanceled, store.rows["sub_1"].Status)
	assert.NotNil(t, store.rows["sub_1"].CanceledAt)
}

func TestWebhookCreatedMirrorsRow(t *testing.T) {
	store := newFakeStore()
	svc := testService(t, store, newFakeLedger())

	payload := eventPayload("evt_1", "customer.subscription.created",
		`{"id":"sub_1","status":"trialing","customer":{"id":"cus_1"},"metadata":{"app_name":"recipetuner","user_id":"auth-1"}}`)

	rr := deliver(t, svc, payload, signHeader(testSecret, payload, time.Now()))

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, store.rows, "sub_1")
	assert.Equal(t, subscription.StatusTrialing, store.rows["sub_1"].Status)
}

func TestWebhookDuplicateDeliverySkipped(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	svc := testService(t, store, ledger)

	payload := eventPayload("evt_1", "customer.subscription.created",
		`{"id":"sub_1","status":"trialing","metadata":{"app_name":"recipetuner","user_id":"auth-1"}}`)

	rr := deliver(t, svc, payload, signHeader(testSecret, payload, time.Now()))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = deliver(t, svc, payload, signHeader(testSecret, payload, time.Now()))
	assert.Equal(t, http.StatusOK, rr.Code)

	// the redelivery was acknowledged without reaching the reconciler
	assert.Equal(t, 1, store.upsertCalls)
	assert.Len(t, store.rows, 1)
}

func TestWebhookForeignAppEventIgnored(t *testing.T) {
	store := newFakeStore()
	store.seed(seedRow("sub_1", "profile-1", subscription.StatusActive))
	svc := testService(t, store, newFakeLedger())

	payload := eventPayload("evt_1", "customer.subscription.deleted",
		`{"id":"sub_1","status":"canceled","metadata":{"app_name":"calorie-snap","user_id":"auth-1"}}`)

	rr := deliver(t, svc, payload, signHeader(testSecret, payload, time.Now()))

	// acknowledged, but no mutation for another app's event
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, subscription.StatusActive, store.rows["sub_1"].Status)
}

func TestWebhookSecretNotConfigured(t *testing.T) {
	store := newFakeStore()
	r := testReconciler(t, knownProfiles(), store, &fakeBilling{})
	svc, err := NewService(ServiceOptions{
		Reconciler: r,
		Ledger:     newFakeLedger(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	payload := eventPayload("evt_1", "customer.subscription.created", `{"id":"sub_1"}`)
	rr := deliver(t, svc, payload, signHeader(testSecret, payload, time.Now()))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
