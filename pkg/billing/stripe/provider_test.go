package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testOtherUserID         = "test-user-456"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testSessionID           = "cs_test_123"
	testPriceIDBasic        = "price_basic_monthly"
	testPriceIDPro          = "price_pro_monthly"
	testTierBasic           = "basic"
	testTierPro             = "pro"
)

var (
	testPeriodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

// fakeFetcher serves checkout sessions from memory.
type fakeFetcher struct {
	mu       sync.Mutex
	sessions map[string]*stripe.CheckoutSession
	err      error
	delay    time.Duration
	block    chan struct{}
	calls    atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{sessions: make(map[string]*stripe.CheckoutSession)}
}

func (f *fakeFetcher) put(s *stripe.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeFetcher) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "No such checkout.session"}
	}
	return s, nil
}

func paidSession(sessionID, userID, subID, priceID string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:                sessionID,
		Mode:              stripe.CheckoutSessionModeSubscription,
		Status:            stripe.CheckoutSessionStatusComplete,
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
		ClientReferenceID: userID,
		Customer:          &stripe.Customer{ID: testCustomerID},
		Subscription: &stripe.Subscription{
			ID:       subID,
			Status:   stripe.SubscriptionStatusActive,
			Customer: &stripe.Customer{ID: testCustomerID},
			Metadata: map[string]string{"user_id": userID},
			Items: &stripe.SubscriptionItemList{
				Data: []*stripe.SubscriptionItem{{
					Price:              &stripe.Price{ID: priceID},
					CurrentPeriodStart: testPeriodStart.Unix(),
					CurrentPeriodEnd:   testPeriodEnd.Unix(),
				}},
			},
		},
	}
}

// testEnv wires a provider to a real reconciler over memory storage.
type testEnv struct {
	store      *memory.Storage
	reconciler *entitlement.Reconciler
	fetcher    *fakeFetcher
	provider   *Provider
	handler    http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &entitlement.User{ID: testUserID, Email: "user@example.com"}))
	require.NoError(t, store.CreateUser(ctx, &entitlement.User{ID: testOtherUserID, Email: "other@example.com"}))

	rec, err := entitlement.NewReconciler(store, entitlement.Config{
		Tiers: entitlement.NewTierMapping(map[string]string{
			testPriceIDBasic: testTierBasic,
			testPriceIDPro:   testTierPro,
		}),
		Ledger: store,
	})
	require.NoError(t, err)

	fetcher := newFakeFetcher()
	config := Config{
		Config: billing.Config{
			Reconciler: rec,
		},
		StripeWebhookSecret: testStripeWebhookSecret,
		Fetcher:             fetcher,
	}
	for _, m := range mutate {
		m(&config)
	}

	provider, err := NewProvider(config)
	require.NoError(t, err)

	return &testEnv{
		store:      store,
		reconciler: rec,
		fetcher:    fetcher,
		provider:   provider,
		handler:    provider.WebhookHandler(),
	}
}

func (e *testEnv) deliver(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func eventJSON(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"livemode":    false,
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func signedWebhookRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set(SignatureHeader, signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func expandedCheckoutObject(sessionID, userID, subID, priceID string) map[string]interface{} {
	return map[string]interface{}{
		"id":                  sessionID,
		"object":              "checkout.session",
		"mode":                "subscription",
		"status":              "complete",
		"payment_status":      "paid",
		"client_reference_id": userID,
		"customer":            testCustomerID,
		"subscription":        subscriptionObjectJSON(subID, userID, "active", priceID, testPeriodEnd),
	}
}

func subscriptionObjectJSON(subID, userID, status, priceID string, periodEnd time.Time) map[string]interface{} {
	metadata := map[string]string{}
	if userID != "" {
		metadata["user_id"] = userID
	}
	return map[string]interface{}{
		"id":       subID,
		"object":   "subscription",
		"customer": testCustomerID,
		"status":   status,
		"metadata": metadata,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"price":                map[string]interface{}{"id": priceID},
				"current_period_start": periodEnd.AddDate(0, -1, 0).Unix(),
				"current_period_end":   periodEnd.Unix(),
			}},
		},
	}
}

func TestProvider_Name(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "stripe", env.provider.Name())
}

func TestProvider_NewProvider_InvalidConfig(t *testing.T) {
	rec, err := entitlement.NewReconciler(memory.New(), entitlement.Config{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		config Config
	}{
		{"missing reconciler", Config{StripeAPIKey: testStripeAPIKey}},
		{"missing api key and fetcher", Config{Config: billing.Config{Reconciler: rec}}},
		{"blank api key", Config{Config: billing.Config{Reconciler: rec}, StripeAPIKey: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.config)
			assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
		})
	}
}

func TestProvider_NewProvider_FallbackKeys(t *testing.T) {
	rec, err := entitlement.NewReconciler(memory.New(), entitlement.Config{})
	require.NoError(t, err)

	p, err := NewProvider(Config{Config: billing.Config{
		Reconciler:    rec,
		APIKey:        testStripeAPIKey,
		WebhookSecret: testStripeWebhookSecret,
	}})
	require.NoError(t, err)
	assert.NotNil(t, p.stripeClient)
	assert.Equal(t, testStripeWebhookSecret, p.webhookSecret)
}

func TestProvider_ResolveSession(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.put(paidSession(testSessionID, testUserID, testSubscriptionID, testPriceIDPro))

	ev, err := env.provider.ResolveSession(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Equal(t, testUserID, ev.UserID)
	assert.Equal(t, testSubscriptionID, ev.SubscriptionID)
	assert.Equal(t, entitlement.StatusActive, ev.Status)
	assert.Equal(t, "confirm", ev.Source)

	_, err = env.provider.ResolveSession(context.Background(), "cs_missing")
	assert.True(t, errors.Is(err, entitlement.ErrNotFound))
}

func TestProvider_WebhookRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimitRequests = 1
		c.RateLimitWindow = time.Minute
	})

	payload := eventJSON(t, "evt_rl", "customer.created", map[string]interface{}{"id": "cus_1"})
	first := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	assert.Equal(t, http.StatusOK, first.Code)

	second := env.deliver(t, signedWebhookRequest(t, testStripeWebhookSecret, payload))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
