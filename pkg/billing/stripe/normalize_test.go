package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func verified(t *testing.T, id, eventType string, object interface{}) *billing.VerifiedEvent {
	t.Helper()
	data, err := json.Marshal(object)
	require.NoError(t, err)
	return &billing.VerifiedEvent{
		ID:      id,
		Type:    eventType,
		Created: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:    data,
	}
}

func TestNormalize_CheckoutExpanded(t *testing.T) {
	ev := verified(t, "evt_1", "checkout.session.completed",
		expandedCheckoutObject(testSessionID, testUserID, testSubscriptionID, testPriceIDPro))

	got, enrich, err := normalize(ev)
	require.NoError(t, err)
	assert.False(t, enrich)

	cc, ok := got.(entitlement.CheckoutCompleted)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "evt_1", cc.EventID)
	assert.Equal(t, "webhook", cc.Source)
	assert.Equal(t, ev.Created, cc.OccurredAt)
	assert.Equal(t, testSessionID, cc.SessionID)
	assert.Equal(t, testUserID, cc.UserID)
	assert.Equal(t, testSubscriptionID, cc.SubscriptionID)
	assert.Equal(t, testCustomerID, cc.CustomerID)
	assert.Equal(t, testPriceIDPro, cc.PriceID)
	assert.Equal(t, entitlement.StatusActive, cc.Status)
	assert.True(t, testPeriodEnd.Equal(cc.PeriodEnd))
	assert.True(t, testPeriodStart.Equal(cc.PeriodStart))
}

func TestNormalize_CheckoutUnexpanded(t *testing.T) {
	obj := expandedCheckoutObject(testSessionID, testUserID, testSubscriptionID, testPriceIDPro)
	obj["subscription"] = testSubscriptionID
	obj["customer"] = map[string]interface{}{"id": testCustomerID, "object": "customer"}

	got, enrich, err := normalize(verified(t, "evt_1", "checkout.session.completed", obj))
	require.NoError(t, err)
	assert.True(t, enrich)

	cc := got.(entitlement.CheckoutCompleted)
	assert.Equal(t, testSubscriptionID, cc.SubscriptionID)
	assert.Equal(t, testCustomerID, cc.CustomerID)
	assert.Equal(t, entitlement.StatusActive, cc.Status)
	assert.Empty(t, cc.PriceID)
	assert.True(t, cc.PeriodEnd.IsZero())
}

func TestNormalize_CheckoutUserIDSources(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		want   string
	}{
		{"client reference", func(map[string]interface{}) {}, testUserID},
		{"session metadata", func(o map[string]interface{}) {
			delete(o, "client_reference_id")
			o["metadata"] = map[string]string{"user_id": testOtherUserID}
		}, testOtherUserID},
		{"subscription metadata", func(o map[string]interface{}) {
			delete(o, "client_reference_id")
		}, testUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := expandedCheckoutObject(testSessionID, testUserID, testSubscriptionID, testPriceIDPro)
			tt.mutate(obj)

			got, _, err := normalize(verified(t, "evt_1", "checkout.session.completed", obj))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.(entitlement.CheckoutCompleted).UserID)
		})
	}
}

func TestNormalize_CheckoutNoOps(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"unpaid async payment", func(o map[string]interface{}) { o["payment_status"] = "unpaid" }},
		{"open session", func(o map[string]interface{}) { o["status"] = "open" }},
		{"one-time payment", func(o map[string]interface{}) {
			o["mode"] = "payment"
			o["subscription"] = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := expandedCheckoutObject(testSessionID, testUserID, testSubscriptionID, testPriceIDPro)
			tt.mutate(obj)

			got, _, err := normalize(verified(t, "evt_1", "checkout.session.completed", obj))
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestNormalize_CheckoutWithoutUserOrSubscription(t *testing.T) {
	obj := expandedCheckoutObject(testSessionID, "", testSubscriptionID, testPriceIDPro)
	delete(obj, "client_reference_id")
	obj["subscription"] = nil

	_, _, err := normalize(verified(t, "evt_1", "checkout.session.completed", obj))
	assert.ErrorIs(t, err, entitlement.ErrValidation)
}

func TestNormalize_AsyncPaymentSucceeded(t *testing.T) {
	obj := expandedCheckoutObject(testSessionID, testUserID, testSubscriptionID, testPriceIDBasic)

	got, _, err := normalize(verified(t, "evt_async", "checkout.session.async_payment_succeeded", obj))
	require.NoError(t, err)
	assert.IsType(t, entitlement.CheckoutCompleted{}, got)
}

func TestNormalize_SubscriptionUpdated(t *testing.T) {
	obj := subscriptionObjectJSON(testSubscriptionID, testUserID, "past_due", testPriceIDBasic, testPeriodEnd)

	for _, eventType := range []string{"customer.subscription.created", "customer.subscription.updated"} {
		t.Run(eventType, func(t *testing.T) {
			got, enrich, err := normalize(verified(t, "evt_2", eventType, obj))
			require.NoError(t, err)
			assert.False(t, enrich)

			su, ok := got.(entitlement.SubscriptionUpdated)
			require.True(t, ok, "got %T", got)
			assert.Equal(t, testSubscriptionID, su.SubscriptionID)
			assert.Equal(t, testUserID, su.UserID)
			assert.Equal(t, testCustomerID, su.CustomerID)
			assert.Equal(t, testPriceIDBasic, su.PriceID)
			assert.Equal(t, entitlement.StatusPastDue, su.Status)
			assert.True(t, testPeriodEnd.Equal(su.PeriodEnd))
		})
	}
}

func TestNormalize_SubscriptionLevelPeriod(t *testing.T) {
	obj := map[string]interface{}{
		"id":                   testSubscriptionID,
		"status":               "trialing",
		"current_period_start": testPeriodStart.Unix(),
		"current_period_end":   testPeriodEnd.Unix(),
		"items":                map[string]interface{}{"data": []interface{}{}},
	}

	got, _, err := normalize(verified(t, "evt_3", "customer.subscription.updated", obj))
	require.NoError(t, err)
	su := got.(entitlement.SubscriptionUpdated)
	assert.Equal(t, entitlement.StatusTrialing, su.Status)
	assert.True(t, testPeriodStart.Equal(su.PeriodStart))
	assert.True(t, testPeriodEnd.Equal(su.PeriodEnd))
	assert.Empty(t, su.UserID)
}

func TestNormalize_SubscriptionDeleted(t *testing.T) {
	obj := subscriptionObjectJSON(testSubscriptionID, testUserID, "canceled", testPriceIDPro, testPeriodEnd)

	got, _, err := normalize(verified(t, "evt_4", "customer.subscription.deleted", obj))
	require.NoError(t, err)
	assert.Equal(t, entitlement.SubscriptionCanceled{
		Meta:           entitlement.Meta{EventID: "evt_4", Source: "webhook", OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		SubscriptionID: testSubscriptionID,
	}, got)
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		ev   *billing.VerifiedEvent
	}{
		{"nil event", nil},
		{"malformed object", &billing.VerifiedEvent{ID: "evt", Type: "customer.subscription.updated", Data: []byte(`{"id": 5}`)}},
		{"missing data", &billing.VerifiedEvent{ID: "evt", Type: "customer.subscription.deleted"}},
		{"missing subscription id", &billing.VerifiedEvent{ID: "evt", Type: "customer.subscription.updated", Data: []byte(`{"status":"active"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalizer{}.Normalize(tt.ev)
			assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
			assert.ErrorIs(t, err, entitlement.ErrValidation)
		})
	}
}

func TestNormalize_UnknownTypeIgnored(t *testing.T) {
	for _, eventType := range []string{"invoice.paid", "customer.created", ""} {
		got, err := Normalizer{}.Normalize(verified(t, "evt_x", eventType, map[string]string{"id": "x"}))
		assert.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[string]entitlement.Status{
		"active":             entitlement.StatusActive,
		"trialing":           entitlement.StatusTrialing,
		"past_due":           entitlement.StatusPastDue,
		"unpaid":             entitlement.StatusPastDue,
		"canceled":           entitlement.StatusCanceled,
		"incomplete":         entitlement.StatusInactive,
		"incomplete_expired": entitlement.StatusInactive,
		"paused":             entitlement.StatusInactive,
		"something_new":      entitlement.StatusInactive,
		"":                   entitlement.StatusInactive,
	}

	for in, want := range tests {
		assert.Equal(t, want, MapStatus(in), "status %q", in)
	}
}
