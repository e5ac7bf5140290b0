package stripe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestCheckoutParams_MetadataInjection(t *testing.T) {
	params := checkoutParams(billing.CheckoutRequest{
		UserID:     testUserID,
		PriceID:    testPriceIDPro,
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})

	require.NotNil(t, params.Mode)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *params.Mode)
	assert.Equal(t, testUserID, *params.ClientReferenceID)
	assert.Equal(t, testUserID, params.Metadata["user_id"])
	require.NotNil(t, params.SubscriptionData)
	assert.Equal(t, testUserID, params.SubscriptionData.Metadata["user_id"])
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, testPriceIDPro, *params.LineItems[0].Price)
	assert.Nil(t, params.Customer)
	assert.Nil(t, params.CustomerEmail)
}

func TestCheckoutParams_Customer(t *testing.T) {
	withCustomer := checkoutParams(billing.CheckoutRequest{
		UserID: testUserID, PriceID: testPriceIDPro, CustomerID: testCustomerID, Email: "user@example.com",
		SuccessURL: "https://example.com/ok", CancelURL: "https://example.com/cancel",
	})
	assert.Equal(t, testCustomerID, *withCustomer.Customer)
	assert.Nil(t, withCustomer.CustomerEmail)

	withEmail := checkoutParams(billing.CheckoutRequest{
		UserID: testUserID, PriceID: testPriceIDPro, Email: "user@example.com",
		SuccessURL: "https://example.com/ok", CancelURL: "https://example.com/cancel",
	})
	assert.Nil(t, withEmail.Customer)
	assert.Equal(t, "user@example.com", *withEmail.CustomerEmail)
}

func TestCheckoutURL_Validation(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.StripeAPIKey = testStripeAPIKey })

	tests := []struct {
		name string
		req  billing.CheckoutRequest
	}{
		{"missing user", billing.CheckoutRequest{PriceID: testPriceIDPro, SuccessURL: "s", CancelURL: "c"}},
		{"missing price", billing.CheckoutRequest{UserID: testUserID, SuccessURL: "s", CancelURL: "c"}},
		{"missing urls", billing.CheckoutRequest{UserID: testUserID, PriceID: testPriceIDPro}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.provider.CheckoutURL(context.Background(), tt.req)
			assert.ErrorIs(t, err, entitlement.ErrValidation)
		})
	}
}

func TestCheckoutURL_RequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.CheckoutURL(context.Background(), billing.CheckoutRequest{
		UserID: testUserID, PriceID: testPriceIDPro, SuccessURL: "s", CancelURL: "c",
	})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
