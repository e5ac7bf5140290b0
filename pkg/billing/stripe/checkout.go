package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// CheckoutURL creates a subscription Checkout Session for req.UserID and
// returns its URL. The user id is written to the session's client reference,
// the session metadata and the subscription metadata, so every later event
// for the subscription can be attributed.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if p.stripeClient == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if err := validateCheckoutRequest(req); err != nil {
		return nil, err
	}

	startTime := time.Now()
	params := checkoutParams(req)

	var session *stripe.CheckoutSession
	err := p.breaker.Execute(ctx, func() error {
		var err error
		session, err = p.stripeClient.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	p.metrics.RecordAPICallDuration(providerName, endpointSessions, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpointSessions, "error")
		return nil, fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, endpointSessions, "success")
	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func validateCheckoutRequest(req billing.CheckoutRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is required", entitlement.ErrValidation)
	case strings.TrimSpace(req.PriceID) == "":
		return fmt.Errorf("%w: price id is required", entitlement.ErrValidation)
	case strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "":
		return fmt.Errorf("%w: success and cancel urls are required", entitlement.ErrValidation)
	}
	return nil
}

func checkoutParams(req billing.CheckoutRequest) *stripe.CheckoutSessionCreateParams {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
	}

	params.Metadata = map[string]string{metadataUserID: req.UserID}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, req.UserID)

	// Attach existing customer if known (avoids duplicates)
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	return params
}
