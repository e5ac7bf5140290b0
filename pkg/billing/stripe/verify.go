package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// SignatureHeader is the header Stripe signs webhook deliveries with.
const SignatureHeader = "Stripe-Signature"

// VerifySignature checks payload against the Stripe-Signature header using
// secret and returns the parsed event. The check runs over the exact raw
// bytes with Stripe's default five minute timestamp tolerance. An empty
// secret or header never verifies.
func VerifySignature(payload []byte, header, secret string) (*billing.VerifiedEvent, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrInvalidWebhookSignature)
	}
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("%w: missing %s header", billing.ErrInvalidWebhookSignature, SignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	out := &billing.VerifiedEvent{
		ID:       event.ID,
		Type:     string(event.Type),
		Created:  time.Unix(event.Created, 0).UTC(),
		Livemode: event.Livemode,
	}
	if event.Data != nil {
		out.Data = event.Data.Raw
	}
	return out, nil
}

// Verifier implements billing.Verifier with a fixed secret.
type Verifier struct {
	Secret string
}

// Verify implements billing.Verifier
func (v Verifier) Verify(payload []byte, signatureHeader string) (*billing.VerifiedEvent, error) {
	return VerifySignature(payload, signatureHeader, v.Secret)
}
