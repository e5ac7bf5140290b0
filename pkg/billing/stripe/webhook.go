package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const outcomeIgnored = "ignored"

type webhookReceipt struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id"`
	Outcome  string `json:"outcome"`
}

// handleWebhook verifies, normalizes and applies one Stripe delivery. The
// 200 receipt is only written after the entitlement write committed, so
// Stripe retries every failure.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.webhookSecret == "" {
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, internal.DefaultBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		p.logger.Warn("Stripe webhook signature rejected", entitlement.Field{Key: "error", Value: err})
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	eventType := event.Type
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	fail := func(err error) {
		code, msg, errType := webhookStatus(err)
		p.logger.Error("Stripe webhook processing failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, errType)
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		internal.WriteError(w, code, msg)
	}

	normalized, enrich, err := normalize(event)
	if err != nil {
		fail(err)
		return
	}

	if normalized == nil {
		p.logger.Debug("Stripe webhook ignored",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "type", Value: eventType},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, outcomeIgnored)
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		_ = internal.WriteJSON(w, http.StatusOK, webhookReceipt{Received: true, EventID: event.ID, Outcome: outcomeIgnored})
		return
	}

	// Checkout payloads carry only the subscription id; read the session so
	// the event matches what the confirmation path produces.
	if enrich {
		normalized, err = p.enrichCheckout(r, normalized.(entitlement.CheckoutCompleted))
		if err != nil {
			fail(err)
			return
		}
	}

	res, err := p.applier.Apply(r.Context(), normalized)
	if err != nil {
		fail(err)
		return
	}

	if res.Outcome == entitlement.OutcomeApplied {
		if res.PreviousTier != res.Tier {
			p.metrics.RecordTierChange(providerName, res.PreviousTier, res.Tier)
		}
		p.invokeCallback(r, event, res)
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, string(res.Outcome))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, webhookReceipt{
		Received: true,
		EventID:  event.ID,
		Outcome:  string(res.Outcome),
	})
}

func (p *Provider) enrichCheckout(r *http.Request, ev entitlement.CheckoutCompleted) (entitlement.Event, error) {
	resolved, err := p.resolver.Resolve(r.Context(), ev.SessionID)
	if err != nil {
		return nil, err
	}
	resolved.Meta = ev.Meta
	if resolved.UserID == "" {
		resolved.UserID = ev.UserID
	}
	return resolved, nil
}

func (p *Provider) invokeCallback(r *http.Request, event *billing.VerifiedEvent, res *entitlement.Result) {
	if p.callback == nil {
		return
	}
	if err := p.callback(r.Context(), billing.NewWebhookEvent(providerName, event, res)); err != nil {
		// The write is committed; a failing callback must not trigger a redelivery.
		p.logger.Warn("Webhook callback failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}

// webhookStatus maps a processing error to the response Stripe sees.
// 4xx answers are final for the event; 5xx answers are retried.
func webhookStatus(err error) (code int, msg, errType string) {
	switch {
	case errors.Is(err, entitlement.ErrAuthentication):
		return http.StatusBadRequest, "invalid signature", "auth_failed"
	case errors.Is(err, entitlement.ErrValidation):
		return http.StatusBadRequest, "invalid event", "invalid_payload"
	case errors.Is(err, entitlement.ErrNotFound):
		return http.StatusNotFound, "not found", "not_found"
	case errors.Is(err, entitlement.ErrConflict):
		return http.StatusConflict, "conflict", "conflict"
	case errors.Is(err, entitlement.ErrUpstream):
		return http.StatusServiceUnavailable, "billing provider unavailable", "upstream"
	default:
		return http.StatusInternalServerError, "processing failed", "processing_error"
	}
}
