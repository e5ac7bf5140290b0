package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	sourceWebhook = "webhook"
	sourceConfirm = "confirm"

	metadataUserID = "user_id"

	paymentStatusPaid              = "paid"
	paymentStatusNoPaymentRequired = "no_payment_required"
	sessionStatusComplete          = "complete"
)

// errNoSubscription marks one-time payment sessions. The webhook path treats
// them as a no-op, the confirmation path as a validation error.
var errNoSubscription = fmt.Errorf("%w: checkout session has no subscription", entitlement.ErrValidation)

// expandableID accepts both forms Stripe uses for references:
// "cus_123" and {"id": "cus_123", ...}.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// subscriptionObject is the subset of a Stripe subscription the normalizer reads.
// Period bounds are read from the subscription and, for newer API versions,
// from its items.
type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

func (s *subscriptionObject) priceID() string {
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func (s *subscriptionObject) period() (start, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if endUnix == 0 {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodEnd != 0 {
				startUnix, endUnix = item.CurrentPeriodStart, item.CurrentPeriodEnd
				break
			}
		}
	}
	return unixTime(startUnix), unixTime(endUnix)
}

// subscriptionRef is a checkout session's subscription field. Object is nil
// when the webhook payload carries only the id.
type subscriptionRef struct {
	ID     string
	Object *subscriptionObject
}

func (r *subscriptionRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj subscriptionObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	r.Object = &obj
	return nil
}

// checkoutSession is the subset of a Stripe checkout session the normalizer reads.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandableID      `json:"customer"`
	Subscription      subscriptionRef   `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *checkoutSession) ready() bool {
	if s.Status != sessionStatusComplete {
		return false
	}
	return s.PaymentStatus == paymentStatusPaid || s.PaymentStatus == paymentStatusNoPaymentRequired
}

func (s *checkoutSession) userID() string {
	if id := strings.TrimSpace(s.ClientReferenceID); id != "" {
		return id
	}
	if id := strings.TrimSpace(s.Metadata[metadataUserID]); id != "" {
		return id
	}
	if s.Subscription.Object != nil {
		return strings.TrimSpace(s.Subscription.Object.Metadata[metadataUserID])
	}
	return ""
}

// checkoutCompleted builds the event both the webhook and the confirmation
// path produce for a session. Sessions that are not complete and paid return
// billing.ErrSessionIncomplete; sessions without a subscription return
// errNoSubscription.
func checkoutCompleted(meta entitlement.Meta, s *checkoutSession) (entitlement.CheckoutCompleted, error) {
	if !s.ready() {
		return entitlement.CheckoutCompleted{}, fmt.Errorf("%w: session %s is %s/%s",
			billing.ErrSessionIncomplete, s.ID, s.Status, s.PaymentStatus)
	}

	userID := s.userID()
	subID := strings.TrimSpace(s.Subscription.ID)
	if userID == "" && subID == "" {
		return entitlement.CheckoutCompleted{}, fmt.Errorf("%w: session %s has no user or subscription",
			billing.ErrInvalidWebhookPayload, s.ID)
	}
	if subID == "" {
		return entitlement.CheckoutCompleted{}, errNoSubscription
	}

	ev := entitlement.CheckoutCompleted{
		Meta:           meta,
		SessionID:      s.ID,
		UserID:         userID,
		SubscriptionID: subID,
		CustomerID:     string(s.Customer),
		// A paid checkout starts the subscription; the expanded object, when
		// present, carries the exact status.
		Status: entitlement.StatusActive,
	}

	if sub := s.Subscription.Object; sub != nil {
		ev.Status = MapStatus(sub.Status)
		ev.PriceID = sub.priceID()
		ev.PeriodStart, ev.PeriodEnd = sub.period()
		if ev.CustomerID == "" {
			ev.CustomerID = string(sub.Customer)
		}
	}
	return ev, nil
}

// MapStatus maps a Stripe subscription status onto the entitlement statuses.
func MapStatus(status string) entitlement.Status {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive:
		return entitlement.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return entitlement.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return entitlement.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return entitlement.StatusCanceled
	default:
		// incomplete, incomplete_expired, paused and anything new
		return entitlement.StatusInactive
	}
}

// Normalizer maps verified Stripe events onto entitlement events.
type Normalizer struct{}

// Normalize implements billing.Normalizer. Unknown event types, unpaid
// checkouts and one-time payments return (nil, nil).
func (Normalizer) Normalize(ev *billing.VerifiedEvent) (entitlement.Event, error) {
	e, _, err := normalize(ev)
	return e, err
}

// normalize also reports whether the event is a checkout whose subscription
// was not expanded and should be enriched through the session resolver.
func normalize(ev *billing.VerifiedEvent) (entitlement.Event, bool, error) {
	if ev == nil {
		return nil, false, fmt.Errorf("%w: nil event", billing.ErrInvalidWebhookPayload)
	}

	meta := entitlement.Meta{
		EventID:    ev.ID,
		Source:     sourceWebhook,
		OccurredAt: ev.Created,
	}

	switch stripe.EventType(ev.Type) {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session checkoutSession
		if err := decode(ev, &session); err != nil {
			return nil, false, err
		}
		out, err := checkoutCompleted(meta, &session)
		if err != nil {
			if isSkippable(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return out, session.Subscription.Object == nil, nil

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var sub subscriptionObject
		if err := decode(ev, &sub); err != nil {
			return nil, false, err
		}
		if sub.ID == "" {
			return nil, false, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
		}
		start, end := sub.period()
		return entitlement.SubscriptionUpdated{
			Meta:           meta,
			SubscriptionID: sub.ID,
			UserID:         strings.TrimSpace(sub.Metadata[metadataUserID]),
			CustomerID:     string(sub.Customer),
			PriceID:        sub.priceID(),
			Status:         MapStatus(sub.Status),
			PeriodStart:    start,
			PeriodEnd:      end,
		}, false, nil

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub subscriptionObject
		if err := decode(ev, &sub); err != nil {
			return nil, false, err
		}
		if sub.ID == "" {
			return nil, false, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
		}
		return entitlement.SubscriptionCanceled{Meta: meta, SubscriptionID: sub.ID}, false, nil

	default:
		return nil, false, nil
	}
}

func isSkippable(err error) bool {
	return errors.Is(err, billing.ErrSessionIncomplete) || errors.Is(err, errNoSubscription)
}

func decode(ev *billing.VerifiedEvent, v interface{}) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("%w: %s has no data object", billing.ErrInvalidWebhookPayload, ev.Type)
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", billing.ErrInvalidWebhookPayload, ev.Type, err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
