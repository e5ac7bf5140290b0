package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// EntitlementResponse is the user's current entitlement. The API key itself
// is never part of it.
type EntitlementResponse struct {
	UserID         string             `json:"user_id"`
	Status         entitlement.Status `json:"status"`
	Tier           string             `json:"tier,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	PeriodEnd      *time.Time         `json:"period_end,omitempty"`
	HasAPIKey      bool               `json:"has_api_key"`
	Access         bool               `json:"access"`
	AccessReason   string             `json:"access_reason"`
}

// ConfirmResponse answers a confirmed checkout session. APIKey is only set on
// the call that issued the key.
type ConfirmResponse struct {
	EntitlementResponse
	Outcome string `json:"outcome"`
	APIKey  string `json:"api_key,omitempty"`
}

// PendingResponse answers a session that is not paid yet (202)
type PendingResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"` // "pending"
}

// ConfirmRequest is the body of POST /billing/confirm
type ConfirmRequest struct {
	SessionID string `json:"session_id"`
}

// RotateResponse carries a freshly issued key. It is shown once.
type RotateResponse struct {
	APIKey string `json:"api_key"`
}

// CheckoutRequest is the body of POST /billing/checkout
type CheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutResponse returns the hosted checkout page
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}
