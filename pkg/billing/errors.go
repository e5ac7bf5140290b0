package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = fmt.Errorf("%w: invalid webhook signature", entitlement.ErrAuthentication)

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = fmt.Errorf("%w: invalid webhook payload", entitlement.ErrValidation)

	// ErrSessionIncomplete is returned when a checkout session exists but is not paid yet
	ErrSessionIncomplete = fmt.Errorf("%w: checkout session not complete", entitlement.ErrNotFound)

	// ErrSessionNotFound is returned when the provider does not know the session
	ErrSessionNotFound = fmt.Errorf("%w: checkout session", entitlement.ErrNotFound)

	// ErrProviderAPIError is returned when the provider's API fails or times out
	ErrProviderAPIError = fmt.Errorf("%w: billing provider API error", entitlement.ErrUpstream)

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
