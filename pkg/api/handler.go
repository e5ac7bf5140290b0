package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 16 * 1024
	statusPending  = "pending"
)

var (
	errUnauthenticated = fmt.Errorf("%w: user ID not found", entitlement.ErrAuthentication)
	errForeignSession  = errors.New("checkout session belongs to another user")
)

// Handler provides the billing HTTP endpoints
type Handler struct {
	config Config
	policy entitlement.AccessPolicy
}

// Routes mounts every endpoint on a chi router. The webhook route is
// unauthenticated; the others call Config.GetUserID.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhooks/"+h.config.Provider.Name(), h.config.Provider.WebhookHandler())
	r.Post("/billing/confirm", h.Confirm)
	r.Get("/billing/entitlement", h.GetEntitlement)
	r.Post("/billing/checkout", h.CreateCheckout)
	r.Post("/api-keys/rotate", h.RotateAPIKey)
	return r
}

// Confirm resolves a checkout session with the provider and applies it. It is
// the fallback for clients returning from checkout before the webhook arrived,
// and converges on the same state the webhook produces.
//
// The API key is included on the first confirmation of a session, whether
// this call or the webhook issued it. Repeated confirmations of the same
// session are ledger duplicates and omit it; use POST /api-keys/rotate to
// obtain a new key after that. Without an event ledger every confirmation
// includes the key.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sessionID, err := sessionIDFrom(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	ev, err := h.config.Provider.ResolveSession(ctx, sessionID)
	if errors.Is(err, billing.ErrSessionIncomplete) {
		writeJSON(w, http.StatusAccepted, PendingResponse{SessionID: sessionID, Status: statusPending})
		return
	}
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return
	}

	if ev.UserID != userID {
		h.config.Logger.Warn("Checkout session confirmed by another user",
			entitlement.Field{Key: "session_id", Value: sessionID},
			entitlement.Field{Key: "user_id", Value: userID},
		)
		h.handleError(w, r, errForeignSession, http.StatusForbidden)
		return
	}

	res, err := h.config.Reconciler.Apply(ctx, ev)
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return
	}

	user, err := h.config.Store.GetUser(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load user: %w", err), StatusFor(err))
		return
	}

	resp := ConfirmResponse{
		EntitlementResponse: h.entitlementView(user),
		Outcome:             string(res.Outcome),
	}
	if revealKey(res, user) {
		resp.APIKey = user.APIKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// revealKey reports whether a confirmation may carry the user's key: the key
// was just issued, or this is the first confirmation of the session behind
// the user's linked subscription.
func revealKey(res *entitlement.Result, user *entitlement.User) bool {
	if !user.HasAPIKey() {
		return false
	}
	if res.KeyIssued {
		return true
	}
	return res.Outcome != entitlement.OutcomeDuplicate && user.ProviderSubscriptionID == res.SubscriptionID
}

// GetEntitlement returns the caller's current entitlement
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	user, err := h.config.Store.GetUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, h.entitlementView(user))
}

// RotateAPIKey replaces the caller's key and returns the new one
func (h *Handler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	key, err := h.config.Reconciler.RotateAPIKey(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, RotateResponse{APIKey: key})
}

// CreateCheckout starts a hosted checkout for the caller
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	req.PriceID = strings.TrimSpace(req.PriceID)
	if req.PriceID == "" {
		h.handleError(w, r, fmt.Errorf("%w: price_id is required", entitlement.ErrValidation), http.StatusBadRequest)
		return
	}
	if h.config.Tiers != nil && !h.config.Tiers.Known(req.PriceID) {
		h.handleError(w, r, fmt.Errorf("%w: unknown price %s", entitlement.ErrValidation, req.PriceID), http.StatusBadRequest)
		return
	}

	user, err := h.config.Store.GetUser(ctx, userID)
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return
	}

	session, err := h.config.Provider.CheckoutURL(ctx, billing.CheckoutRequest{
		UserID:     user.ID,
		Email:      user.Email,
		CustomerID: user.ProviderCustomerID,
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err, StatusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{SessionID: session.ID, URL: session.URL})
}

func (h *Handler) entitlementView(u *entitlement.User) EntitlementResponse {
	access, reason := h.policy.Decide(u, time.Now())
	return EntitlementResponse{
		UserID:         u.ID,
		Status:         u.SubscriptionStatus,
		Tier:           u.SubscriptionTier,
		SubscriptionID: u.ProviderSubscriptionID,
		PeriodEnd:      u.SubscriptionPeriodEnd,
		HasAPIKey:      u.HasAPIKey(),
		Access:         access,
		AccessReason:   reason,
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthenticated, http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid user ID format", entitlement.ErrValidation), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// sessionIDFrom reads session_id from a JSON body, falling back to the query.
func sessionIDFrom(r *http.Request) (string, error) {
	var req ConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		return "", err
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if id == "" {
		return "", fmt.Errorf("%w: session_id is required", entitlement.ErrValidation)
	}
	return id, nil
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body", entitlement.ErrValidation)
	}
	return nil
}

// StatusFor maps an error to the HTTP status the billing API answers with.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, entitlement.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, entitlement.ErrAccessDenied):
		return http.StatusPaymentRequired
	case errors.Is(err, entitlement.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, entitlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entitlement.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, entitlement.ErrUpstream), errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("Billing API request failed",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "error", Value: err},
		)
	}

	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	msg := err.Error()
	if statusCode == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, statusCode, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started
		_ = err
	}
}
