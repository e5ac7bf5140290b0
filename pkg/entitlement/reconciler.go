package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultWriteTimeout = 10 * time.Second

	lockPrefixSubscription = "sub:"
	lockPrefixUser         = "user:"

	keyReasonActivation = "activation"
	keyReasonRotation   = "rotation"
)

// Config configures a Reconciler
type Config struct {
	// Tiers maps price ids to tiers (default: empty mapping, every price is DefaultTier)
	Tiers TierMapper

	// KeyIssuer generates API keys (default: RandomKeyIssuer)
	KeyIssuer KeyIssuer

	// Ledger skips events whose id was already processed (optional)
	Ledger EventLedger

	// Seeder creates per-user defaults on activation (optional)
	Seeder DefaultsSeeder

	// Defaults are the settings passed to Seeder
	Defaults map[string]string

	// WriteTimeout bounds a single transaction. The transaction ignores
	// cancellation of the caller's context. (default: 10 seconds)
	WriteTimeout time.Duration

	// Metrics is used for tracking reconciliation (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Reconciler is the single writer of entitlement state. Apply is safe for
// concurrent use; events for the same subscription are serialized.
type Reconciler struct {
	store  Store
	config Config
	locks  *keyLock
}

// NewReconciler creates a reconciler writing to store.
func NewReconciler(store Store, config Config) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("entitlement: store is required")
	}

	if config.Tiers == nil {
		config.Tiers = NewTierMapping(nil)
	}
	if config.KeyIssuer == nil {
		config.KeyIssuer = &RandomKeyIssuer{}
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Reconciler{
		store:  store,
		config: config,
		locks:  newKeyLock(),
	}, nil
}

// Apply folds e into the stored entitlement state. Applying the same event
// twice leaves the same state as applying it once.
//
// Errors wrap ErrValidation, ErrNotFound, ErrConflict or a store failure.
// Once the transaction has started it runs to completion even if ctx is
// cancelled; cancellation only skips defaults seeding.
func (r *Reconciler) Apply(ctx context.Context, e Event) (*Result, error) {
	start := time.Now()
	e = derefEvent(e)
	kind := Kind(e)

	res, err := r.apply(ctx, e)

	outcome := "error"
	if err == nil {
		outcome = string(res.Outcome)
	}
	r.config.Metrics.RecordApply(kind, outcome, time.Since(start))

	if err != nil {
		fields := []Field{
			{"kind", kind},
			{"subscription_id", subscriptionKey(e)},
			{"error", err},
		}
		switch {
		case errors.Is(err, ErrConflict):
			r.config.Metrics.RecordConflict(kind)
			r.config.Logger.Error("Entitlement conflict", fields...)
		case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
			r.config.Logger.Warn("Entitlement event rejected", fields...)
		default:
			r.config.Logger.Error("Entitlement apply failed", fields...)
		}
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, e Event) (*Result, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}

	meta := e.EventMeta()
	subID := e.SubscriptionKey()

	if r.config.Ledger != nil && meta.EventID != "" {
		seen, err := r.config.Ledger.Seen(ctx, meta.EventID)
		if err != nil {
			r.config.Logger.Warn("Event ledger lookup failed",
				Field{"event_id", meta.EventID}, Field{"error", err})
		} else if seen && !r.claimsOtherOwner(ctx, e) {
			r.config.Logger.Debug("Duplicate event skipped",
				Field{"event_id", meta.EventID}, Field{"subscription_id", subID})
			return &Result{Outcome: OutcomeDuplicate, SubscriptionID: subID}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := r.locks.Lock(ctx, lockPrefixSubscription+subID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	writeCtx, cancel := r.writeContext(ctx)
	defer cancel()

	var res *Result
	txStart := time.Now()
	err = r.store.WithTx(writeCtx, func(tx Tx) error {
		if err := tx.Lock(writeCtx, lockPrefixSubscription+subID); err != nil {
			return err
		}

		var txErr error
		switch ev := e.(type) {
		case CheckoutCompleted:
			res, txErr = r.applyState(writeCtx, tx, checkoutState(ev))
		case SubscriptionUpdated:
			res, txErr = r.applyState(writeCtx, tx, updatedState(ev))
		case SubscriptionCanceled:
			res, txErr = r.applyCancel(writeCtx, tx, ev)
		}
		return txErr
	})
	r.config.Metrics.RecordStorageOperation("apply_tx", time.Since(txStart), err)
	if err != nil {
		return nil, err
	}

	r.afterCommit(writeCtx, meta, res)

	if res.Outcome == OutcomeApplied && res.Status.IsActiveEquivalent() {
		res.DefaultsSeeded = r.seedDefaults(ctx, res.UserID)
	}

	return res, nil
}

// claimsOtherOwner reports whether e names a user other than the stored owner
// of its subscription. Such an event is not skipped on a ledger hit; the
// transaction rejects it. Lookup failures also defer to the transaction.
func (r *Reconciler) claimsOtherOwner(ctx context.Context, e Event) bool {
	var claimant string
	switch ev := e.(type) {
	case CheckoutCompleted:
		claimant = ev.UserID
	case SubscriptionUpdated:
		claimant = ev.UserID
	}
	if claimant == "" {
		return false
	}

	sub, err := r.store.GetSubscription(ctx, e.SubscriptionKey())
	if errors.Is(err, ErrSubscriptionNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return sub.UserID != "" && sub.UserID != claimant
}

func (r *Reconciler) afterCommit(ctx context.Context, meta Meta, res *Result) {
	if r.config.Ledger != nil && meta.EventID != "" {
		if err := r.config.Ledger.Record(ctx, meta.EventID, r.config.Now()); err != nil {
			r.config.Logger.Warn("Event ledger record failed",
				Field{"event_id", meta.EventID}, Field{"error", err})
		}
	}

	if res.Outcome != OutcomeApplied {
		r.config.Logger.Info("Stale event ignored",
			Field{"event_id", meta.EventID},
			Field{"subscription_id", res.SubscriptionID},
			Field{"stored_status", string(res.Status)},
		)
		return
	}

	if res.KeyIssued {
		r.config.Metrics.RecordKeyIssued(keyReasonActivation)
	}
	if res.UserMirrored && res.PreviousStatus != res.Status {
		r.config.Metrics.RecordStatusTransition(res.PreviousStatus, res.Status)
	}

	r.config.Logger.Info("Entitlement applied",
		Field{"event_id", meta.EventID},
		Field{"source", meta.Source},
		Field{"user_id", res.UserID},
		Field{"subscription_id", res.SubscriptionID},
		Field{"status", string(res.Status)},
		Field{"previous_status", string(res.PreviousStatus)},
		Field{"tier", res.Tier},
		Field{"key_issued", res.KeyIssued},
	)
}

// seedDefaults never fails Apply; errors are logged.
func (r *Reconciler) seedDefaults(ctx context.Context, userID string) bool {
	if r.config.Seeder == nil || len(r.config.Defaults) == 0 {
		return false
	}
	if ctx.Err() != nil {
		r.config.Logger.Debug("Defaults seeding skipped, request cancelled", Field{"user_id", userID})
		return false
	}

	seeded, err := r.config.Seeder.SeedDefaults(ctx, userID, r.config.Defaults)
	r.config.Metrics.RecordSeed(seeded, err)
	if err != nil {
		r.config.Logger.Warn("Defaults seeding failed", Field{"user_id", userID}, Field{"error", err})
		return false
	}
	return seeded
}

func (r *Reconciler) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.config.WriteTimeout)
}

// subscriptionState is the absolute state carried by a checkout or update event.
type subscriptionState struct {
	subscriptionID string
	userID         string
	customerID     string
	priceID        string
	status         Status
	periodStart    time.Time
	periodEnd      time.Time
}

func checkoutState(e CheckoutCompleted) subscriptionState {
	return subscriptionState{
		subscriptionID: e.SubscriptionID,
		userID:         e.UserID,
		customerID:     e.CustomerID,
		priceID:        e.PriceID,
		status:         e.Status,
		periodStart:    e.PeriodStart,
		periodEnd:      e.PeriodEnd,
	}
}

func updatedState(e SubscriptionUpdated) subscriptionState {
	return subscriptionState{
		subscriptionID: e.SubscriptionID,
		userID:         e.UserID,
		customerID:     e.CustomerID,
		priceID:        e.PriceID,
		status:         e.Status,
		periodStart:    e.PeriodStart,
		periodEnd:      e.PeriodEnd,
	}
}

func (r *Reconciler) applyState(ctx context.Context, tx Tx, st subscriptionState) (*Result, error) {
	existing, err := tx.GetSubscription(ctx, st.subscriptionID)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("failed to load subscription: %w", err)
		}
		existing = nil
	}

	owner := st.userID
	if existing != nil && existing.UserID != "" {
		if owner != "" && owner != existing.UserID {
			return nil, &OwnershipError{
				SubscriptionID: st.subscriptionID,
				Owner:          existing.UserID,
				Claimant:       owner,
			}
		}
		owner = existing.UserID
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: no owner known for subscription %s", ErrNotFound, st.subscriptionID)
	}

	user, err := tx.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	res := &Result{
		UserID:         owner,
		SubscriptionID: st.subscriptionID,
		PreviousStatus: user.SubscriptionStatus,
		PreviousTier:   user.SubscriptionTier,
	}

	if existing != nil && isStale(existing, st) {
		res.Outcome = OutcomeStale
		res.Status = existing.Status
		res.Tier = r.config.Tiers.TierFor(existing.PriceID)
		res.PeriodEnd = timePtr(existing.CurrentPeriodEnd)
		return res, nil
	}

	now := r.config.Now().UTC()
	sub := mergeSubscription(existing, st, owner, now)
	if err := tx.PutSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to write subscription: %w", err)
	}

	tier := r.config.Tiers.TierFor(sub.PriceID)
	res.Outcome = OutcomeApplied
	res.Status = sub.Status
	res.Tier = tier
	res.PeriodEnd = timePtr(sub.CurrentPeriodEnd)

	if shouldMirror(user, sub) {
		user.SubscriptionStatus = sub.Status
		user.SubscriptionTier = tier
		user.ProviderSubscriptionID = sub.ID
		if sub.CustomerID != "" {
			user.ProviderCustomerID = sub.CustomerID
		}
		user.SubscriptionPeriodEnd = timePtr(sub.CurrentPeriodEnd)
		res.UserMirrored = true
	}

	if sub.Status.IsActiveEquivalent() && !user.HasAPIKey() {
		key, err := r.config.KeyIssuer.Issue()
		if err != nil {
			return nil, err
		}
		user.APIKey = key
		res.KeyIssued = true
	}

	user.UpdatedAt = now
	if err := tx.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to write user: %w", err)
	}
	return res, nil
}

func (r *Reconciler) applyCancel(ctx context.Context, tx Tx, e SubscriptionCanceled) (*Result, error) {
	existing, err := tx.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return nil, err
	}

	user, err := tx.GetUser(ctx, existing.UserID)
	if err != nil {
		return nil, err
	}

	now := r.config.Now().UTC()
	sub := *existing
	sub.Status = StatusCanceled
	sub.UpdatedAt = now
	if err := tx.PutSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("failed to write subscription: %w", err)
	}

	res := &Result{
		Outcome:        OutcomeApplied,
		UserID:         user.ID,
		SubscriptionID: sub.ID,
		Status:         StatusCanceled,
		Tier:           user.SubscriptionTier,
		PreviousStatus: user.SubscriptionStatus,
		PreviousTier:   user.SubscriptionTier,
		PeriodEnd:      timePtr(sub.CurrentPeriodEnd),
	}

	// The key and tier survive cancellation.
	if user.ProviderSubscriptionID == sub.ID {
		user.SubscriptionStatus = StatusCanceled
		user.UpdatedAt = now
		if err := tx.PutUser(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to write user: %w", err)
		}
		res.UserMirrored = true
	}
	return res, nil
}

// isStale reports whether st is older than what is stored. A canceled
// subscription only comes back with a strictly newer period.
func isStale(existing *Subscription, st subscriptionState) bool {
	if !st.periodEnd.IsZero() && !existing.CurrentPeriodEnd.IsZero() {
		if st.periodEnd.Before(existing.CurrentPeriodEnd) {
			return true
		}
		if existing.Status == StatusCanceled && st.status != StatusCanceled {
			return !st.periodEnd.After(existing.CurrentPeriodEnd)
		}
		return false
	}
	return existing.Status == StatusCanceled && st.status != StatusCanceled
}

// mergeSubscription overlays st on existing. Empty fields keep stored values;
// the owner is only set on insert.
func mergeSubscription(existing *Subscription, st subscriptionState, owner string, now time.Time) *Subscription {
	sub := &Subscription{
		ID:        st.subscriptionID,
		UserID:    owner,
		CreatedAt: now,
	}
	if existing != nil {
		cp := *existing
		sub = &cp
		if sub.UserID == "" {
			sub.UserID = owner
		}
	}

	sub.Status = st.status
	if st.customerID != "" {
		sub.CustomerID = st.customerID
	}
	if st.priceID != "" {
		sub.PriceID = st.priceID
	}
	if !st.periodStart.IsZero() {
		sub.CurrentPeriodStart = st.periodStart.UTC()
	}
	if !st.periodEnd.IsZero() {
		sub.CurrentPeriodEnd = st.periodEnd.UTC()
	}
	sub.UpdatedAt = now
	return sub
}

// shouldMirror decides whether the user's fields follow sub. A user linked to
// another subscription only switches when sub grants access or the linked
// one no longer does.
func shouldMirror(user *User, sub *Subscription) bool {
	linked := user.ProviderSubscriptionID
	if linked == "" || linked == sub.ID {
		return true
	}
	if sub.Status.IsActiveEquivalent() {
		return true
	}
	return !user.SubscriptionStatus.IsActiveEquivalent()
}

// RotateAPIKey replaces the user's key and returns the new one. Users that
// were never issued a key get ErrKeyNotIssued.
func (r *Reconciler) RotateAPIKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrValidation)
	}

	unlock, err := r.locks.Lock(ctx, lockPrefixUser+userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	writeCtx, cancel := r.writeContext(ctx)
	defer cancel()

	var key string
	err = r.store.WithTx(writeCtx, func(tx Tx) error {
		if err := tx.Lock(writeCtx, lockPrefixUser+userID); err != nil {
			return err
		}
		user, err := tx.GetUser(writeCtx, userID)
		if err != nil {
			return err
		}
		if !user.HasAPIKey() {
			return ErrKeyNotIssued
		}

		key, err = r.config.KeyIssuer.Issue()
		if err != nil {
			return err
		}
		user.APIKey = key
		user.UpdatedAt = r.config.Now().UTC()
		return tx.PutUser(writeCtx, user)
	})
	if err != nil {
		r.config.Logger.Warn("API key rotation failed", Field{"user_id", userID}, Field{"error", err})
		return "", err
	}

	r.config.Metrics.RecordKeyIssued(keyReasonRotation)
	r.config.Logger.Info("API key rotated", Field{"user_id", userID})
	return key, nil
}

// Validate checks that e carries the fields Apply needs.
func Validate(e Event) error {
	e = derefEvent(e)
	switch ev := e.(type) {
	case nil:
		return fmt.Errorf("%w: nil event", ErrValidation)
	case CheckoutCompleted:
		if ev.SubscriptionID == "" && ev.UserID == "" {
			return fmt.Errorf("%w: checkout has neither user nor subscription id", ErrValidation)
		}
		if ev.SubscriptionID == "" {
			return fmt.Errorf("%w: checkout %s has no subscription", ErrValidation, ev.SessionID)
		}
		return validateState(ev.Status, ev.PeriodStart, ev.PeriodEnd)
	case SubscriptionUpdated:
		if ev.SubscriptionID == "" {
			return fmt.Errorf("%w: subscription id is required", ErrValidation)
		}
		return validateState(ev.Status, ev.PeriodStart, ev.PeriodEnd)
	case SubscriptionCanceled:
		if ev.SubscriptionID == "" {
			return fmt.Errorf("%w: subscription id is required", ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported event %T", ErrValidation, e)
	}
}

func validateState(status Status, start, end time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("%w: period ends before it starts", ErrValidation)
	}
	return nil
}

func derefEvent(e Event) Event {
	switch ev := e.(type) {
	case *CheckoutCompleted:
		if ev == nil {
			return nil
		}
		return *ev
	case *SubscriptionUpdated:
		if ev == nil {
			return nil
		}
		return *ev
	case *SubscriptionCanceled:
		if ev == nil {
			return nil
		}
		return *ev
	}
	return e
}

func subscriptionKey(e Event) string {
	if e == nil {
		return ""
	}
	return e.SubscriptionKey()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
