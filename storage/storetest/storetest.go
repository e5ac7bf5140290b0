// Package storetest holds behaviour tests shared by every entitlement.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Backend is the full surface a storage adapter provides.
type Backend interface {
	entitlement.Store
	entitlement.EventLedger
	entitlement.DefaultsSeeder
}

// Run executes the suite. newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("CreateAndGetUser", func(t *testing.T) { testCreateAndGetUser(t, newBackend(t)) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, newBackend(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newBackend(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newBackend(t)) })
	t.Run("SubscriptionOwnership", func(t *testing.T) { testSubscriptionOwnership(t, newBackend(t)) })
	t.Run("PutUnknownUser", func(t *testing.T) { testPutUnknownUser(t, newBackend(t)) })
	t.Run("KeyReplacement", func(t *testing.T) { testKeyReplacement(t, newBackend(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newBackend(t)) })
	t.Run("SeedDefaults", func(t *testing.T) { testSeedDefaults(t, newBackend(t)) })
	t.Run("ConcurrentTx", func(t *testing.T) { testConcurrentTx(t, newBackend(t)) })
}

func createUser(t *testing.T, s entitlement.Store, id string) *entitlement.User {
	t.Helper()
	u := &entitlement.User{ID: id, Email: id + "@example.com"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func testCreateAndGetUser(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	createUser(t, s, "user_1")

	got, err := s.GetUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1@example.com", got.Email)
	assert.Equal(t, entitlement.StatusInactive, got.SubscriptionStatus)
	assert.Empty(t, got.APIKey)
	assert.Nil(t, got.SubscriptionPeriodEnd)

	_, err = s.GetSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)

	generated := &entitlement.User{Email: "generated@example.com"}
	require.NoError(t, s.CreateUser(ctx, generated))
	assert.NotEmpty(t, generated.ID)
}

func testDuplicateEmail(t *testing.T, s Backend) {
	createUser(t, s, "user_1")

	err := s.CreateUser(context.Background(), &entitlement.User{ID: "user_2", Email: "user_1@example.com"})
	assert.ErrorIs(t, err, entitlement.ErrConflict)
}

func testTxCommit(t *testing.T, s Backend) {
	ctx := context.Background()
	createUser(t, s, "user_1")

	periodEnd := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.WithTx(ctx, func(tx entitlement.Tx) error {
		require.NoError(t, tx.Lock(ctx, "sub:sub_1"))

		_, err := tx.GetSubscription(ctx, "sub_1")
		if !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			return err
		}
		if err := tx.PutSubscription(ctx, &entitlement.Subscription{
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			PriceID:            "price_1",
			Status:             entitlement.StatusActive,
			CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
			CurrentPeriodEnd:   periodEnd,
			UserID:             "user_1",
		}); err != nil {
			return err
		}

		u, err := tx.GetUser(ctx, "user_1")
		if err != nil {
			return err
		}
		u.SubscriptionStatus = entitlement.StatusActive
		u.SubscriptionTier = "pro"
		u.APIKey = "ek_commit"
		u.ProviderCustomerID = "cus_1"
		u.ProviderSubscriptionID = "sub_1"
		u.SubscriptionPeriodEnd = &periodEnd
		return tx.PutUser(ctx, u)
	})
	require.NoError(t, err)

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", sub.UserID)
	assert.Equal(t, entitlement.StatusActive, sub.Status)
	assert.True(t, periodEnd.Equal(sub.CurrentPeriodEnd))

	u, err := s.GetUserByAPIKey(ctx, "ek_commit")
	require.NoError(t, err)
	assert.Equal(t, "user_1", u.ID)
	assert.Equal(t, "pro", u.SubscriptionTier)
	assert.Equal(t, "sub_1", u.ProviderSubscriptionID)
	require.NotNil(t, u.SubscriptionPeriodEnd)
	assert.True(t, periodEnd.Equal(*u.SubscriptionPeriodEnd))
}

func testTxRollback(t *testing.T, s Backend) {
	ctx := context.Background()
	createUser(t, s, "user_1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx entitlement.Tx) error {
		if err := tx.PutSubscription(ctx, &entitlement.Subscription{
			ID: "sub_1", Status: entitlement.StatusActive, UserID: "user_1",
		}); err != nil {
			return err
		}
		u, err := tx.GetUser(ctx, "user_1")
		if err != nil {
			return err
		}
		u.APIKey = "ek_rollback"
		if err := tx.PutUser(ctx, u); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)

	_, err = s.GetUserByAPIKey(ctx, "ek_rollback")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	u, err := s.GetUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, u.APIKey)
}

func testSubscriptionOwnership(t *testing.T, s Backend) {
	ctx := context.Background()
	createUser(t, s, "user_a")
	createUser(t, s, "user_b")

	require.NoError(t, s.WithTx(ctx, func(tx entitlement.Tx) error {
		return tx.PutSubscription(ctx, &entitlement.Subscription{
			ID: "sub_1", Status: entitlement.StatusActive, UserID: "user_a",
		})
	}))

	err := s.WithTx(ctx, func(tx entitlement.Tx) error {
		return tx.PutSubscription(ctx, &entitlement.Subscription{
			ID: "sub_1", Status: entitlement.StatusCanceled, UserID: "user_b",
		})
	})
	assert.ErrorIs(t, err, entitlement.ErrConflict)

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user_a", sub.UserID)
	assert.Equal(t, entitlement.StatusActive, sub.Status)
}

func testPutUnknownUser(t *testing.T, s Backend) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx entitlement.Tx) error {
		return tx.PutUser(ctx, &entitlement.User{ID: "ghost", Email: "ghost@example.com"})
	})
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)

	_, err = s.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func testKeyReplacement(t *testing.T, s Backend) {
	ctx := context.Background()
	createUser(t, s, "user_1")

	setKey := func(key string) {
		require.NoError(t, s.WithTx(ctx, func(tx entitlement.Tx) error {
			u, err := tx.GetUser(ctx, "user_1")
			if err != nil {
				return err
			}
			u.APIKey = key
			return tx.PutUser(ctx, u)
		}))
	}

	setKey("ek_old")
	setKey("ek_new")

	_, err := s.GetUserByAPIKey(ctx, "ek_old")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	u, err := s.GetUserByAPIKey(ctx, "ek_new")
	require.NoError(t, err)
	assert.Equal(t, "user_1", u.ID)
}

func testLedger(t *testing.T, s Backend) {
	ctx := context.Background()

	seen, err := s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Record(ctx, "evt_1", time.Now()))
	require.NoError(t, s.Record(ctx, "evt_1", time.Now()))

	seen, err = s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.Seen(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func testSeedDefaults(t *testing.T, s Backend) {
	ctx := context.Background()
	createUser(t, s, "user_1")

	seeded, err := s.SeedDefaults(ctx, "user_1", map[string]string{"theme": "light", "widgets": "3"})
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = s.SeedDefaults(ctx, "user_1", map[string]string{"theme": "dark", "widgets": "5"})
	require.NoError(t, err)
	assert.False(t, seeded)
}

// testConcurrentTx checks that read-modify-write inside WithTx loses no updates.
func testConcurrentTx(t *testing.T, s Backend) {
	ctx := context.Background()
	createUser(t, s, "user_1")

	require.NoError(t, s.WithTx(ctx, func(tx entitlement.Tx) error {
		return tx.PutSubscription(ctx, &entitlement.Subscription{
			ID: "sub_counter", PriceID: "0", Status: entitlement.StatusActive, UserID: "user_1",
		})
	}))

	const workers = 8
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.WithTx(ctx, func(tx entitlement.Tx) error {
				if err := tx.Lock(ctx, "sub:sub_counter"); err != nil {
					return err
				}
				sub, err := tx.GetSubscription(ctx, "sub_counter")
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(sub.PriceID)
				if err != nil {
					return err
				}
				sub.PriceID = strconv.Itoa(n + 1)
				return tx.PutSubscription(ctx, sub)
			})
		})
	}
	require.NoError(t, g.Wait())

	sub, err := s.GetSubscription(ctx, "sub_counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers), sub.PriceID)
}
