package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/storetest"
)

// setupTestStorage starts a miniredis server and a storage on top of it
func setupTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	config := DefaultConfig()
	config.MaxRetries = 10
	storage, err := New(client, config)
	require.NoError(t, err)
	return storage, mr
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	s, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "entitle:", s.config.KeyPrefix)
	assert.Equal(t, 3, s.config.MaxRetries)
	assert.Equal(t, 30*time.Second, s.config.LockTTL)
}

func TestStorage_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		s, _ := setupTestStorage(t)
		return s
	})
}

func TestStorage_EmailCaseInsensitive(t *testing.T) {
	s, _ := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "Alice@Example.com"}))
	err := s.CreateUser(ctx, &entitlement.User{ID: "u2", Email: "alice@example.com"})
	assert.ErrorIs(t, err, entitlement.ErrEmailTaken)

	err = s.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "bob@example.com"})
	assert.ErrorIs(t, err, entitlement.ErrUserExists)
}

func TestStorage_SeedRequiresUser(t *testing.T) {
	s, _ := setupTestStorage(t)

	_, err := s.SeedDefaults(context.Background(), "ghost", map[string]string{"theme": "light"})
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func TestStorage_LedgerTTL(t *testing.T) {
	s, mr := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "evt_1", time.Now()))
	seen, err := s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(s.config.LedgerTTL + time.Second)

	seen, err = s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStorage_LockReleasedAfterTx(t *testing.T) {
	s, mr := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx entitlement.Tx) error {
		require.NoError(t, tx.Lock(ctx, "sub:sub_1"))
		assert.True(t, mr.Exists(s.lockKey("sub:sub_1")))
		return nil
	}))
	assert.False(t, mr.Exists(s.lockKey("sub:sub_1")))
}

func TestStorage_LockWaitsForHolder(t *testing.T) {
	s, mr := setupTestStorage(t)
	require.NoError(t, mr.Set(s.lockKey("sub:sub_1"), "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.WithTx(ctx, func(tx entitlement.Tx) error {
		return tx.Lock(ctx, "sub:sub_1")
	})
	assert.Error(t, err)

	// Foreign lock is left alone
	got, err := mr.Get(s.lockKey("sub:sub_1"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestStorage_RetriesOnWatchConflict(t *testing.T) {
	s, _ := setupTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "u1@example.com"}))

	attempts := 0
	err := s.WithTx(ctx, func(tx entitlement.Tx) error {
		attempts++
		u, err := tx.GetUser(ctx, "u1")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Concurrent writer touches the watched key before EXEC
			raw, err := s.client.Get(ctx, s.userKey("u1")).Result()
			require.NoError(t, err)
			require.NoError(t, s.client.Set(ctx, s.userKey("u1"), raw, 0).Err())
		}
		u.SubscriptionTier = "pro"
		return tx.PutUser(ctx, u)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", u.SubscriptionTier)
}

func TestStorage_ReconcilerEndToEnd(t *testing.T) {
	s, _ := setupTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "u1@example.com"}))

	rec, err := entitlement.NewReconciler(s, entitlement.Config{
		Tiers:    entitlement.NewTierMapping(map[string]string{"price_pro": "pro"}),
		Ledger:   s,
		Seeder:   s,
		Defaults: map[string]string{"theme": "light"},
	})
	require.NoError(t, err)

	start := time.Now().UTC().Truncate(time.Second)
	_, err = rec.Apply(ctx, entitlement.CheckoutCompleted{
		Meta:           entitlement.Meta{EventID: "evt_1", Source: "webhook", OccurredAt: start},
		SessionID:      "cs_1",
		UserID:         "u1",
		SubscriptionID: "sub_1",
		PriceID:        "price_pro",
		Status:         entitlement.StatusActive,
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, u.SubscriptionStatus)
	require.True(t, u.HasAPIKey())

	key, err := rec.RotateAPIKey(ctx, "u1")
	require.NoError(t, err)
	_, err = s.GetUserByAPIKey(ctx, u.APIKey)
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
	byKey, err := s.GetUserByAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "u1", byKey.ID)

	settings, err := s.Settings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "light", settings["theme"])
}
