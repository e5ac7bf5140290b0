package memory

import (
	"context"
	"testing"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/storetest"
)

var (
	_ entitlement.Store          = (*Storage)(nil)
	_ entitlement.EventLedger    = (*Storage)(nil)
	_ entitlement.DefaultsSeeder = (*Storage)(nil)
)

func TestStorage_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return New()
	})
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.CreateUser(ctx, &entitlement.User{ID: "user1", Email: "a@example.com"}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	u, err := storage.GetUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	u.SubscriptionTier = "mutated"

	again, _ := storage.GetUser(ctx, "user1")
	if again.SubscriptionTier == "mutated" {
		t.Error("GetUser returned a shared pointer")
	}
}

func TestStorage_EmailCaseInsensitive(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "Alice@Example.com"}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	err := storage.CreateUser(ctx, &entitlement.User{ID: "u2", Email: "alice@example.com"})
	if err != entitlement.ErrEmailTaken {
		t.Errorf("Expected ErrEmailTaken, got %v", err)
	}
}

func TestStorage_SeedRequiresUser(t *testing.T) {
	storage := New()
	_, err := storage.SeedDefaults(context.Background(), "ghost", map[string]string{"a": "b"})
	if err != entitlement.ErrUserNotFound {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_SettingsKeepExisting(t *testing.T) {
	storage := New()
	ctx := context.Background()
	_ = storage.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "u1@example.com"})

	_, _ = storage.SeedDefaults(ctx, "u1", map[string]string{"theme": "light"})
	seeded, _ := storage.SeedDefaults(ctx, "u1", map[string]string{"theme": "dark", "lang": "en"})
	if !seeded {
		t.Error("expected new key to be seeded")
	}

	settings, _ := storage.Settings(ctx, "u1")
	if settings["theme"] != "light" || settings["lang"] != "en" {
		t.Errorf("unexpected settings %v", settings)
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()
	_ = storage.CreateUser(ctx, &entitlement.User{ID: "u1", Email: "u1@example.com"})

	storage.Clear()

	if _, err := storage.GetUser(ctx, "u1"); err != entitlement.ErrUserNotFound {
		t.Errorf("Expected ErrUserNotFound after Clear, got %v", err)
	}
}
