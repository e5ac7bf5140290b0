package entitlement

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRandomKeyIssuer_Issue(t *testing.T) {
	issuer := &RandomKeyIssuer{}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := issuer.Issue()
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if !strings.HasPrefix(key, APIKeyPrefix) {
			t.Fatalf("key %q missing prefix", key)
		}
		if len(key) != APIKeyLength {
			t.Fatalf("key length = %d, want %d", len(key), APIKeyLength)
		}
		if !ValidKeyFormat(key) {
			t.Fatalf("issued key %q fails format check", key)
		}
		if seen[key] {
			t.Fatalf("duplicate key %q", key)
		}
		seen[key] = true
	}
}

func TestRandomKeyIssuer_Deterministic(t *testing.T) {
	issuer := &RandomKeyIssuer{Reader: bytes.NewReader(make([]byte, 32))}

	key, err := issuer.Issue()
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	want := APIKeyPrefix + strings.Repeat("A", 43)
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestRandomKeyIssuer_ReaderError(t *testing.T) {
	issuer := &RandomKeyIssuer{Reader: failingReader{}}
	if _, err := issuer.Issue(); err == nil {
		t.Fatal("expected error from failing reader")
	}
}

func TestValidKeyFormat(t *testing.T) {
	good, _ := (&RandomKeyIssuer{}).Issue()

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"issued", good, true},
		{"empty", "", false},
		{"wrong prefix", "xx_" + good[3:], false},
		{"too short", good[:len(good)-1], false},
		{"bad alphabet", APIKeyPrefix + strings.Repeat("+", 43), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidKeyFormat(tt.key); got != tt.want {
				t.Errorf("ValidKeyFormat(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
