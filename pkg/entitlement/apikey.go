package entitlement

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	// APIKeyPrefix marks keys issued by this package.
	APIKeyPrefix = "ek_"

	apiKeyEntropyBytes = 32
)

// APIKeyLength is the fixed length of an issued key.
var APIKeyLength = len(APIKeyPrefix) + base64.RawURLEncoding.EncodedLen(apiKeyEntropyBytes)

// KeyIssuer generates API keys.
type KeyIssuer interface {
	Issue() (string, error)
}

// RandomKeyIssuer issues prefixed 256-bit keys from a CSPRNG.
type RandomKeyIssuer struct {
	// Reader defaults to crypto/rand.Reader.
	Reader io.Reader
}

// Issue returns a new key of the form "ek_" + base64url(32 random bytes).
func (r *RandomKeyIssuer) Issue() (string, error) {
	src := io.Reader(rand.Reader)
	if r != nil && r.Reader != nil {
		src = r.Reader
	}

	b := make([]byte, apiKeyEntropyBytes)
	if _, err := io.ReadFull(src, b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidKeyFormat reports whether key has the shape of an issued key.
// Used to reject garbage before touching the store.
func ValidKeyFormat(key string) bool {
	if len(key) != APIKeyLength || !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(key[len(APIKeyPrefix):])
	return err == nil
}
