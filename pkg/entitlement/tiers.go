package entitlement

import "strings"

const (
	// DefaultTier is assigned when a price id has no mapping.
	DefaultTier = "unrecognized"

	tierKeyWildcard = "*"
	tierKeyDefault  = "default"
)

// TierMapper maps provider price ids to tier names.
type TierMapper interface {
	TierFor(priceID string) string
}

// TierMapping is a static price id -> tier table.
// Reserved keys:
//   - "*" or "default": tier for unknown price ids (DefaultTier otherwise)
type TierMapping struct {
	tiers       map[string]string
	defaultTier string
}

// NewTierMapping builds a case-insensitive mapping from m.
func NewTierMapping(m map[string]string) *TierMapping {
	tiers := make(map[string]string, len(m))
	for k, v := range m {
		tiers[strings.ToLower(strings.TrimSpace(k))] = v
	}

	defaultTier := DefaultTier
	if t, ok := tiers[tierKeyWildcard]; ok && t != "" {
		defaultTier = t
	} else if t, ok := tiers[tierKeyDefault]; ok && t != "" {
		defaultTier = t
	}
	delete(tiers, tierKeyWildcard)
	delete(tiers, tierKeyDefault)

	return &TierMapping{tiers: tiers, defaultTier: defaultTier}
}

// TierFor returns the tier for priceID, or the default tier.
func (m *TierMapping) TierFor(priceID string) string {
	if m == nil {
		return DefaultTier
	}
	key := strings.ToLower(strings.TrimSpace(priceID))
	if key == "" {
		return m.defaultTier
	}
	if tier, ok := m.tiers[key]; ok {
		return tier
	}
	return m.defaultTier
}

// Known reports whether priceID has an explicit mapping.
func (m *TierMapping) Known(priceID string) bool {
	if m == nil {
		return false
	}
	_, ok := m.tiers[strings.ToLower(strings.TrimSpace(priceID))]
	return ok
}

// DefaultTier returns the tier used for unknown price ids.
func (m *TierMapping) DefaultTier() string {
	if m == nil {
		return DefaultTier
	}
	return m.defaultTier
}
