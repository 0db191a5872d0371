package types

import (
	"strings"
	"time"
)

// Clock returns the current time. Components take a Clock so tests can
// substitute a fixed or advancing time source.
type Clock func() time.Time

// NowUTC truncates the clock reading to millisecond precision in UTC.
// All persisted timestamps go through this so that a metadata record
// survives a write/read round trip byte-identically.
func NowUTC(clock Clock) time.Time {
	return clock().UTC().Truncate(time.Millisecond)
}

// NormalizeDomain canonicalizes a domain identifier: surrounding
// whitespace is trimmed and the result is uppercased. Every ingress path
// normalizes before touching stores or caches, and normalization is
// idempotent.
func NormalizeDomain(domain string) string {
	return strings.ToUpper(strings.TrimSpace(domain))
}

// KeyMetadata is the per-kid metadata record. A record lives in exactly
// one of two partitions: origin (current or candidate signing key,
// ExpiresAt nil) or archive (retired key, ExpiresAt set).
type KeyMetadata struct {
	Kid       string     `json:"kid"`
	Domain    string     `json:"domain"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Expired reports whether an archived record has passed its removal time.
// Records without an expiry (origin partition) never expire.
func (m *KeyMetadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// RotationPolicy is the per-domain rotation record held by the policy
// store. ActiveKid always references a kid with a private key on disk and
// an origin metadata record; NextRotationAt is recomputed by the rotation
// engine only.
type RotationPolicy struct {
	Domain               string    `json:"domain"`
	ActiveKid            string    `json:"activeKid"`
	RotationIntervalDays int       `json:"rotationIntervalDays"`
	RotatedAt            time.Time `json:"rotatedAt"`
	NextRotationAt       time.Time `json:"nextRotationAt"`
	Enabled              bool      `json:"enabled"`
	Note                 string    `json:"note,omitempty"`
}

// Due reports whether the policy is eligible for rotation.
func (p *RotationPolicy) Due(now time.Time) bool {
	return p.Enabled && !p.NextRotationAt.After(now)
}

// Clone returns a copy so callers can mutate without racing cache readers.
func (p *RotationPolicy) Clone() *RotationPolicy {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
