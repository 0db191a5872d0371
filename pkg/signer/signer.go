package signer

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/cache"
	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/keys"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/types"
)

// KeyLoader loads private key PEMs.
type KeyLoader interface {
	LoadPrivateKey(domain, kid string) ([]byte, error)
}

// ActiveKidSource resolves a domain to its active signing kid.
type ActiveKidSource interface {
	Get(ctx context.Context, domain string) (string, error)
}

// Signer issues RS256 tokens under a domain's active key. Parsed private
// keys are cached per kid; the rotation engine invalidates retired kids
// so a flip is visible on the next Sign call.
type Signer struct {
	keys     KeyLoader
	registry ActiveKidSource
	parsed   *cache.LRU[string, *rsa.PrivateKey]
	clock    types.Clock
	logger   zerolog.Logger
}

// Option customizes a Signer.
type Option func(*Signer)

// WithClock substitutes the time source.
func WithClock(clock types.Clock) Option {
	return func(s *Signer) { s.clock = clock }
}

// New creates a signer with a parsed-key cache of the given size.
func New(kl KeyLoader, registry ActiveKidSource, cacheSize int, opts ...Option) (*Signer, error) {
	parsed, err := cache.NewLRU[string, *rsa.PrivateKey](cacheSize)
	if err != nil {
		return nil, err
	}
	s := &Signer{
		keys:     kl,
		registry: registry,
		parsed:   parsed,
		clock:    time.Now,
		logger:   log.WithComponent("signer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Invalidate drops a kid from the parsed-key cache.
func (s *Signer) Invalidate(kid string) {
	s.parsed.Remove(kid)
}

// Sign issues a token over claims under domain's active key and returns
// the compact serialization plus the kid placed in the header. Missing
// iat defaults to now; missing exp defaults to iat plus the standard
// token TTL. A token may never outlive the public key that verifies it.
func (s *Signer) Sign(ctx context.Context, domain string, claims map[string]any) (string, string, error) {
	domain = types.NormalizeDomain(domain)

	if len(claims) == 0 {
		return "", "", types.NewValidationError("claims", "must not be empty")
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return "", "", types.NewValidationError("claims", "not JSON-encodable: %v", err)
	}
	if len(encoded) > config.MaxPayloadBytes {
		return "", "", types.NewValidationError("claims", "payload %d bytes exceeds limit %d", len(encoded), config.MaxPayloadBytes)
	}

	now := types.NowUTC(s.clock)

	iat, ok, err := numericClaim(claims, "iat")
	if err != nil {
		return "", "", err
	}
	if !ok {
		iat = now.Unix()
	}
	exp, ok, err := numericClaim(claims, "exp")
	if err != nil {
		return "", "", err
	}
	if !ok {
		exp = iat + int64(config.DefaultTokenTTL.Seconds())
	}
	if exp <= iat {
		return "", "", types.NewValidationError("exp", "must be after iat")
	}
	if exp-iat > int64(config.PublicKeyTTL.Seconds()) {
		return "", "", types.NewValidationError("exp", "token lifetime exceeds %v", config.PublicKeyTTL)
	}

	kid, err := s.registry.Get(ctx, domain)
	if err != nil {
		return "", "", err
	}
	if kid == "" {
		return "", "", types.NewValidationError("domain", "%s has %v", domain, types.ErrNoActiveKey)
	}

	key, err := s.privateKey(domain, kid)
	if err != nil {
		return "", "", err
	}

	full := make(jwt.MapClaims, len(claims)+2)
	for k, v := range claims {
		full[k] = v
	}
	full["iat"] = iat
	full["exp"] = exp

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, full)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token for %s: %w", domain, err)
	}

	metrics.TokensSignedTotal.WithLabelValues(domain).Inc()
	s.logger.Debug().Str("domain", domain).Str("kid", kid).Msg("Token signed")
	return signed, kid, nil
}

func (s *Signer) privateKey(domain, kid string) (*rsa.PrivateKey, error) {
	if key, ok := s.parsed.Get(kid); ok {
		return key, nil
	}

	pemData, err := s.keys.LoadPrivateKey(domain, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key %s: %w", kid, err)
	}
	key, err := keys.ParsePrivatePEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", kid, err)
	}

	s.parsed.Add(kid, key)
	return key, nil
}

// numericClaim extracts an integer timestamp claim. JSON decoding hands
// numbers over as float64; native callers may pass int or int64.
func numericClaim(claims map[string]any, name string) (int64, bool, error) {
	raw, ok := claims[name]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true, nil
	case int64:
		return v, true, nil
	case int:
		return int64(v), true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false, types.NewValidationError(name, "not an integer timestamp: %v", err)
		}
		return n, true, nil
	default:
		return 0, false, types.NewValidationError(name, "must be a numeric timestamp, got %T", raw)
	}
}
