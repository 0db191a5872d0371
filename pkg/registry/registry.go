package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/cache"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/types"
)

// PolicyFinder resolves a domain to its rotation policy. Satisfied by
// the policy store.
type PolicyFinder interface {
	FindByDomain(domain string) (*types.RotationPolicy, error)
}

// Registry answers "which kid signs for this domain" with two cache
// tiers in front of the policy store: a per-process LRU and a shared
// Redis TTL cache. The policy store stays the source of truth; the
// registry never invents a mapping the store does not hold.
type Registry struct {
	local    *cache.LRU[string, string]
	shared   *cache.RedisTTL
	policies PolicyFinder
	logger   zerolog.Logger
}

// New creates a registry over the given cache tiers and policy store.
func New(local *cache.LRU[string, string], shared *cache.RedisTTL, policies PolicyFinder) *Registry {
	return &Registry{
		local:    local,
		shared:   shared,
		policies: policies,
		logger:   log.WithComponent("registry"),
	}
}

// Get returns the active kid for domain. A domain with no policy yields
// an empty kid and no error; callers decide whether that is fatal.
func (r *Registry) Get(ctx context.Context, domain string) (string, error) {
	domain = types.NormalizeDomain(domain)

	if kid, ok := r.local.Get(domain); ok {
		return kid, nil
	}

	kid, ok, err := r.shared.Get(ctx, domain)
	if err != nil {
		return "", err
	}
	if ok {
		r.local.Add(domain, kid)
		return kid, nil
	}

	policy, err := r.policies.FindByDomain(domain)
	if errors.Is(err, types.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	kid = policy.ActiveKid
	r.local.Add(domain, kid)
	if err := r.shared.Set(ctx, domain, kid); err != nil {
		// Shared cache population is best effort.
		r.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to populate shared cache")
	}
	return kid, nil
}

// Set publishes kid as the active kid for domain. The write is refused,
// with no cache side effects, unless the policy store already names kid
// as active: the registry mirrors the store, it never leads it.
func (r *Registry) Set(ctx context.Context, domain, kid string) error {
	domain = types.NormalizeDomain(domain)

	policy, err := r.policies.FindByDomain(domain)
	if err != nil {
		return fmt.Errorf("failed to verify active kid for %s: %w", domain, err)
	}
	if policy.ActiveKid != kid {
		return fmt.Errorf("refusing to publish %s for %s: store names %s active", kid, domain, policy.ActiveKid)
	}

	r.local.Add(domain, kid)
	if err := r.shared.Set(ctx, domain, kid); err != nil {
		return err
	}
	r.logger.Debug().Str("domain", domain).Str("kid", kid).Msg("Active kid published")
	return nil
}

// Delete drops the cached mapping for domain from both tiers.
func (r *Registry) Delete(ctx context.Context, domain string) error {
	domain = types.NormalizeDomain(domain)
	r.local.Remove(domain)
	return r.shared.Delete(ctx, domain)
}
