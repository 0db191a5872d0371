package jwks

import (
	"fmt"
	"sort"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/cache"
	"github.com/cuemby/keymaster/pkg/keys"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/types"
)

// KeyLoader lists and loads public key PEMs.
type KeyLoader interface {
	ListPublicKids(domain string) ([]string, error)
	LoadPublicKey(domain, kid string) ([]byte, error)
}

// Provider serves the JWKS document for a domain: every public key still
// on disk, which includes retired keys inside their grace window so old
// tokens keep verifying. Individual JWK entries are cached per kid.
type Provider struct {
	keys   KeyLoader
	parsed *cache.LRU[string, jose.JSONWebKey]
	logger zerolog.Logger
}

// New creates a JWKS provider with a per-kid JWK cache of the given size.
func New(kl KeyLoader, cacheSize int) (*Provider, error) {
	parsed, err := cache.NewLRU[string, jose.JSONWebKey](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Provider{
		keys:   kl,
		parsed: parsed,
		logger: log.WithComponent("jwks"),
	}, nil
}

// Invalidate drops a kid from the JWK cache.
func (p *Provider) Invalidate(kid string) {
	p.parsed.Remove(kid)
}

// GetJwks builds the key set for domain, kids in lexical order. A domain
// with no published keys yields ErrNotFound.
func (p *Provider) GetJwks(domain string) (*jose.JSONWebKeySet, error) {
	domain = types.NormalizeDomain(domain)

	kids, err := p.keys.ListPublicKids(domain)
	if err != nil {
		return nil, err
	}
	if len(kids) == 0 {
		return nil, fmt.Errorf("no published keys for %s: %w", domain, types.ErrNotFound)
	}
	sort.Strings(kids)

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(kids))}
	for _, kid := range kids {
		jwk, err := p.jwk(domain, kid)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk)
	}

	metrics.JwksRequestsTotal.WithLabelValues(domain).Inc()
	return set, nil
}

func (p *Provider) jwk(domain, kid string) (jose.JSONWebKey, error) {
	if jwk, ok := p.parsed.Get(kid); ok {
		return jwk, nil
	}

	pemData, err := p.keys.LoadPublicKey(domain, kid)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("failed to load public key %s: %w", kid, err)
	}
	pub, err := keys.ParsePublicPEM(pemData)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("failed to parse public key %s: %w", kid, err)
	}

	jwk := jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}
	p.parsed.Add(kid, jwk)
	return jwk, nil
}
