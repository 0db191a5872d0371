package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/keys"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/policystore"
	"github.com/cuemby/keymaster/pkg/types"
)

// KeyStore is the key material store consumed by the engine.
type KeyStore interface {
	SaveKeyPair(domain, kid string, publicPEM, privatePEM []byte) error
	DeletePrivateKey(domain, kid string) error
	DeletePublicKey(domain, kid string) error
}

// MetadataStore is the per-kid metadata store consumed by the engine.
type MetadataStore interface {
	WriteOrigin(domain, kid string, meta *types.KeyMetadata) error
	ReadOrigin(domain, kid string) (*types.KeyMetadata, error)
	DeleteOrigin(domain, kid string) error
	WriteArchive(kid string, meta *types.KeyMetadata) error
	DeleteArchived(kid string) error
}

// PolicyStore is the transactional policy store consumed by the engine.
type PolicyStore interface {
	FindByDomain(domain string) (*types.RotationPolicy, error)
	CreatePolicy(policy *types.RotationPolicy) error
	GetSession() (policystore.Session, error)
	FindInSession(sess policystore.Session, domain string) (*types.RotationPolicy, error)
	AcknowledgeSuccessfulRotation(sess policystore.Session, domain string, intervalDays int, newKid string, now time.Time) error
}

// Registry publishes the active kid after a committed flip.
type Registry interface {
	Set(ctx context.Context, domain, kid string) error
	Delete(ctx context.Context, domain string) error
}

// Locker provides per-domain mutual exclusion around a rotation.
type Locker interface {
	Acquire(ctx context.Context, domain string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, domain, token string) (bool, error)
}

// Invalidator drops a kid from a read-side cache. The signer and JWKS
// caches both satisfy this.
type Invalidator interface {
	Invalidate(kid string)
}

// SessionHook runs caller-supplied writes inside the commit session of a
// rotation, after the policy flip is staged and before it commits. An
// error from the hook aborts the session and rolls the rotation back.
type SessionHook func(sess policystore.Session) error

// Engine performs atomic key rotation for a domain: stage new material,
// flip the policy transactionally, then clean up the incumbent. Any
// store failure before the commit rolls the staged state back so the
// incumbent key keeps signing.
type Engine struct {
	keys     KeyStore
	meta     MetadataStore
	policies PolicyStore
	registry Registry
	locks    Locker

	lockTTL      time.Duration
	clock        types.Clock
	generate     func() (privatePEM, publicPEM []byte, err error)
	invalidators []Invalidator
	sessionHooks []SessionHook

	logger zerolog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock substitutes the time source.
func WithClock(clock types.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithKeyGenerator substitutes the key pair generator.
func WithKeyGenerator(generate func() ([]byte, []byte, error)) Option {
	return func(e *Engine) { e.generate = generate }
}

// WithInvalidator registers a read-side cache to flush on rotation.
func WithInvalidator(inv Invalidator) Option {
	return func(e *Engine) { e.invalidators = append(e.invalidators, inv) }
}

// WithSessionHook attaches transactional writes to the rotation commit.
func WithSessionHook(hook SessionHook) Option {
	return func(e *Engine) { e.sessionHooks = append(e.sessionHooks, hook) }
}

// New creates a rotation engine.
func New(ks KeyStore, ms MetadataStore, ps PolicyStore, reg Registry, locks Locker, lockTTL time.Duration, opts ...Option) *Engine {
	e := &Engine{
		keys:     ks,
		meta:     ms,
		policies: ps,
		registry: reg,
		locks:    locks,
		lockTTL:  lockTTL,
		clock:    time.Now,
		generate: keys.GeneratePair,
		logger:   log.WithComponent("rotation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) invalidate(kid string) {
	for _, inv := range e.invalidators {
		inv.Invalidate(kid)
	}
}

// Rotate replaces the active signing key for domain. Contended locks and
// missing policies are skips, not failures; store failures roll back and
// report failed. The incumbent key keeps signing until the policy flip
// commits.
func (e *Engine) Rotate(ctx context.Context, domain string) types.RotationResult {
	domain = types.NormalizeDomain(domain)
	start := time.Now()

	token, ok, err := e.locks.Acquire(ctx, domain, e.lockTTL)
	if err != nil {
		return e.record(types.Failed(domain, fmt.Errorf("failed to acquire rotation lock: %w", err)), start)
	}
	if !ok {
		return e.record(types.Skipped(domain, "rotation lock unavailable"), start)
	}
	defer func() {
		if _, err := e.locks.Release(ctx, domain, token); err != nil {
			e.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to release rotation lock")
		}
	}()

	policy, err := e.policies.FindByDomain(domain)
	if errors.Is(err, types.ErrNotFound) {
		return e.record(types.Skipped(domain, "no rotation policy"), start)
	}
	if err != nil {
		return e.record(types.Failed(domain, err), start)
	}
	if policy.ActiveKid == "" {
		return e.record(types.Failed(domain, fmt.Errorf("policy for %s: %w", domain, types.ErrNoActiveKey)), start)
	}

	return e.record(e.rotateLocked(ctx, domain, policy), start)
}

func (e *Engine) record(res types.RotationResult, start time.Time) types.RotationResult {
	metrics.RotationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.RotationDuration.Observe(time.Since(start).Seconds())
	return res
}

func (e *Engine) rotateLocked(ctx context.Context, domain string, policy *types.RotationPolicy) types.RotationResult {
	now := types.NowUTC(e.clock)
	oldKid := policy.ActiveKid

	newKid, err := keys.NewKid(domain, now)
	if err != nil {
		return types.Failed(domain, err)
	}

	// Key generation is slow; do it before staging anything.
	privatePEM, publicPEM, err := e.generate()
	if err != nil {
		return types.Failed(domain, fmt.Errorf("failed to generate key pair: %w", err))
	}

	// Stage the candidate: key material plus an origin record.
	if err := e.keys.SaveKeyPair(domain, newKid, publicPEM, privatePEM); err != nil {
		return types.Failed(domain, err)
	}
	if err := e.meta.WriteOrigin(domain, newKid, &types.KeyMetadata{
		Kid:       newKid,
		Domain:    domain,
		CreatedAt: now,
	}); err != nil {
		e.discardCandidate(domain, newKid)
		return types.Failed(domain, err)
	}

	// Demote the incumbent: its metadata moves to the archive partition
	// with an expiry far enough out that every token it signed stays
	// verifiable, then leaves the origin partition.
	oldMeta, err := e.meta.ReadOrigin(domain, oldKid)
	if errors.Is(err, types.ErrNotFound) {
		// Origin record lost (crash between partial writes); rebuild what
		// we know so the archive entry still carries an expiry.
		oldMeta = &types.KeyMetadata{Kid: oldKid, Domain: domain, CreatedAt: policy.RotatedAt}
	} else if err != nil {
		e.discardCandidate(domain, newKid)
		return types.Failed(domain, err)
	}
	expiry := now.Add(config.PublicKeyTTL + config.GracePeriod)
	archived := *oldMeta
	archived.ExpiresAt = &expiry

	if err := e.meta.WriteArchive(oldKid, &archived); err != nil {
		e.discardCandidate(domain, newKid)
		return types.Failed(domain, err)
	}
	if err := e.meta.DeleteOrigin(domain, oldKid); err != nil {
		e.discardCandidate(domain, newKid)
		_ = e.meta.DeleteArchived(oldKid)
		return types.Failed(domain, err)
	}

	// Commit: flip the policy inside a transaction, re-checking that no
	// other writer rotated this domain since we read the policy.
	sess, err := e.policies.GetSession()
	if err != nil {
		return e.rollback(domain, oldKid, newKid, oldMeta, err)
	}
	defer sess.End()

	current, err := e.policies.FindInSession(sess, domain)
	if err != nil {
		return e.rollback(domain, oldKid, newKid, oldMeta, err)
	}
	if current.ActiveKid != oldKid {
		_ = sess.Abort()
		e.undoStaging(domain, oldKid, newKid, oldMeta)
		return types.Skipped(domain, fmt.Sprintf("already rotated: active kid is %s", current.ActiveKid))
	}

	if err := e.policies.AcknowledgeSuccessfulRotation(sess, domain, current.RotationIntervalDays, newKid, now); err != nil {
		_ = sess.Abort()
		return e.rollback(domain, oldKid, newKid, oldMeta, err)
	}
	for _, hook := range e.sessionHooks {
		if err := hook(sess); err != nil {
			_ = sess.Abort()
			return e.rollback(domain, oldKid, newKid, oldMeta, fmt.Errorf("rotation session hook: %w", err))
		}
	}
	if err := sess.Commit(); err != nil {
		return e.rollback(domain, oldKid, newKid, oldMeta, err)
	}

	// Post-commit cleanup is best effort: the flip is durable, the
	// retired private key and stale caches just need to catch up.
	if err := e.keys.DeletePrivateKey(domain, oldKid); err != nil {
		e.logger.Warn().Err(err).Str("domain", domain).Str("kid", oldKid).Msg("Failed to remove retired private key")
	}
	e.invalidate(oldKid)
	e.invalidate(newKid)
	if err := e.registry.Set(ctx, domain, newKid); err != nil {
		e.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to publish new active kid")
	}

	e.logger.Info().Str("domain", domain).Str("old_kid", oldKid).Str("new_kid", newKid).Msg("Rotation committed")
	return types.Success(domain, oldKid, newKid)
}

// discardCandidate removes a staged candidate's key material and origin
// record.
func (e *Engine) discardCandidate(domain, newKid string) {
	_ = e.keys.DeletePrivateKey(domain, newKid)
	_ = e.keys.DeletePublicKey(domain, newKid)
	_ = e.meta.DeleteOrigin(domain, newKid)
}

// undoStaging discards the candidate and restores the incumbent's origin
// record from the pre-demotion copy.
func (e *Engine) undoStaging(domain, oldKid, newKid string, oldMeta *types.KeyMetadata) {
	e.discardCandidate(domain, newKid)

	restored := *oldMeta
	restored.ExpiresAt = nil
	if err := e.meta.WriteOrigin(domain, oldKid, &restored); err != nil {
		e.logger.Error().Err(err).Str("domain", domain).Str("kid", oldKid).Msg("Failed to restore incumbent origin record")
	}
	if err := e.meta.DeleteArchived(oldKid); err != nil {
		e.logger.Error().Err(err).Str("domain", domain).Str("kid", oldKid).Msg("Failed to remove premature archive record")
	}
}

// rollback reverts all staged effects after a commit-phase failure and
// verifies the incumbent is still the active signer. A rollback that
// cannot re-establish the incumbent is an invariant violation and comes
// back fatal so the scheduler will not retry it.
func (e *Engine) rollback(domain, oldKid, newKid string, oldMeta *types.KeyMetadata, cause error) types.RotationResult {
	e.logger.Warn().Err(cause).Str("domain", domain).Msg("Rolling back rotation")
	e.undoStaging(domain, oldKid, newKid, oldMeta)

	policy, err := e.policies.FindByDomain(domain)
	if err != nil {
		return types.Failed(domain, types.NewFatalError(
			fmt.Sprintf("rollback cannot verify active kid for %s", domain), err))
	}
	if policy.ActiveKid != oldKid {
		return types.Failed(domain, types.NewFatalError(
			fmt.Sprintf("rollback left %s active for %s, expected %s", policy.ActiveKid, domain, oldKid), cause))
	}
	return types.Failed(domain, fmt.Errorf("rotation rolled back: %w", cause))
}

// InitialSetup provisions a domain's first signing key and its rotation
// policy. Running it against an initialized domain is a skip.
func (e *Engine) InitialSetup(ctx context.Context, domain string, intervalDays int) types.RotationResult {
	domain = types.NormalizeDomain(domain)
	if domain == "" {
		return types.Failed(domain, types.NewValidationError("domain", "must not be empty"))
	}
	if intervalDays <= 0 {
		intervalDays = config.DefaultRotationIntervalDays
	}

	token, ok, err := e.locks.Acquire(ctx, domain, e.lockTTL)
	if err != nil {
		return types.Failed(domain, fmt.Errorf("failed to acquire rotation lock: %w", err))
	}
	if !ok {
		return types.Skipped(domain, "rotation lock unavailable")
	}
	defer func() {
		if _, err := e.locks.Release(ctx, domain, token); err != nil {
			e.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to release rotation lock")
		}
	}()

	if _, err := e.policies.FindByDomain(domain); err == nil {
		return types.Skipped(domain, "domain already initialized")
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Failed(domain, err)
	}

	now := types.NowUTC(e.clock)
	kid, err := keys.NewKid(domain, now)
	if err != nil {
		return types.Failed(domain, err)
	}
	privatePEM, publicPEM, err := e.generate()
	if err != nil {
		return types.Failed(domain, fmt.Errorf("failed to generate key pair: %w", err))
	}

	if err := e.keys.SaveKeyPair(domain, kid, publicPEM, privatePEM); err != nil {
		return types.Failed(domain, err)
	}
	if err := e.meta.WriteOrigin(domain, kid, &types.KeyMetadata{
		Kid:       kid,
		Domain:    domain,
		CreatedAt: now,
	}); err != nil {
		e.discardCandidate(domain, kid)
		return types.Failed(domain, err)
	}

	policy := &types.RotationPolicy{
		Domain:               domain,
		ActiveKid:            kid,
		RotationIntervalDays: intervalDays,
		RotatedAt:            now,
		NextRotationAt:       now.Add(time.Duration(intervalDays) * 24 * time.Hour),
		Enabled:              true,
	}
	if err := e.policies.CreatePolicy(policy); err != nil {
		e.discardCandidate(domain, kid)
		if errors.Is(err, types.ErrExists) {
			return types.Skipped(domain, "domain already initialized")
		}
		return types.Failed(domain, err)
	}

	if err := e.registry.Set(ctx, domain, kid); err != nil {
		e.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to publish active kid")
	}

	e.logger.Info().Str("domain", domain).Str("kid", kid).Int("interval_days", intervalDays).Msg("Domain initialized")
	return types.Success(domain, "", kid)
}
