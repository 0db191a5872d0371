package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/cache"
	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/janitor"
	"github.com/cuemby/keymaster/pkg/jwks"
	"github.com/cuemby/keymaster/pkg/keystore"
	"github.com/cuemby/keymaster/pkg/lock"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metastore"
	"github.com/cuemby/keymaster/pkg/policystore"
	"github.com/cuemby/keymaster/pkg/registry"
	"github.com/cuemby/keymaster/pkg/rotation"
	"github.com/cuemby/keymaster/pkg/signer"
	"github.com/cuemby/keymaster/pkg/types"
)

// Service wires the stores, caches, rotation engine, scheduler, janitor,
// and read side into one façade. Everything the HTTP API and the CLI do
// goes through here; domains are normalized at this boundary.
type Service struct {
	cfg *config.Config

	rdb      *redis.Client
	keys     *keystore.Store
	meta     *metastore.Store
	policies *policystore.Store
	locks    *lock.Manager
	registry *registry.Registry

	engine    *rotation.Engine
	scheduler *rotation.Scheduler
	janitor   *janitor.Janitor
	signer    *signer.Signer
	jwks      *jwks.Provider

	cron   *cron.Cron
	clock  types.Clock
	keyGen func() (privatePEM, publicPEM []byte, err error)
	logger zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock substitutes the time source across all components.
func WithClock(clock types.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithKeyGenerator substitutes the rotation engine's key pair generator.
func WithKeyGenerator(generate func() ([]byte, []byte, error)) Option {
	return func(s *Service) { s.keyGen = generate }
}

// New builds a fully wired service from cfg. The Redis connection is
// verified eagerly so a misconfigured backend fails at startup, not on
// the first rotation.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		clock:  time.Now,
		logger: log.WithComponent("service"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr(), err)
	}

	var err error
	if s.keys, err = keystore.New(filepath.Join(cfg.DataDir, "keys")); err != nil {
		return nil, err
	}
	if s.meta, err = metastore.New(filepath.Join(cfg.DataDir, "meta")); err != nil {
		return nil, err
	}
	if s.policies, err = policystore.Open(cfg.DataDir); err != nil {
		return nil, err
	}

	local, err := cache.NewLRU[string, string](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	shared := cache.NewRedisTTL(s.rdb, "keymaster:active", cfg.RegistryTTL, cfg.CacheSize)
	s.registry = registry.New(local, shared, s.policies)
	s.locks = lock.NewManager(s.rdb, cfg.LockCapacity)

	if s.signer, err = signer.New(s.keys, s.registry, cfg.CacheSize, signer.WithClock(s.clock)); err != nil {
		return nil, err
	}
	if s.jwks, err = jwks.New(s.keys, cfg.CacheSize); err != nil {
		return nil, err
	}

	engineOpts := []rotation.Option{
		rotation.WithClock(s.clock),
		rotation.WithInvalidator(s.signer),
		rotation.WithInvalidator(s.jwks),
	}
	if s.keyGen != nil {
		engineOpts = append(engineOpts, rotation.WithKeyGenerator(s.keyGen))
	}
	s.engine = rotation.New(s.keys, s.meta, s.policies, s.registry, s.locks, cfg.LockTTL, engineOpts...)
	s.scheduler = rotation.NewScheduler(s.engine, s.policies, s.clock)
	if err := s.scheduler.SetRetryInterval(cfg.Scheduler.RetryInterval); err != nil {
		return nil, err
	}
	if err := s.scheduler.SetMaxRetries(cfg.Scheduler.MaxRetries); err != nil {
		return nil, err
	}

	s.janitor = janitor.New(s.meta, s.keys,
		janitor.WithClock(s.clock),
		janitor.WithInvalidator(s.jwks),
		janitor.WithInvalidator(s.signer),
	)

	if err := s.sweepTmpResidue(); err != nil {
		return nil, err
	}

	return s, nil
}

// sweepTmpResidue removes half-written key files left by a crash.
func (s *Service) sweepTmpResidue() error {
	domains, err := s.keys.Domains()
	if err != nil {
		return err
	}
	for _, domain := range domains {
		if err := s.keys.CleanTmpResidue(domain); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the cron-driven rotation sweeps and janitor passes.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.cfg.Scheduler.CronSpec, func() {
		if _, err := s.scheduler.RunScheduledRotation(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled rotation sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid rotation cron spec %q: %w", s.cfg.Scheduler.CronSpec, err)
	}

	if _, err := s.cron.AddFunc(s.cfg.Scheduler.JanitorSpec, func() {
		if _, err := s.janitor.RunCleanup(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Janitor pass failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor cron spec %q: %w", s.cfg.Scheduler.JanitorSpec, err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("rotation_spec", s.cfg.Scheduler.CronSpec).
		Str("janitor_spec", s.cfg.Scheduler.JanitorSpec).
		Msg("Background schedules started")
	return nil
}

// Close stops the schedules and releases every backend handle.
func (s *Service) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if err := s.policies.Close(); err != nil {
		return err
	}
	return s.rdb.Close()
}

// InitialSetupDomain provisions a domain's first key and policy.
func (s *Service) InitialSetupDomain(ctx context.Context, domain string, intervalDays int) types.RotationResult {
	return s.engine.InitialSetup(ctx, domain, intervalDays)
}

// RotateDomain invokes the rotation engine once for domain, regardless
// of schedule. Retries belong to the scheduled sweep; an admin call
// reports the single attempt's outcome and returns promptly.
func (s *Service) RotateDomain(ctx context.Context, domain string) types.RotationResult {
	return s.engine.Rotate(ctx, domain)
}

// RotateDueDomains sweeps every due domain immediately.
func (s *Service) RotateDueDomains(ctx context.Context) (*types.RotationSummary, error) {
	return s.scheduler.TriggerImmediateRotation(ctx)
}

// CleanupExpiredKeys runs one janitor pass immediately.
func (s *Service) CleanupExpiredKeys(ctx context.Context) (janitor.CleanupSummary, error) {
	return s.janitor.RunCleanup(ctx)
}

// Sign issues a token over claims under domain's active key.
func (s *Service) Sign(ctx context.Context, domain string, claims map[string]any) (string, string, error) {
	return s.signer.Sign(ctx, domain, claims)
}

// GetJwks returns the published key set for domain.
func (s *Service) GetJwks(domain string) (*jose.JSONWebKeySet, error) {
	return s.jwks.GetJwks(domain)
}

// GetPolicy returns the rotation policy for domain.
func (s *Service) GetPolicy(domain string) (*types.RotationPolicy, error) {
	return s.policies.FindByDomain(domain)
}

// EnablePolicy includes domain in scheduled rotation.
func (s *Service) EnablePolicy(domain string) error {
	return s.policies.Enable(domain)
}

// DisablePolicy excludes domain from scheduled rotation. Signing and
// JWKS reads keep working for a disabled domain.
func (s *Service) DisablePolicy(domain string) error {
	return s.policies.Disable(domain)
}

// SchedulerSettings reports the current retry knobs.
func (s *Service) SchedulerSettings() (time.Duration, int) {
	return s.scheduler.RetryInterval(), s.scheduler.MaxRetries()
}

// ConfigureScheduler updates the retry knobs. Nil leaves a knob as is;
// an out-of-range value rejects the whole request before any change is
// applied.
func (s *Service) ConfigureScheduler(retryInterval *time.Duration, maxRetries *int) error {
	if retryInterval != nil {
		if err := config.ValidateRetryInterval(*retryInterval); err != nil {
			return types.NewValidationError("retryInterval", "%v", err)
		}
	}
	if maxRetries != nil {
		if err := config.ValidateMaxRetries(*maxRetries); err != nil {
			return types.NewValidationError("maxRetries", "%v", err)
		}
	}
	if retryInterval != nil {
		if err := s.scheduler.SetRetryInterval(*retryInterval); err != nil {
			return err
		}
	}
	if maxRetries != nil {
		if err := s.scheduler.SetMaxRetries(*maxRetries); err != nil {
			return err
		}
	}
	return nil
}

// Ready reports whether the backends are reachable.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not ready: %w", err)
	}
	return nil
}
