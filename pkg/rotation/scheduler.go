package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/types"
)

// Rotator performs a single rotation attempt for one domain.
type Rotator interface {
	Rotate(ctx context.Context, domain string) types.RotationResult
}

// DueLister enumerates the policies eligible for rotation.
type DueLister interface {
	GetDueForRotation(now time.Time) ([]*types.RotationPolicy, error)
}

// Scheduler drives rotations over due domains with bounded retries. A
// sweep rotates every due domain once, then re-attempts only the
// domains that failed, pausing the retry interval between passes, until
// nothing fails or the retry cap is spent. Skips and fatal failures are
// never retried. The retry knobs are adjustable at runtime within fixed
// bounds.
type Scheduler struct {
	rotator  Rotator
	policies DueLister
	clock    types.Clock
	logger   zerolog.Logger

	mu            sync.Mutex
	retryInterval time.Duration
	maxRetries    int
}

// NewScheduler creates a scheduler with the default retry knobs.
func NewScheduler(rotator Rotator, policies DueLister, clock types.Clock) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		rotator:       rotator,
		policies:      policies,
		clock:         clock,
		logger:        log.WithComponent("scheduler"),
		retryInterval: config.DefaultRetryInterval,
		maxRetries:    config.DefaultMaxRetries,
	}
}

// SetRetryInterval adjusts the pause between retry passes. Values
// outside the permitted range are rejected and the current value stays.
func (s *Scheduler) SetRetryInterval(d time.Duration) error {
	if err := config.ValidateRetryInterval(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.retryInterval = d
	s.mu.Unlock()
	s.logger.Info().Dur("retry_interval", d).Msg("Retry interval updated")
	return nil
}

// SetMaxRetries adjusts how many retry passes follow a failed sweep.
func (s *Scheduler) SetMaxRetries(n int) error {
	if err := config.ValidateMaxRetries(n); err != nil {
		return err
	}
	s.mu.Lock()
	s.maxRetries = n
	s.mu.Unlock()
	s.logger.Info().Int("max_retries", n).Msg("Max retries updated")
	return nil
}

// RetryInterval returns the current retry pause.
func (s *Scheduler) RetryInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryInterval
}

// MaxRetries returns the current retry cap.
func (s *Scheduler) MaxRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRetries
}

func (s *Scheduler) knobs() (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryInterval, s.maxRetries
}

// RunScheduledRotation sweeps every due domain, with bounded retry
// passes over the failures. Domains are processed sequentially so that
// one sweep never holds more than one rotation lock.
func (s *Scheduler) RunScheduledRotation(ctx context.Context) (*types.RotationSummary, error) {
	metrics.SchedulerSweepsTotal.Inc()
	now := types.NowUTC(s.clock)

	due, err := s.policies.GetDueForRotation(now)
	if err != nil {
		return nil, err
	}

	domains := make([]string, 0, len(due))
	for _, policy := range due {
		domains = append(domains, policy.Domain)
	}

	summary := s.ensureSuccessfulRotation(ctx, domains)
	s.logger.Info().
		Int("due", len(due)).
		Int("attempts", summary.Attempts).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Rotation sweep finished")
	return summary, nil
}

// TriggerImmediateRotation runs a sweep outside the cron cadence. The
// semantics are identical to a scheduled sweep.
func (s *Scheduler) TriggerImmediateRotation(ctx context.Context) (*types.RotationSummary, error) {
	return s.RunScheduledRotation(ctx)
}

// ensureSuccessfulRotation rotates every listed domain once, then keeps
// re-attempting the domains that failed until a pass produces no
// failures or the retry cap is spent. Fatal failures drop out
// immediately: retrying after an invariant violation can only make the
// damage worse.
func (s *Scheduler) ensureSuccessfulRotation(ctx context.Context, domains []string) *types.RotationSummary {
	interval, retries := s.knobs()

	summary := &types.RotationSummary{}
	latest := make(map[string]types.RotationResult, len(domains))

	pending := domains
	for pass := 0; ; pass++ {
		var failed []string
		for _, domain := range pending {
			if ctx.Err() != nil {
				break
			}
			res := s.rotator.Rotate(ctx, domain)
			summary.Attempts++
			latest[domain] = res

			if res.Outcome != types.OutcomeFailed {
				continue
			}
			if types.IsFatal(res.Err) {
				s.logger.Error().Str("domain", res.Domain).Str("reason", res.Reason).Msg("Fatal rotation failure, not retrying")
				continue
			}
			failed = append(failed, domain)
		}

		if len(failed) == 0 || pass >= retries || ctx.Err() != nil {
			break
		}

		s.logger.Warn().
			Int("failed", len(failed)).
			Int("pass", pass+1).
			Dur("retry_in", interval).
			Msg("Rotation failures remain, scheduling retry pass")

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		if ctx.Err() != nil {
			break
		}
		pending = failed
	}

	// Fold the final per-domain outcomes, in the original order.
	for _, domain := range domains {
		if res, ok := latest[domain]; ok {
			summary.Add(res)
		}
	}
	return summary
}
