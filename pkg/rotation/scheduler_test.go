package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/types"
)

// scriptedRotator replays a fixed outcome sequence per domain.
type scriptedRotator struct {
	results map[string][]types.RotationResult
	calls   map[string]int
}

func newScriptedRotator() *scriptedRotator {
	return &scriptedRotator{
		results: map[string][]types.RotationResult{},
		calls:   map[string]int{},
	}
}

func (r *scriptedRotator) script(domain string, results ...types.RotationResult) {
	r.results[domain] = results
}

func (r *scriptedRotator) Rotate(_ context.Context, domain string) types.RotationResult {
	n := r.calls[domain]
	r.calls[domain]++
	script := r.results[domain]
	if n < len(script) {
		return script[n]
	}
	return script[len(script)-1]
}

type staticDue struct {
	policies []*types.RotationPolicy
}

func (d *staticDue) GetDueForRotation(time.Time) ([]*types.RotationPolicy, error) {
	return d.policies, nil
}

func fastScheduler(rotator Rotator, due DueLister) *Scheduler {
	s := NewScheduler(rotator, due, time.Now)
	s.retryInterval = time.Millisecond
	return s
}

func TestSweepAggregation(t *testing.T) {
	rotator := newScriptedRotator()
	rotator.script("A", types.Success("A", "a1", "a2"))
	rotator.script("B", types.Skipped("B", "rotation lock unavailable"))
	rotator.script("C", types.Failedf("C", "disk full"))

	due := &staticDue{policies: []*types.RotationPolicy{
		{Domain: "A"}, {Domain: "B"}, {Domain: "C"},
	}}
	s := fastScheduler(rotator, due)
	s.maxRetries = 1

	summary, err := s.RunScheduledRotation(context.Background())
	if err != nil {
		t.Fatalf("RunScheduledRotation() error = %v", err)
	}
	if summary.Succeeded != 1 || summary.Skipped != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	// One pass over three domains plus one retry pass over C.
	if summary.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", summary.Attempts)
	}
	// C was retried once after its first failure.
	if rotator.calls["C"] != 2 {
		t.Errorf("C attempts = %d, want 2", rotator.calls["C"])
	}
	if rotator.calls["A"] != 1 || rotator.calls["B"] != 1 {
		t.Errorf("A/B attempts = %d/%d, want 1/1", rotator.calls["A"], rotator.calls["B"])
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	rotator := newScriptedRotator()
	rotator.script("A",
		types.Failedf("A", "transient"),
		types.Failedf("A", "transient"),
		types.Success("A", "a1", "a2"),
	)

	due := &staticDue{policies: []*types.RotationPolicy{{Domain: "A"}}}
	s := fastScheduler(rotator, due)

	summary, err := s.RunScheduledRotation(context.Background())
	if err != nil {
		t.Fatalf("RunScheduledRotation() error = %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want success after retries", summary)
	}
	if rotator.calls["A"] != 3 {
		t.Errorf("attempts = %d, want 3", rotator.calls["A"])
	}
}

func TestRetryCap(t *testing.T) {
	rotator := newScriptedRotator()
	rotator.script("A", types.Failedf("A", "persistent"))

	due := &staticDue{policies: []*types.RotationPolicy{{Domain: "A"}}}
	s := fastScheduler(rotator, due)
	s.maxRetries = 2

	summary, err := s.RunScheduledRotation(context.Background())
	if err != nil {
		t.Fatalf("RunScheduledRotation() error = %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want failed", summary)
	}
	// 1 sweep pass + 2 retry passes.
	if rotator.calls["A"] != 3 {
		t.Errorf("attempts = %d, want 3", rotator.calls["A"])
	}
}

func TestFatalFailureNotRetried(t *testing.T) {
	rotator := newScriptedRotator()
	rotator.script("A", types.Failed("A", types.NewFatalError("rollback left wrong kid active", errors.New("boom"))))

	due := &staticDue{policies: []*types.RotationPolicy{{Domain: "A"}}}
	s := fastScheduler(rotator, due)

	summary, err := s.RunScheduledRotation(context.Background())
	if err != nil {
		t.Fatalf("RunScheduledRotation() error = %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if rotator.calls["A"] != 1 {
		t.Errorf("fatal failure retried %d times", rotator.calls["A"]-1)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	rotator := newScriptedRotator()
	rotator.script("A", types.Failedf("A", "persistent"))

	due := &staticDue{policies: []*types.RotationPolicy{{Domain: "A"}}}
	s := fastScheduler(rotator, due)
	s.retryInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan *types.RotationSummary, 1)
	go func() {
		summary, err := s.RunScheduledRotation(ctx)
		if err != nil {
			t.Errorf("RunScheduledRotation() error = %v", err)
		}
		done <- summary
	}()

	select {
	case summary := <-done:
		if summary.Failed != 1 {
			t.Errorf("summary = %+v", summary)
		}
		if rotator.calls["A"] != 1 {
			t.Errorf("cancelled sweep attempted %d rotations", rotator.calls["A"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled retry loop did not return")
	}
}

func TestKnobBounds(t *testing.T) {
	s := NewScheduler(newScriptedRotator(), &staticDue{}, time.Now)

	if err := s.SetRetryInterval(config.MinRetryInterval); err != nil {
		t.Errorf("SetRetryInterval(min) error = %v", err)
	}
	if err := s.SetRetryInterval(config.MaxRetryInterval); err != nil {
		t.Errorf("SetRetryInterval(max) error = %v", err)
	}
	if err := s.SetRetryInterval(config.MinRetryInterval - time.Millisecond); err == nil {
		t.Error("interval below minimum accepted")
	}
	if err := s.SetRetryInterval(config.MaxRetryInterval + time.Millisecond); err == nil {
		t.Error("interval above maximum accepted")
	}
	// Rejected values leave the knob untouched.
	if got := s.RetryInterval(); got != config.MaxRetryInterval {
		t.Errorf("RetryInterval() = %v, want %v", got, config.MaxRetryInterval)
	}

	if err := s.SetMaxRetries(config.MinMaxRetries); err != nil {
		t.Errorf("SetMaxRetries(min) error = %v", err)
	}
	if err := s.SetMaxRetries(config.MaxMaxRetries); err != nil {
		t.Errorf("SetMaxRetries(max) error = %v", err)
	}
	if err := s.SetMaxRetries(0); err == nil {
		t.Error("zero retries accepted")
	}
	if err := s.SetMaxRetries(config.MaxMaxRetries + 1); err == nil {
		t.Error("retries above maximum accepted")
	}
	if got := s.MaxRetries(); got != config.MaxMaxRetries {
		t.Errorf("MaxRetries() = %d, want %d", got, config.MaxMaxRetries)
	}
}
