package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/keys"
	"github.com/cuemby/keymaster/pkg/types"
)

func testGenerate() ([]byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	priv, err := keys.EncodePrivatePEM(key)
	if err != nil {
		return nil, nil, err
	}
	pub, err := keys.EncodePublicPEM(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func newService(t *testing.T) (*Service, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, _ := strings.Cut(mr.Addr(), ":")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Redis.Host = host
	cfg.Redis.Port = port

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &now

	svc, err := New(context.Background(), cfg,
		WithClock(func() time.Time { return *clock }),
		WithKeyGenerator(testGenerate),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, clock
}

// verifyViaJwks parses token using the key set the service publishes.
func verifyViaJwks(t *testing.T, svc *Service, domain, token string, now time.Time) *jwt.Token {
	t.Helper()
	set, err := svc.GetJwks(domain)
	if err != nil {
		t.Fatalf("GetJwks() error = %v", err)
	}

	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		matches := set.Key(kid)
		if len(matches) == 0 {
			return nil, errors.New("kid not in key set")
		}
		return matches[0].Key, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		t.Fatalf("token does not verify via JWKS: %v", err)
	}
	return parsed
}

func TestSetupSignVerify(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	res := svc.InitialSetupDomain(ctx, "user", 30)
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("setup = %+v", res)
	}

	token, kid, err := svc.Sign(ctx, "user", map[string]any{"sub": "alice"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if kid != res.NewKid {
		t.Errorf("signing kid = %q, want active %q", kid, res.NewKid)
	}

	parsed := verifyViaJwks(t, svc, "user", token, *clock)
	if parsed.Claims.(jwt.MapClaims)["sub"] != "alice" {
		t.Error("claims did not survive the round trip")
	}
}

func TestRotateDomainSingleAttempt(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, _ := strings.Cut(mr.Addr(), ":")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Redis.Host = host
	cfg.Redis.Port = port

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &now
	ctx := context.Background()

	generates := 0
	failGenerate := false
	svc, err := New(ctx, cfg,
		WithClock(func() time.Time { return *clock }),
		WithKeyGenerator(func() ([]byte, []byte, error) {
			generates++
			if failGenerate {
				return nil, nil, errors.New("entropy source unavailable")
			}
			return testGenerate()
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	setup := svc.InitialSetupDomain(ctx, "user", 30)
	if setup.Outcome != types.OutcomeSuccess {
		t.Fatal(setup)
	}

	// An admin rotate makes exactly one engine attempt and returns; the
	// bounded retry loop belongs to the scheduled sweep.
	failGenerate = true
	res := svc.RotateDomain(ctx, "user")
	if res.Outcome != types.OutcomeFailed {
		t.Fatalf("RotateDomain() = %+v, want failed", res)
	}
	if got := generates - 1; got != 1 {
		t.Errorf("one rotate made %d engine attempts, want 1", got)
	}

	// The incumbent stays active after the failed attempt.
	policy, err := svc.GetPolicy("user")
	if err != nil {
		t.Fatal(err)
	}
	if policy.ActiveKid != setup.NewKid {
		t.Errorf("ActiveKid = %q, want %q", policy.ActiveKid, setup.NewKid)
	}
}

func TestOldTokensSurviveRotation(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	setup := svc.InitialSetupDomain(ctx, "user", 30)
	if setup.Outcome != types.OutcomeSuccess {
		t.Fatal(setup)
	}

	oldToken, oldKid, err := svc.Sign(ctx, "user", map[string]any{"sub": "alice"})
	if err != nil {
		t.Fatal(err)
	}

	rot := svc.RotateDomain(ctx, "user")
	if rot.Outcome != types.OutcomeSuccess {
		t.Fatalf("rotate = %+v", rot)
	}

	// New signatures use the new key.
	_, newKid, err := svc.Sign(ctx, "user", map[string]any{"sub": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if newKid == oldKid {
		t.Error("signing kid did not change after rotation")
	}
	if newKid != rot.NewKid {
		t.Errorf("signing kid = %q, want %q", newKid, rot.NewKid)
	}

	// The retired key stays published, so the old token still verifies.
	verifyViaJwks(t, svc, "user", oldToken, *clock)

	set, err := svc.GetJwks("user")
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Keys) != 2 {
		t.Errorf("published keys = %d, want old and new", len(set.Keys))
	}
}

func TestScheduledSweepRotatesDueOnly(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	if res := svc.InitialSetupDomain(ctx, "due", 30); res.Outcome != types.OutcomeSuccess {
		t.Fatal(res)
	}
	if res := svc.InitialSetupDomain(ctx, "fresh", 90); res.Outcome != types.OutcomeSuccess {
		t.Fatal(res)
	}
	duePolicy, _ := svc.GetPolicy("due")

	*clock = clock.Add(31 * 24 * time.Hour)

	summary, err := svc.RotateDueDomains(ctx)
	if err != nil {
		t.Fatalf("RotateDueDomains() error = %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	rotated, _ := svc.GetPolicy("due")
	if rotated.ActiveKid == duePolicy.ActiveKid {
		t.Error("due domain was not rotated")
	}
	fresh, _ := svc.GetPolicy("fresh")
	if !fresh.NextRotationAt.After(*clock) {
		t.Error("fresh domain should not have been due")
	}
}

func TestDisabledPolicyNotSwept(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	setup := svc.InitialSetupDomain(ctx, "user", 30)
	if setup.Outcome != types.OutcomeSuccess {
		t.Fatal(setup)
	}
	if err := svc.DisablePolicy("user"); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(31 * 24 * time.Hour)

	summary, err := svc.RotateDueDomains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Results) != 0 {
		t.Errorf("disabled domain swept: %+v", summary.Results)
	}

	// Reads keep working while rotation is paused.
	if _, _, err := svc.Sign(ctx, "user", map[string]any{"sub": "a"}); err != nil {
		t.Errorf("Sign() for disabled domain error = %v", err)
	}
	if _, err := svc.GetJwks("user"); err != nil {
		t.Errorf("GetJwks() for disabled domain error = %v", err)
	}

	// Manual rotation still works when re-enabled.
	if err := svc.EnablePolicy("user"); err != nil {
		t.Fatal(err)
	}
	if res := svc.RotateDomain(ctx, "user"); res.Outcome != types.OutcomeSuccess {
		t.Errorf("rotate after enable = %+v", res)
	}
}

func TestJanitorReapsAfterGrace(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	setup := svc.InitialSetupDomain(ctx, "user", 30)
	if setup.Outcome != types.OutcomeSuccess {
		t.Fatal(setup)
	}
	oldKid := setup.NewKid

	rot := svc.RotateDomain(ctx, "user")
	if rot.Outcome != types.OutcomeSuccess {
		t.Fatal(rot)
	}

	// Inside the grace window nothing is reaped.
	*clock = clock.Add(config.PublicKeyTTL)
	summary, err := svc.CleanupExpiredKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Reaped != 0 {
		t.Errorf("reaped inside grace window: %+v", summary)
	}

	// Past TTL plus grace the retired key goes away.
	*clock = clock.Add(config.GracePeriod + time.Minute)
	summary, err = svc.CleanupExpiredKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Reaped != 1 {
		t.Errorf("summary = %+v, want one reaped", summary)
	}

	set, err := svc.GetJwks("user")
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Keys) != 1 || set.Keys[0].KeyID == oldKid {
		t.Errorf("published keys after reap = %+v", set.Keys)
	}
}

func TestConfigureScheduler(t *testing.T) {
	svc, _ := newService(t)

	interval := 10 * time.Minute
	retries := 5
	if err := svc.ConfigureScheduler(&interval, &retries); err != nil {
		t.Fatalf("ConfigureScheduler() error = %v", err)
	}
	gotInterval, gotRetries := svc.SchedulerSettings()
	if gotInterval != interval || gotRetries != retries {
		t.Errorf("settings = %v, %d", gotInterval, gotRetries)
	}

	// One bad knob rejects the whole request before any change.
	bad := 30 * time.Second
	more := 7
	if err := svc.ConfigureScheduler(&bad, &more); !types.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
	gotInterval, gotRetries = svc.SchedulerSettings()
	if gotInterval != interval || gotRetries != retries {
		t.Errorf("settings changed after rejected request: %v, %d", gotInterval, gotRetries)
	}

	// Nil leaves a knob untouched.
	only := 8
	if err := svc.ConfigureScheduler(nil, &only); err != nil {
		t.Fatal(err)
	}
	gotInterval, gotRetries = svc.SchedulerSettings()
	if gotInterval != interval || gotRetries != only {
		t.Errorf("settings = %v, %d", gotInterval, gotRetries)
	}
}
