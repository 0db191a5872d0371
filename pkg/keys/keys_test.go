package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"regexp"
	"testing"
	"time"
)

var kidPattern = regexp.MustCompile(`^[A-Z0-9.-]+-\d{8}-\d{6}-[0-9a-f]{8}$`)

func TestNewKid(t *testing.T) {
	now := time.Date(2026, 8, 24, 13, 45, 9, 0, time.UTC)

	tests := []struct {
		name       string
		domain     string
		wantPrefix string
		wantErr    bool
	}{
		{name: "simple domain", domain: "user", wantPrefix: "USER-20260824-134509-"},
		{name: "already normalized", domain: "SVC", wantPrefix: "SVC-20260824-134509-"},
		{name: "whitespace trimmed", domain: "  payments ", wantPrefix: "PAYMENTS-20260824-134509-"},
		{name: "empty domain", domain: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kid, err := NewKid(tt.domain, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewKid() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !kidPattern.MatchString(kid) {
				t.Errorf("kid %q does not match expected format", kid)
			}
			if got := kid[:len(tt.wantPrefix)]; got != tt.wantPrefix {
				t.Errorf("kid prefix = %q, want %q", got, tt.wantPrefix)
			}
		})
	}
}

func TestNewKidUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		kid, err := NewKid("user", now)
		if err != nil {
			t.Fatalf("NewKid() error = %v", err)
		}
		if seen[kid] {
			t.Fatalf("duplicate kid generated: %s", kid)
		}
		seen[kid] = true
	}
}

func TestDomainFromKid(t *testing.T) {
	tests := []struct {
		name    string
		kid     string
		want    string
		wantErr bool
	}{
		{name: "simple", kid: "USER-20260824-134509-0a1b2c3d", want: "USER"},
		{name: "dashed domain", kid: "MY-SVC-20260824-134509-0a1b2c3d", want: "MY-SVC"},
		{name: "malformed", kid: "nonsense", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DomainFromKid(tt.kid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DomainFromKid() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DomainFromKid() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPEMRoundTrip(t *testing.T) {
	// 2048 bits keeps the test fast; codecs are size-agnostic.
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	privPEM, err := EncodePrivatePEM(key)
	if err != nil {
		t.Fatalf("EncodePrivatePEM() error = %v", err)
	}
	pubPEM, err := EncodePublicPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicPEM() error = %v", err)
	}

	gotPriv, err := ParsePrivatePEM(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivatePEM() error = %v", err)
	}
	if !gotPriv.Equal(key) {
		t.Error("private key did not survive PEM round trip")
	}

	gotPub, err := ParsePublicPEM(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicPEM() error = %v", err)
	}
	if !gotPub.Equal(&key.PublicKey) {
		t.Error("public key did not survive PEM round trip")
	}

	// The private block must never parse as a public key and vice versa.
	if _, err := ParsePublicPEM(privPEM); err == nil {
		t.Error("ParsePublicPEM() accepted a private PEM")
	}
	if _, err := ParsePrivatePEM(pubPEM); err == nil {
		t.Error("ParsePrivatePEM() accepted a public PEM")
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := ParsePrivatePEM([]byte("not pem at all")); err == nil {
		t.Error("ParsePrivatePEM() should reject non-PEM input")
	}
	if _, err := ParsePublicPEM(nil); err == nil {
		t.Error("ParsePublicPEM() should reject empty input")
	}
}
