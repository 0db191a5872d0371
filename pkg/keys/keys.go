package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/keymaster/pkg/types"
)

const (
	// Signing key size: 4096 bits. Signing keys are long-lived relative to
	// the tokens they sign, so the larger modulus is worth the wire cost.
	KeySize = 4096

	pemTypePrivate = "PRIVATE KEY"
	pemTypePublic  = "PUBLIC KEY"

	kidSuffixBytes = 4 // 8 hex chars
)

// NewKid builds a key identifier of the form
// <DOMAIN>-<YYYYMMDD>-<HHMMSS>-<8 hex chars>. The embedded domain makes a
// kid self-describing for routing; the timestamp portion is informational
// only and is never used for ordering decisions.
func NewKid(domain string, now time.Time) (string, error) {
	domain = types.NormalizeDomain(domain)
	if domain == "" {
		return "", types.NewValidationError("domain", "must not be empty")
	}

	suffix := make([]byte, kidSuffixBytes)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate kid suffix: %w", err)
	}

	ts := now.UTC()
	return fmt.Sprintf("%s-%s-%s-%s",
		domain,
		ts.Format("20060102"),
		ts.Format("150405"),
		hex.EncodeToString(suffix),
	), nil
}

// DomainFromKid recovers the normalized domain embedded in a kid. Domains
// may themselves contain dashes, so the date, time, and random segments
// are stripped from the end.
func DomainFromKid(kid string) (string, error) {
	parts := strings.Split(kid, "-")
	if len(parts) < 4 {
		return "", types.NewValidationError("kid", "malformed identifier %q", kid)
	}
	return strings.Join(parts[:len(parts)-3], "-"), nil
}

// GenerateKeyPair generates a fresh RSA signing key.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// EncodePrivatePEM serializes a private key as PKCS#8 PEM.
func EncodePrivatePEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der}), nil
}

// EncodePublicPEM serializes a public key as SPKI PEM.
func EncodePublicPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der}), nil
}

// ParsePrivatePEM parses a PKCS#8 PEM private key.
func ParsePrivatePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivate {
		return nil, fmt.Errorf("no %s PEM block found", pemTypePrivate)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}

// ParsePublicPEM parses an SPKI PEM public key.
func ParsePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublic {
		return nil, fmt.Errorf("no %s PEM block found", pemTypePublic)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", parsed)
	}
	return key, nil
}

// GeneratePair generates a key pair and returns both PEM encodings in one
// step, as consumed by the rotation engine.
func GeneratePair() (privatePEM, publicPEM []byte, err error) {
	key, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	privatePEM, err = EncodePrivatePEM(key)
	if err != nil {
		return nil, nil, err
	}
	publicPEM, err = EncodePublicPEM(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privatePEM, publicPEM, nil
}
