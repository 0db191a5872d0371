package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/types"
)

const (
	pemSuffix = ".pem"
	tmpSuffix = ".tmp"

	privateDir = "private"
	publicDir  = "public"

	privateMode os.FileMode = 0o600
	publicMode  os.FileMode = 0o644
)

// Store persists PEM-encoded key material on the local filesystem, one
// file per kid per partition. Layout under the root:
//
//	<root>/<DOMAIN>/private/<kid>.pem
//	<root>/<DOMAIN>/public/<kid>.pem
//
// The layout is internal to this package; callers only see the operations.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New creates a key store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key store root: %w", err)
	}
	return &Store{root: dir, logger: log.WithComponent("keystore")}, nil
}

func (s *Store) partitionDir(domain, partition string) string {
	return filepath.Join(s.root, types.NormalizeDomain(domain), partition)
}

func (s *Store) keyPath(domain, partition, kid string) string {
	return filepath.Join(s.partitionDir(domain, partition), kid+pemSuffix)
}

// SaveKeyPair writes both PEMs atomically with respect to observers: each
// is written to a sibling .tmp path and renamed into place. On any failure
// after a temp file has been created, all temps and both final paths are
// removed before returning a store error.
func (s *Store) SaveKeyPair(domain, kid string, publicPEM, privatePEM []byte) error {
	pubPath := s.keyPath(domain, publicDir, kid)
	privPath := s.keyPath(domain, privateDir, kid)

	cleanup := func() {
		for _, p := range []string{pubPath + tmpSuffix, privPath + tmpSuffix, pubPath, privPath} {
			_ = os.Remove(p)
		}
	}

	fail := func(op string, err error) error {
		cleanup()
		return types.NewStoreError(op, err)
	}

	for _, dir := range []string{filepath.Dir(pubPath), filepath.Dir(privPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewStoreError("keystore.mkdir", err)
		}
	}

	if err := os.WriteFile(pubPath+tmpSuffix, publicPEM, publicMode); err != nil {
		return fail("keystore.write_public", err)
	}
	if err := os.WriteFile(privPath+tmpSuffix, privatePEM, privateMode); err != nil {
		return fail("keystore.write_private", err)
	}
	if err := os.Rename(pubPath+tmpSuffix, pubPath); err != nil {
		return fail("keystore.commit_public", err)
	}
	if err := os.Rename(privPath+tmpSuffix, privPath); err != nil {
		return fail("keystore.commit_private", err)
	}

	s.logger.Debug().Str("domain", types.NormalizeDomain(domain)).Str("kid", kid).Msg("key pair saved")
	return nil
}

// LoadPrivateKey returns the private PEM for (domain, kid).
func (s *Store) LoadPrivateKey(domain, kid string) ([]byte, error) {
	return s.load(s.keyPath(domain, privateDir, kid), "keystore.load_private")
}

// LoadPublicKey returns the public PEM for (domain, kid).
func (s *Store) LoadPublicKey(domain, kid string) ([]byte, error) {
	return s.load(s.keyPath(domain, publicDir, kid), "keystore.load_public")
}

func (s *Store) load(path, op string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStoreError(op, err)
	}
	return data, nil
}

// ListPrivateKids returns the kids with a private key for domain. Ordering
// is unspecified. A missing domain directory yields an empty list.
func (s *Store) ListPrivateKids(domain string) ([]string, error) {
	return s.list(s.partitionDir(domain, privateDir))
}

// ListPublicKids returns the kids with a public key for domain.
func (s *Store) ListPublicKids(domain string) ([]string, error) {
	return s.list(s.partitionDir(domain, publicDir))
}

func (s *Store) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStoreError("keystore.list", err)
	}

	var kids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, pemSuffix) {
			continue
		}
		kids = append(kids, strings.TrimSuffix(name, pemSuffix))
	}
	return kids, nil
}

// DeletePrivateKey removes the private key file. Missing target is success.
func (s *Store) DeletePrivateKey(domain, kid string) error {
	return s.remove(s.keyPath(domain, privateDir, kid), "keystore.delete_private")
}

// DeletePublicKey removes the public key file. Missing target is success.
func (s *Store) DeletePublicKey(domain, kid string) error {
	return s.remove(s.keyPath(domain, publicDir, kid), "keystore.delete_public")
}

func (s *Store) remove(path, op string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.NewStoreError(op, err)
	}
	return nil
}

// CleanTmpResidue removes .tmp files left behind by a crashed writer.
// Invoked on process start for every known domain.
func (s *Store) CleanTmpResidue(domain string) error {
	for _, partition := range []string{privateDir, publicDir} {
		dir := s.partitionDir(domain, partition)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return types.NewStoreError("keystore.clean_tmp", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpSuffix) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return types.NewStoreError("keystore.clean_tmp", err)
			}
			s.logger.Warn().Str("path", path).Msg("removed tmp residue from crashed writer")
		}
	}
	return nil
}

// Domains enumerates the domains with any key material on disk. Used by
// the startup residue sweep.
func (s *Store) Domains() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStoreError("keystore.domains", err)
	}

	var domains []string
	for _, entry := range entries {
		if entry.IsDir() {
			domains = append(domains, entry.Name())
		}
	}
	return domains, nil
}
