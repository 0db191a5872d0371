package metastore

import (
	"encoding/json"
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
	metaSuffix = ".meta"
	tmpSuffix  = ".tmp"

	originDir  = "origin"
	archiveDir = "archive"
)

// Store persists per-kid metadata records as JSON files in two
// partitions. The origin partition is domain-scoped; the archive
// partition is global, keyed by kid alone, because an archived record
// embeds its domain.
//
//	<root>/origin/<DOMAIN>/<kid>.meta
//	<root>/archive/<kid>.meta
type Store struct {
	root   string
	logger zerolog.Logger
}

// New creates a metadata store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, originDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata store root: %w", err)
	}
	return &Store{root: dir, logger: log.WithComponent("metastore")}, nil
}

func (s *Store) originPath(domain, kid string) string {
	return filepath.Join(s.root, originDir, types.NormalizeDomain(domain), kid+metaSuffix)
}

func (s *Store) archivePath(kid string) string {
	return filepath.Join(s.root, archiveDir, kid+metaSuffix)
}

// writeAtomic writes the record to a sibling .tmp file and renames it into
// place, creating the parent directory if absent.
func (s *Store) writeAtomic(path string, meta *types.KeyMetadata, op string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NewStoreError(op, err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return types.NewStoreError(op, err)
	}
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.NewStoreError(op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return types.NewStoreError(op, err)
	}
	return nil
}

func (s *Store) read(path, op string) (*types.KeyMetadata, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStoreError(op, err)
	}
	var meta types.KeyMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, types.NewStoreError(op, err)
	}
	return &meta, nil
}

func (s *Store) remove(path, op string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.NewStoreError(op, err)
	}
	return nil
}

// WriteOrigin stores an origin-partition record for (domain, kid).
func (s *Store) WriteOrigin(domain, kid string, meta *types.KeyMetadata) error {
	return s.writeAtomic(s.originPath(domain, kid), meta, "metastore.write_origin")
}

// ReadOrigin returns the origin record for (domain, kid).
func (s *Store) ReadOrigin(domain, kid string) (*types.KeyMetadata, error) {
	return s.read(s.originPath(domain, kid), "metastore.read_origin")
}

// DeleteOrigin removes the origin record. Missing target is success.
func (s *Store) DeleteOrigin(domain, kid string) error {
	return s.remove(s.originPath(domain, kid), "metastore.delete_origin")
}

// ListOriginKids enumerates origin-partition kids for a domain.
func (s *Store) ListOriginKids(domain string) ([]string, error) {
	return s.listKids(filepath.Join(s.root, originDir, types.NormalizeDomain(domain)))
}

// WriteArchive stores an archive-partition record, creating the archive
// container directory if absent.
func (s *Store) WriteArchive(kid string, meta *types.KeyMetadata) error {
	return s.writeAtomic(s.archivePath(kid), meta, "metastore.write_archive")
}

// ReadArchived returns the archived record for kid.
func (s *Store) ReadArchived(kid string) (*types.KeyMetadata, error) {
	return s.read(s.archivePath(kid), "metastore.read_archived")
}

// DeleteArchived removes the archived record. Missing target is success.
func (s *Store) DeleteArchived(kid string) error {
	return s.remove(s.archivePath(kid), "metastore.delete_archived")
}

// ListArchivedKids enumerates all archived kids.
func (s *Store) ListArchivedKids() ([]string, error) {
	return s.listKids(filepath.Join(s.root, archiveDir))
}

// ReadAllArchived returns every archive-partition record. Used by the
// janitor and snapshot builders.
func (s *Store) ReadAllArchived() ([]*types.KeyMetadata, error) {
	kids, err := s.ListArchivedKids()
	if err != nil {
		return nil, err
	}

	records := make([]*types.KeyMetadata, 0, len(kids))
	for _, kid := range kids {
		meta, err := s.ReadArchived(kid)
		if errors.Is(err, types.ErrNotFound) {
			// Reaped between listing and reading.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, meta)
	}
	return records, nil
}

func (s *Store) listKids(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStoreError("metastore.list", err)
	}

	var kids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		kids = append(kids, strings.TrimSuffix(name, metaSuffix))
	}
	return kids, nil
}
