package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/keys"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/types"
)

// MetadataStore is the metadata view the janitor consumes.
type MetadataStore interface {
	ReadAllArchived() ([]*types.KeyMetadata, error)
	ReadOrigin(domain, kid string) (*types.KeyMetadata, error)
	WriteArchive(kid string, meta *types.KeyMetadata) error
	DeleteOrigin(domain, kid string) error
	DeleteArchived(kid string) error
}

// KeyStore removes retired key material.
type KeyStore interface {
	DeletePublicKey(domain, kid string) error
	DeletePrivateKey(domain, kid string) error
}

// Invalidator drops a kid from a read-side cache.
type Invalidator interface {
	Invalidate(kid string)
}

// CleanupSummary reports one janitor pass.
type CleanupSummary struct {
	Examined int `json:"examined"`
	Reaped   int `json:"reaped"`
	Failed   int `json:"failed"`
}

// Janitor removes archived keys whose grace window has elapsed: the
// retained public key, the archive record, and any cached copies. One
// bad record never stops a pass; failures are counted and the item is
// retried on the next pass.
type Janitor struct {
	meta         MetadataStore
	keys         KeyStore
	clock        types.Clock
	invalidators []Invalidator
	logger       zerolog.Logger
}

// Option customizes a Janitor.
type Option func(*Janitor)

// WithClock substitutes the time source.
func WithClock(clock types.Clock) Option {
	return func(j *Janitor) { j.clock = clock }
}

// WithInvalidator registers a read-side cache to flush per reaped kid.
func WithInvalidator(inv Invalidator) Option {
	return func(j *Janitor) { j.invalidators = append(j.invalidators, inv) }
}

// New creates a janitor.
func New(meta MetadataStore, ks KeyStore, opts ...Option) *Janitor {
	j := &Janitor{
		meta:   meta,
		keys:   ks,
		clock:  time.Now,
		logger: log.WithComponent("janitor"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RunCleanup performs one reaping pass over the archive partition.
func (j *Janitor) RunCleanup(ctx context.Context) (CleanupSummary, error) {
	now := types.NowUTC(j.clock)

	records, err := j.meta.ReadAllArchived()
	if err != nil {
		return CleanupSummary{}, err
	}

	summary := CleanupSummary{Examined: len(records)}
	for _, record := range records {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if !record.Expired(now) {
			continue
		}
		if err := j.reap(record); err != nil {
			summary.Failed++
			metrics.JanitorFailuresTotal.Inc()
			j.logger.Error().Err(err).Str("kid", record.Kid).Msg("Failed to reap expired key")
			continue
		}
		summary.Reaped++
		metrics.KeysReapedTotal.Inc()
	}

	j.logger.Info().
		Int("examined", summary.Examined).
		Int("reaped", summary.Reaped).
		Int("failed", summary.Failed).
		Msg("Cleanup pass finished")
	return summary, nil
}

// reap removes one expired key. The public key goes first: a record
// whose key deletion fails stays archived and is retried next pass.
func (j *Janitor) reap(record *types.KeyMetadata) error {
	domain := record.Domain
	if domain == "" {
		// Old records may predate the embedded domain field.
		derived, err := keys.DomainFromKid(record.Kid)
		if err != nil {
			return err
		}
		domain = derived
	}

	if err := j.keys.DeletePublicKey(domain, record.Kid); err != nil {
		return err
	}
	if err := j.meta.DeleteArchived(record.Kid); err != nil {
		return err
	}

	j.invalidate(record.Kid)
	j.logger.Debug().Str("domain", domain).Str("kid", record.Kid).Msg("Expired key reaped")
	return nil
}

func (j *Janitor) invalidate(kid string) {
	for _, inv := range j.invalidators {
		inv.Invalidate(kid)
	}
}

// DeletePublicKey removes one public key and flushes its cached copies.
func (j *Janitor) DeletePublicKey(domain, kid string) error {
	if err := j.keys.DeletePublicKey(domain, kid); err != nil {
		return err
	}
	j.invalidate(kid)
	return nil
}

// DeletePrivateKey removes one private key and flushes its cached copies.
func (j *Janitor) DeletePrivateKey(domain, kid string) error {
	if err := j.keys.DeletePrivateKey(domain, kid); err != nil {
		return err
	}
	j.invalidate(kid)
	return nil
}

// DeleteOriginMetadata removes one origin-partition record.
func (j *Janitor) DeleteOriginMetadata(domain, kid string) error {
	return j.meta.DeleteOrigin(domain, kid)
}

// DeleteArchivedMetadata removes one archive-partition record.
func (j *Janitor) DeleteArchivedMetadata(kid string) error {
	return j.meta.DeleteArchived(kid)
}

// AddKeyExpiry demotes a key's metadata out of the origin partition:
// the archived copy, carrying an expiry of key TTL plus grace period,
// is written before the origin record is removed, so a crash in between
// leaves the record discoverable in both partitions rather than neither.
func (j *Janitor) AddKeyExpiry(domain, kid string, ttl time.Duration) error {
	meta, err := j.meta.ReadOrigin(domain, kid)
	if err != nil {
		return err
	}

	expiry := types.NowUTC(j.clock).Add(ttl)
	archived := *meta
	archived.ExpiresAt = &expiry

	if err := j.meta.WriteArchive(kid, &archived); err != nil {
		return err
	}
	return j.meta.DeleteOrigin(domain, kid)
}
