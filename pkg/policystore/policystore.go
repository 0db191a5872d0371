package policystore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/types"
)

var bucketPolicies = []byte("rotation_policies")

// Store persists per-domain rotation policies in BoltDB, keyed by the
// normalized domain. Policy mutations that participate in a rotation run
// inside an explicit writable transaction exposed as a Session, so the
// rotation engine can commit or abort the policy flip together with any
// caller-supplied transactional effects.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (or creates) the policy database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "policies.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPolicies)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create policy bucket: %w", err)
	}

	return &Store{db: db, logger: log.WithComponent("policystore")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session is a transactional handle over the policy store. Commit makes
// all session writes durable; Abort discards them; End releases the
// handle, rolling back if neither was called.
type Session interface {
	Commit() error
	Abort() error
	End() error
}

type boltSession struct {
	tx   *bolt.Tx
	done bool
}

func (s *boltSession) Commit() error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return types.NewStoreError("policystore.commit", err)
	}
	return nil
}

func (s *boltSession) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil {
		return types.NewStoreError("policystore.abort", err)
	}
	return nil
}

func (s *boltSession) End() error {
	return s.Abort()
}

// GetSession begins a writable transaction.
func (s *Store) GetSession() (Session, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, types.NewStoreError("policystore.begin", err)
	}
	return &boltSession{tx: tx}, nil
}

func asBoltSession(sess Session) (*boltSession, error) {
	bs, ok := sess.(*boltSession)
	if !ok {
		return nil, fmt.Errorf("session is %T, not a policy store session", sess)
	}
	if bs.done {
		return nil, fmt.Errorf("session already finished")
	}
	return bs, nil
}

func getPolicy(tx *bolt.Tx, domain string) (*types.RotationPolicy, error) {
	data := tx.Bucket(bucketPolicies).Get([]byte(domain))
	if data == nil {
		return nil, fmt.Errorf("policy for %s: %w", domain, types.ErrNotFound)
	}
	var policy types.RotationPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, types.NewStoreError("policystore.decode", err)
	}
	return &policy, nil
}

func putPolicy(tx *bolt.Tx, policy *types.RotationPolicy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return types.NewStoreError("policystore.encode", err)
	}
	if err := tx.Bucket(bucketPolicies).Put([]byte(policy.Domain), data); err != nil {
		return types.NewStoreError("policystore.put", err)
	}
	return nil
}

// FindByDomain returns the policy for a domain.
func (s *Store) FindByDomain(domain string) (*types.RotationPolicy, error) {
	domain = types.NormalizeDomain(domain)
	var policy *types.RotationPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		policy, err = getPolicy(tx, domain)
		return err
	})
	return policy, err
}

// CreatePolicy stores a new policy. A policy for the same domain already
// present yields ErrExists.
func (s *Store) CreatePolicy(policy *types.RotationPolicy) error {
	policy.Domain = types.NormalizeDomain(policy.Domain)
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPolicies).Get([]byte(policy.Domain)) != nil {
			return fmt.Errorf("policy for %s: %w", policy.Domain, types.ErrExists)
		}
		return putPolicy(tx, policy)
	})
}

// UpdatePolicy replaces an existing policy.
func (s *Store) UpdatePolicy(policy *types.RotationPolicy) error {
	policy.Domain = types.NormalizeDomain(policy.Domain)
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPolicies).Get([]byte(policy.Domain)) == nil {
			return fmt.Errorf("policy for %s: %w", policy.Domain, types.ErrNotFound)
		}
		return putPolicy(tx, policy)
	})
}

// DeletePolicy removes a policy. Missing target is success.
func (s *Store) DeletePolicy(domain string) error {
	domain = types.NormalizeDomain(domain)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPolicies).Delete([]byte(domain)); err != nil {
			return types.NewStoreError("policystore.delete", err)
		}
		return nil
	})
}

// Enable marks a policy eligible for scheduled rotation.
func (s *Store) Enable(domain string) error {
	return s.setEnabled(domain, true)
}

// Disable excludes a policy from scheduled rotation.
func (s *Store) Disable(domain string) error {
	return s.setEnabled(domain, false)
}

func (s *Store) setEnabled(domain string, enabled bool) error {
	domain = types.NormalizeDomain(domain)
	return s.db.Update(func(tx *bolt.Tx) error {
		policy, err := getPolicy(tx, domain)
		if err != nil {
			return err
		}
		policy.Enabled = enabled
		return putPolicy(tx, policy)
	})
}

// GetDueForRotation returns the enabled policies whose nextRotationAt has
// passed.
func (s *Store) GetDueForRotation(now time.Time) ([]*types.RotationPolicy, error) {
	var due []*types.RotationPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.RotationPolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return types.NewStoreError("policystore.decode", err)
			}
			if policy.Due(now) {
				due = append(due, &policy)
			}
			return nil
		})
	})
	return due, err
}

// FindInSession reads a policy inside an open session.
func (s *Store) FindInSession(sess Session, domain string) (*types.RotationPolicy, error) {
	bs, err := asBoltSession(sess)
	if err != nil {
		return nil, err
	}
	return getPolicy(bs.tx, types.NormalizeDomain(domain))
}

// UpdateRotationDates rewrites the rotation bookkeeping fields of a policy
// inside an open session.
type UpdateRotationDates struct {
	Domain         string
	ActiveKid      string
	RotatedAt      time.Time
	NextRotationAt time.Time
}

// UpdateRotationDatesInSession applies the given dates and active kid
// within the session.
func (s *Store) UpdateRotationDatesInSession(sess Session, update UpdateRotationDates) error {
	bs, err := asBoltSession(sess)
	if err != nil {
		return err
	}
	policy, err := getPolicy(bs.tx, types.NormalizeDomain(update.Domain))
	if err != nil {
		return err
	}
	policy.ActiveKid = update.ActiveKid
	policy.RotatedAt = update.RotatedAt
	policy.NextRotationAt = update.NextRotationAt
	return putPolicy(bs.tx, policy)
}

// AcknowledgeSuccessfulRotation flips the active kid to newKid within the
// session and recomputes the rotation dates: rotatedAt becomes now and
// nextRotationAt becomes now plus the policy interval.
func (s *Store) AcknowledgeSuccessfulRotation(sess Session, domain string, intervalDays int, newKid string, now time.Time) error {
	return s.UpdateRotationDatesInSession(sess, UpdateRotationDates{
		Domain:         domain,
		ActiveKid:      newKid,
		RotatedAt:      now,
		NextRotationAt: now.Add(time.Duration(intervalDays) * 24 * time.Hour),
	})
}
