// Package accesskeys persists the standing authorization of claim credentials in bbolt.
package accesskeys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MethodClaim is the only method a claim credential is authorized to call.
const MethodClaim = "claim"

var (
	bucketAccessKeys = []byte("access_keys")

	// ErrMissingCredential indicates an empty credential.
	ErrMissingCredential = errors.New("accesskeys: credential is required")
	errMissingPath       = errors.New("accesskeys: path is required")
)

// Grant is the stored authorization record of one credential.
type Grant struct {
	Method           string `json:"method"`
	Allowance        uint64 `json:"allowance"`
	GrantedAtSeconds int64  `json:"granted_at_s"`
}

// Store keeps grants in a single bbolt bucket keyed by credential.
type Store struct {
	db    *bolt.DB
	clock func() time.Time
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errMissingPath
	}
	if dir := filepath.Dir(trimmed); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("accesskeys: create dir: %w", err)
		}
	}

	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("accesskeys: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccessKeys)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("accesskeys: create bucket: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Grant authorizes credential to call method. An existing grant is replaced.
func (s *Store) Grant(credential, method string, allowance uint64) error {
	if credential == "" {
		return ErrMissingCredential
	}
	record, err := json.Marshal(Grant{
		Method:           method,
		Allowance:        allowance,
		GrantedAtSeconds: s.clock().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccessKeys).Put([]byte(credential), record)
	})
}

// Revoke removes the grant of credential and reports whether one existed.
func (s *Store) Revoke(credential string) (bool, error) {
	if credential == "" {
		return false, ErrMissingCredential
	}
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAccessKeys)
		if bucket.Get([]byte(credential)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(credential))
	})
	return existed, err
}

// Lookup returns the grant of credential.
func (s *Store) Lookup(credential string) (Grant, bool, error) {
	var grant Grant
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAccessKeys).Get([]byte(credential))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &grant)
	})
	if err != nil {
		return Grant{}, false, err
	}
	return grant, found, nil
}

// Authorized reports whether credential holds a grant for method.
func (s *Store) Authorized(credential, method string) (bool, error) {
	grant, found, err := s.Lookup(credential)
	if err != nil || !found {
		return false, err
	}
	return grant.Method == method, nil
}

// Count returns the number of stored grants.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketAccessKeys).Stats().KeyN
		return nil
	})
	return count, err
}
