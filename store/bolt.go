package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketSession = []byte("session")

// Bolt implements the key/value store on a BoltDB file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a BoltDB database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Get reads key from the session bucket.
func (s *Bolt) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSession).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		value = string(v)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("bolt get %q: %w", key, err)
	}
	return value, found, nil
}

// Set writes key in the session bucket.
func (s *Bolt) Set(_ context.Context, key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("bolt set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key from the session bucket.
func (s *Bolt) Remove(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt remove %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying BoltDB.
func (s *Bolt) Close() error {
	return s.db.Close()
}
