// Package bolt persists cache snapshots in a local bbolt file, one key per user session.
package bolt

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("snapshots")

// SnapshotStore is a domain.SnapshotStore backed by bbolt.
// Bolt is fine for a handful of small blobs rewritten on every cache mutation.
type SnapshotStore struct {
	db *bolt.DB
}

// Open opens or creates the database file.
func Open(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Load(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			// v is only valid inside the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *SnapshotStore) Save(key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *SnapshotStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Keys lists every stored key.
func (s *SnapshotStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
