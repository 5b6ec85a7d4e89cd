// Package boltstore is a saver.Store in a bbolt file, for a single process whose state (proxy routes, delivered
// artifacts) must survive restarts.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/bsaverbot/saver"
)

var Buckets = struct {
	Metadata []byte
	State    []byte
}{
	Metadata: []byte("__metadata__"),
	State:    []byte("state"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

type Store struct {
	db *bbolt.DB
}

func New(path string) (_ *Store, err error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.State); err != nil {
			return err
		}

		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("state file version %d is newer than supported version %d", version, currentVersion)
		}

		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) (value []byte, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(Buckets.State).Get([]byte(key))
		if v == nil {
			return saver.ErrNotFound
		}
		// Only valid for the lifetime of the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.State).Put([]byte(key), value)
	})
}

// Update runs f inside a read-write transaction, which bbolt serializes with every other writer of the file.
func (s *Store) Update(_ context.Context, key string, f saver.UpdateFunc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.State)
		var current []byte
		if v := bucket.Get([]byte(key)); v != nil {
			current = append([]byte(nil), v...)
		}
		next, err := f(current)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), next)
	})
}

var _ saver.Store = (*Store)(nil)
