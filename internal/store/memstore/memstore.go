// Package memstore is an in-process saver.Store, for tests and single-process runs that don't need state to survive
// a restart.
package memstore

import (
	"context"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/internal/sync_"
)

type Store struct {
	data *sync_.RWMutexed[map[string][]byte]
}

func New() *Store {
	return &Store{data: sync_.NewRWMutexed(make(map[string][]byte))}
}

func (s *Store) Get(_ context.Context, key string) (value []byte, err error) {
	err = s.data.RLocked(func(data map[string][]byte) error {
		v, ok := data[key]
		if !ok {
			return saver.ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	return s.data.Locked(func(data map[string][]byte) error {
		data[key] = append([]byte(nil), value...)
		return nil
	})
}

func (s *Store) Update(_ context.Context, key string, f saver.UpdateFunc) error {
	return s.data.Locked(func(data map[string][]byte) error {
		var current []byte
		if v, ok := data[key]; ok {
			current = append([]byte(nil), v...)
		}
		next, err := f(current)
		if err != nil {
			return err
		}
		data[key] = append([]byte(nil), next...)
		return nil
	})
}

var _ saver.Store = (*Store)(nil)
