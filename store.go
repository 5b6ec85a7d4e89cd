package saver

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get for a key that has never been set.
var ErrNotFound = errors.New("key not found")

// UpdateFunc computes the new value of a key from its current value (nil if the key is missing). Returning an error
// aborts the update and leaves the key untouched. It may be called more than once if the store retries a conflicting
// update, so it must not have side effects.
type UpdateFunc = func(current []byte) ([]byte, error)

// A Store is the shared key-value state (proxy routes, delivered artifacts) that outlives the process and is shared
// between all concurrent acquisitions.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update is an atomic read-modify-write of a single key.
	Update(ctx context.Context, key string, f UpdateFunc) error
}
