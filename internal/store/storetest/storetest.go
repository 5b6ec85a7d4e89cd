// Package storetest checks the behaviour every saver.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/bsaverbot/saver"
)

func Run(t *testing.T, store saver.Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, store) })
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, store) })
	t.Run("UpdateAbort", func(t *testing.T) { testUpdateAbort(t, store) })
	t.Run("UpdateConcurrent", func(t *testing.T) { testUpdateConcurrent(t, store) })
}

func testGetMissing(t *testing.T, store saver.Store) {
	_, err := store.Get(context.Background(), "missing")
	assert_.ErrorIs(t, err, saver.ErrNotFound)
}

func testSetGet(t *testing.T, store saver.Store) {
	assert := assert_.New(t)
	require := require_.New(t)
	ctx := context.Background()

	require.NoError(store.Set(ctx, "key", []byte("one")))
	value, err := store.Get(ctx, "key")
	require.NoError(err)
	assert.Equal("one", string(value))

	require.NoError(store.Set(ctx, "key", []byte("two")))
	value, err = store.Get(ctx, "key")
	require.NoError(err)
	assert.Equal("two", string(value))
}

func testUpdateAbort(t *testing.T, store saver.Store) {
	assert := assert_.New(t)
	require := require_.New(t)
	ctx := context.Background()
	errAbort := errors.New("abort")

	require.NoError(store.Set(ctx, "abort", []byte("kept")))
	err := store.Update(ctx, "abort", func(current []byte) ([]byte, error) {
		assert.Equal("kept", string(current))
		return nil, errAbort
	})
	assert.ErrorIs(err, errAbort)
	value, err := store.Get(ctx, "abort")
	require.NoError(err)
	assert.Equal("kept", string(value))

	err = store.Update(ctx, "abort-missing", func(current []byte) ([]byte, error) {
		assert.Nil(current)
		return nil, errAbort
	})
	assert.ErrorIs(err, errAbort)
	_, err = store.Get(ctx, "abort-missing")
	assert.ErrorIs(err, saver.ErrNotFound)
}

func testUpdateConcurrent(t *testing.T, store saver.Store) {
	assert := assert_.New(t)
	ctx := context.Background()
	const workers, increments = 8, 10

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				err := store.Update(ctx, "counter", func(current []byte) ([]byte, error) {
					n := 0
					if current != nil {
						var err error
						if n, err = strconv.Atoi(string(current)); err != nil {
							return nil, err
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				assert.NoError(err)
			}
		}()
	}
	wg.Wait()

	value, err := store.Get(ctx, "counter")
	assert.NoError(err)
	assert.Equal(strconv.Itoa(workers*increments), string(value))
}
