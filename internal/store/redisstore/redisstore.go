// Package redisstore is a saver.Store in Redis, shared by every process of a deployment.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bsaverbot/saver"
)

// DefaultMaxUpdateRetries bounds how often Update retries after losing an optimistic transaction.
const DefaultMaxUpdateRetries = 32

type Store struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func WithMaxUpdateRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "saver:", maxRetries: DefaultMaxUpdateRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromURL connects to a redis:// URL and checks the connection.
func NewFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saver.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

// Update is an optimistic WATCH/MULTI transaction, retried while another client changes the key underneath it.
func (s *Store) Update(ctx context.Context, key string, f saver.UpdateFunc) error {
	key = s.prefix + key
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := f(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update of %v: %w after %d attempts", key, redis.TxFailedErr, s.maxRetries)
}

var _ saver.Store = (*Store)(nil)
