// Package ratelimit paces calls to remote platforms that throttle or ban aggressive clients.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMin       = 1 * time.Second
	DefaultMax       = 3 * time.Second
	DefaultPerWindow = 20
	DefaultWindow    = 10 * time.Minute
)

// A Limiter inserts a random delay before each remote call, and advertises the number of calls a client may make per
// window. It keeps no record of calls made; enforcing the ceiling is up to the client.
type Limiter struct {
	min, max  time.Duration
	perWindow int
	window    time.Duration

	mu    sync.Mutex
	rand  *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

// WithJitter sets the delay bounds. max < min is treated as max == min.
func WithJitter(min, max time.Duration) Option {
	return func(l *Limiter) {
		l.min, l.max = min, max
	}
}

func WithCeiling(perWindow int, window time.Duration) Option {
	return func(l *Limiter) {
		l.perWindow, l.window = perWindow, window
	}
}

// WithSource replaces the random source, for deterministic tests.
func WithSource(src rand.Source) Option {
	return func(l *Limiter) {
		l.rand = rand.New(src)
	}
}

// WithSleep replaces the sleep function, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.sleep = sleep
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		min:       DefaultMin,
		max:       DefaultMax,
		perWindow: DefaultPerWindow,
		window:    DefaultWindow,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.max < l.min {
		l.max = l.min
	}
	return l
}

// Delay picks the next delay, uniformly in [min, max].
func (l *Limiter) Delay() time.Duration {
	span := int64(l.max - l.min)
	if span <= 0 {
		return l.min
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.min + time.Duration(l.rand.Int63n(span+1))
}

// Wait sleeps for a random delay, returning early with the context's error if it is done first.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.sleep(ctx, l.Delay())
}

// PerWindow is the maximum number of calls a client should make per Window.
func (l *Limiter) PerWindow() int {
	return l.perWindow
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
