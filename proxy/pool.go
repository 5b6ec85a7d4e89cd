// Package proxy manages a fixed-size pool of egress routes shared by every concurrent acquisition, and rotates their
// exit identities when all of them are in use.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/r3labs/diff/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/internal/metrics"
	"github.com/bsaverbot/saver/ratelimit"
)

// ErrExhausted means no route was free even after a rotation.
var ErrExhausted = errors.New("no free proxy route")

const (
	DefaultKey      = "proxies"
	DefaultHost     = "127.0.0.1"
	DefaultCooldown = 10 * time.Second
)

// DefaultPorts are the SOCKS ports of the Tor daemon, 9050 to 9061.
var DefaultPorts = func() []int {
	ports := make([]int, 0, 12)
	for p := 9050; p <= 9061; p++ {
		ports = append(ports, p)
	}
	return ports
}()

// errUnchanged aborts a store update that would not change anything.
var errUnchanged = errors.New("unchanged")

type Option func(*Pool)

func WithKey(key string) Option {
	return func(p *Pool) {
		p.key = key
	}
}

func WithHost(host string) Option {
	return func(p *Pool) {
		p.host = host
	}
}

func WithPorts(ports ...int) Option {
	return func(p *Pool) {
		p.ports = append([]int(nil), ports...)
	}
}

// WithCooldown sets how long a rotation waits after requesting new identities before handing out routes.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		p.cooldown = d
	}
}

// WithSleep replaces the cooldown sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) {
		p.sleep = sleep
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Pool hands out routes from a table kept in a saver.Store, so that every process sharing the store sees the same
// routes as busy. A route is never handed out twice without being released in between.
type Pool struct {
	store    saver.Store
	rotator  Rotator
	key      string
	host     string
	ports    []int
	cooldown time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  metrics.Metrics
	log      *zap.SugaredLogger

	rotation singleflight.Group
}

func New(store saver.Store, rotator Rotator, opts ...Option) (*Pool, error) {
	p := &Pool{
		store:    store,
		rotator:  rotator,
		key:      DefaultKey,
		host:     DefaultHost,
		ports:    DefaultPorts,
		cooldown: DefaultCooldown,
		sleep:    ratelimit.Sleep,
		metrics:  metrics.Noop{},
		log:      zap.S().Named("pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if store == nil || rotator == nil {
		return nil, fmt.Errorf("store and rotator are required")
	}
	if len(p.ports) == 0 {
		return nil, fmt.Errorf("at least one port is required")
	}
	return p, nil
}

// Size is the number of routes, which stays the same across rotations.
func (p *Pool) Size() int {
	return len(p.ports)
}

// Init loads the route table, seeding it with every route free if it doesn't exist yet or doesn't match the
// configured routes.
func (p *Pool) Init(ctx context.Context) error {
	err := p.store.Update(ctx, p.key, func(current []byte) ([]byte, error) {
		table, err := p.decode(current)
		if err != nil {
			return nil, err
		}
		if table != nil && p.matches(table) {
			return nil, errUnchanged
		}
		generation := 0
		if table != nil {
			generation = table.Generation + 1
		}
		return json.Marshal(newTable(generation, p.host, p.ports))
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return fmt.Errorf("failed to initialise proxy table: %w", err)
	}
	return nil
}

// Table returns the current route table.
func (p *Pool) Table(ctx context.Context) (*Table, error) {
	data, err := p.store.Get(ctx, p.key)
	if errors.Is(err, saver.ErrNotFound) {
		return newTable(0, p.host, p.ports), nil
	} else if err != nil {
		return nil, err
	}
	return p.decode(data)
}

// Acquire marks a free route busy and returns a lease on it. If every route is busy the pool rotates, once per
// process no matter how many callers are waiting, and the caller that ran the rotation gets the route it reserved.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	lease, err := p.take(ctx)
	if err != nil || lease != nil {
		return lease, err
	}

	p.log.Infow("all routes busy, rotating")
	var reserved *Lease
	_, err, _ = p.rotation.Do("rotate", func() (any, error) {
		// A rotation may have completed between take and Do
		lease, err := p.take(ctx)
		if err != nil || lease != nil {
			reserved = lease
			return nil, err
		}
		reserved, err = p.rotate(context.WithoutCancel(ctx))
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		return reserved, nil
	}

	if lease, err = p.take(ctx); err != nil {
		return nil, err
	} else if lease == nil {
		return nil, ErrExhausted
	}
	return lease, nil
}

// WithRoute runs f with a leased route, releasing it however f exits, including by panic or cancellation of ctx.
func (p *Pool) WithRoute(ctx context.Context, f func(ctx context.Context, route Route) error) (err error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			p.log.Errorw("failed to release route", "route", lease.Route.ID, "error", releaseErr)
		}
	}()
	return f(ctx, lease.Route)
}

// Rotate gets new identities for every route and resets the table, with the first route reserved for the caller.
func (p *Pool) Rotate(ctx context.Context) (*Lease, error) {
	var reserved *Lease
	_, err, _ := p.rotation.Do("rotate", func() (any, error) {
		var err error
		reserved, err = p.rotate(ctx)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	if reserved == nil {
		// Joined a rotation somebody else started
		return p.Acquire(ctx)
	}
	return reserved, nil
}

func (p *Pool) rotate(ctx context.Context) (*Lease, error) {
	if err := p.rotator.NewIdentity(ctx); err != nil {
		return nil, fmt.Errorf("failed to rotate identities: %w", err)
	}
	if err := p.sleep(ctx, p.cooldown); err != nil {
		return nil, err
	}

	var old, next *Table
	err := p.store.Update(ctx, p.key, func(current []byte) ([]byte, error) {
		var err error
		if old, err = p.decode(current); err != nil {
			return nil, err
		}
		generation := 0
		if old != nil {
			generation = old.Generation + 1
		}
		next = newTable(generation, p.host, p.ports)
		next.Routes[0].Busy = true
		return json.Marshal(next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store rotated proxy table: %w", err)
	}

	p.metrics.IncRotations()
	p.log.Infow("rotated routes", "generation", next.Generation, "routes", len(next.Routes))
	if old != nil {
		if changes, err := diff.Diff(old, next); err != nil {
			p.log.Warnw("failed to diff route tables", "error", err)
		} else {
			for _, change := range changes {
				p.log.Debugf("%v: %#v -> %#v", change.Path, change.From, change.To)
			}
		}
	}
	return p.newLease(next.Generation, next.Routes[0]), nil
}

// take marks the first free route busy, or returns nil if there isn't one.
func (p *Pool) take(ctx context.Context) (*Lease, error) {
	var lease *Lease
	err := p.store.Update(ctx, p.key, func(current []byte) ([]byte, error) {
		lease = nil
		table, err := p.decode(current)
		if err != nil {
			return nil, err
		}
		if table == nil {
			table = newTable(0, p.host, p.ports)
		}
		for i := range table.Routes {
			if !table.Routes[i].Busy {
				table.Routes[i].Busy = true
				lease = p.newLease(table.Generation, table.Routes[i])
				return json.Marshal(table)
			}
		}
		return nil, errUnchanged
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, fmt.Errorf("failed to acquire route: %w", err)
	}
	if lease != nil {
		p.log.Debugw("acquired route", "route", lease.Route.ID)
	}
	return lease, nil
}

func (p *Pool) release(ctx context.Context, lease *Lease) error {
	err := p.store.Update(ctx, p.key, func(current []byte) ([]byte, error) {
		table, err := p.decode(current)
		if err != nil {
			return nil, err
		}
		// Routes from before a rotation no longer exist
		if table == nil || table.Generation != lease.Generation {
			return nil, errUnchanged
		}
		for i := range table.Routes {
			if table.Routes[i].ID == lease.Route.ID {
				if !table.Routes[i].Busy {
					return nil, errUnchanged
				}
				table.Routes[i].Busy = false
				return json.Marshal(table)
			}
		}
		return nil, errUnchanged
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return fmt.Errorf("failed to release route %v: %w", lease.Route.ID, err)
	}
	p.log.Debugw("released route", "route", lease.Route.ID)
	return nil
}

func (p *Pool) decode(data []byte) (*Table, error) {
	if data == nil {
		return nil, nil
	}
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to decode proxy table: %w", err)
	}
	return &table, nil
}

// matches returns true if table has exactly the configured routes.
func (p *Pool) matches(table *Table) bool {
	expected := newTable(table.Generation, p.host, p.ports)
	if len(expected.Routes) != len(table.Routes) {
		return false
	}
	for i := range expected.Routes {
		if expected.Routes[i].ID != table.Routes[i].ID || expected.Routes[i].Addr != table.Routes[i].Addr {
			return false
		}
	}
	return true
}

func (p *Pool) newLease(generation int, route Route) *Lease {
	route.Busy = true
	return &Lease{Route: route, Generation: generation, pool: p}
}

// A Lease is the exclusive use of a route until it is released.
type Lease struct {
	Route      Route
	Generation int

	pool     *Pool
	released atomic.Bool
}

// Release returns the route to the pool. Releasing more than once is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.pool.release(ctx, l)
}
