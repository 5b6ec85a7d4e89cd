// Package app wires the acquisition subsystem together from a saver.Config.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/backend/backends"
	"github.com/bsaverbot/saver/backend/instagram"
	"github.com/bsaverbot/saver/backend/music"
	"github.com/bsaverbot/saver/backend/youtube"
	"github.com/bsaverbot/saver/database"
	"github.com/bsaverbot/saver/internal/metrics"
	"github.com/bsaverbot/saver/internal/store/boltstore"
	"github.com/bsaverbot/saver/internal/store/memstore"
	"github.com/bsaverbot/saver/internal/store/redisstore"
	"github.com/bsaverbot/saver/proxy"
	"github.com/bsaverbot/saver/ratelimit"
)

type Env interface {
	Context() context.Context
	Logger() *zap.Logger
	Config() *saver.Config
	Store() saver.Store
	Cache() saver.ArtifactCache
	Pool() *proxy.Pool
	Registry() *saver.Registry
	Service() *saver.Service
	MetricsRegistry() *prometheus.Registry
	Close() error
}

type env struct {
	ctx             context.Context
	log             *zap.Logger
	config          *saver.Config
	store           saver.Store
	cache           saver.ArtifactCache
	pool            *proxy.Pool
	registry        *saver.Registry
	service         *saver.Service
	metricsRegistry *prometheus.Registry
	closers         []func() error
}

func (e *env) Context() context.Context {
	return e.ctx
}

func (e *env) Logger() *zap.Logger {
	return e.log
}

func (e *env) Config() *saver.Config {
	return e.config
}

func (e *env) Store() saver.Store {
	return e.store
}

func (e *env) Cache() saver.ArtifactCache {
	return e.cache
}

func (e *env) Pool() *proxy.Pool {
	return e.pool
}

func (e *env) Registry() *saver.Registry {
	return e.registry
}

func (e *env) Service() *saver.Service {
	return e.service
}

func (e *env) MetricsRegistry() *prometheus.Registry {
	return e.metricsRegistry
}

// Close releases everything Build opened, in reverse order.
func (e *env) Close() error {
	var errs *multierror.Error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	e.closers = nil
	return errs.ErrorOrNil()
}

type EnvBuilder interface {
	Build() (Env, error)
	Context(ctx context.Context) EnvBuilder
	Logger(l *zap.Logger) EnvBuilder
	Config(c *saver.Config) EnvBuilder
	// Store overrides the store selected by the configuration.
	Store(s saver.Store) EnvBuilder
	// Rotator overrides the Tor controller.
	Rotator(r proxy.Rotator) EnvBuilder
	Progress(f saver.ProgressFunc) EnvBuilder
}

type envBuilder struct {
	env
	rotator  proxy.Rotator
	progress saver.ProgressFunc
}

func NewEnvBuilder() EnvBuilder {
	return &envBuilder{
		env: env{
			ctx: context.Background(),
			log: zap.L(),
		},
	}
}

func (b *envBuilder) Build() (_ Env, err error) {
	if b.config == nil {
		return nil, fmt.Errorf("must use Config()")
	}
	env := b.env
	env.closers = nil
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()
	log := env.log.Sugar()

	scratch, err := saver.NewScratch(env.config.WorkDir)
	if err != nil {
		return nil, err
	}
	if b.progress != nil {
		scratch = scratch.WithProgress(b.progress)
	}

	if env.store == nil {
		if env.store, err = env.openStore(); err != nil {
			return nil, err
		}
	}

	if env.config.DatabasePath != "" {
		db, err := database.NewDatabase(env.config.DatabasePath, env.log)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		env.closers = append(env.closers, func() error { db.Close(); return nil })
		if err := db.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		env.cache = db
	} else {
		env.cache = saver.NewKVCache(env.store)
	}

	env.metricsRegistry = prometheus.NewRegistry()
	prom := metrics.NewProm("saver")
	if err := prom.Register(env.metricsRegistry); err != nil {
		return nil, err
	}

	rotator := b.rotator
	if rotator == nil {
		rotator = &proxy.TorController{Addr: env.config.TorControlAddr, Password: env.config.TorControlPassword}
	}
	ports, err := proxy.ParsePorts(env.config.ProxyPorts)
	if err != nil {
		return nil, err
	}
	env.pool, err = proxy.New(env.store, rotator,
		proxy.WithHost(env.config.ProxyHost),
		proxy.WithPorts(ports...),
		proxy.WithCooldown(env.config.RotationCooldown),
		proxy.WithMetrics(prom),
	)
	if err != nil {
		return nil, err
	}
	if err := env.pool.Init(env.ctx); err != nil {
		return nil, err
	}
	log.Debugw("proxy pool ready", "routes", env.pool.Size(), "host", env.config.ProxyHost)

	env.registry, err = backends.New(backends.Config{
		Music:     music.NewConfig(env.config.MusicToken),
		YouTube:   youtube.NewConfig(),
		Instagram: instagram.NewConfig(env.pool, ratelimit.New()),
	})
	if err != nil {
		return nil, err
	}
	if env.config.Backends != nil {
		if err := env.config.Backends.Apply(env.registry); err != nil {
			return nil, err
		}
	}
	log.Debugw("backends registered", "order", env.registry.List())

	env.service, err = saver.NewService(saver.ServiceConfig{
		Registry:     env.registry,
		Cache:        env.cache,
		Scratch:      scratch,
		MaxSize:      env.config.MaxFileSize,
		FetchTimeout: env.config.FetchTimeout,
		Retry:        env.config.RetryConfig(),
		Metrics:      prom,
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// openStore picks Redis, then a bbolt file, then memory.
func (e *env) openStore() (saver.Store, error) {
	switch {
	case e.config.RedisURL != "":
		s, err := redisstore.NewFromURL(e.ctx, e.config.RedisURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	case e.config.StatePath != "":
		s, err := boltstore.New(e.config.StatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open state file: %w", err)
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	default:
		e.log.Warn("no shared store configured, state is kept in memory")
		return memstore.New(), nil
	}
}

func (b *envBuilder) Context(ctx context.Context) EnvBuilder {
	b.ctx = ctx
	return b
}

func (b *envBuilder) Logger(l *zap.Logger) EnvBuilder {
	b.log = l
	return b
}

func (b *envBuilder) Config(c *saver.Config) EnvBuilder {
	b.config = c
	return b
}

func (b *envBuilder) Store(s saver.Store) EnvBuilder {
	b.store = s
	return b
}

func (b *envBuilder) Rotator(r proxy.Rotator) EnvBuilder {
	b.rotator = r
	return b
}

func (b *envBuilder) Progress(f saver.ProgressFunc) EnvBuilder {
	b.progress = f
	return b
}
