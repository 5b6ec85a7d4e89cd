package saver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bsaverbot/saver/internal/metrics"
	"github.com/bsaverbot/saver/util"
)

// ErrNoDirectLink is returned by Service.DirectLink for backends that can only download.
var ErrNoDirectLink = errors.New("backend cannot produce a direct link")

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Registry *Registry
	Cache    ArtifactCache
	Scratch  *Scratch
	// MaxSize is the artifact size ceiling in bytes.
	MaxSize int64
	// FetchTimeout bounds a single Locate+Fetch attempt.
	FetchTimeout time.Duration
	Retry        RetryConfig
	Metrics      metrics.Metrics
}

// A Result is what Service.Acquire produces: either a freshly fetched Artifact, or the CacheEntry of an earlier
// delivery of the same link.
type Result struct {
	Artifact *Artifact
	Cached   *CacheEntry
}

func (r *Result) IsCached() bool {
	return r.Cached != nil
}

// Service is the entry point of the acquisition subsystem: cache lookup, backend selection, rate-limited fetch with
// bounded retries, and cache population once the caller has delivered the artifact.
//
// Concurrent requests for the same uncached link are serialized: the first one runs the fetch, and everybody who
// asks while it's running waits for it. Each waiter gets its own file (a clone of the fetched one), because each
// caller deletes its artifact after delivery.
type Service struct {
	config ServiceConfig
	log    *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[request]*flight
}

func NewService(config ServiceConfig) (*Service, error) {
	if config.Registry == nil || config.Cache == nil || config.Scratch == nil {
		return nil, fmt.Errorf("registry, cache and scratch are required")
	}
	if config.MaxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive")
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Minute
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryConfig()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Noop{}
	}
	return &Service{
		config:   config,
		log:      zap.S().Named("service"),
		inflight: make(map[request]*flight),
	}, nil
}

// ValidateLink returns ErrInvalidLink unless link is a non-empty absolute http(s) URL.
func ValidateLink(link string) error {
	if link == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLink)
	}
	if _, err := util.ParseHTTPURL(link); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	return nil
}

// Acquire returns the cached delivery of link if there is one, otherwise fetches it. Errors are either one of the
// business errors, a *FaultError, or the context's error.
func (s *Service) Acquire(ctx context.Context, link string) (*Result, error) {
	return s.AcquireWith(ctx, link, "")
}

// AcquireWith is Acquire using the named backend instead of the first one claiming link. An empty name means the
// first one claiming link.
func (s *Service) AcquireWith(ctx context.Context, link string, backend string) (*Result, error) {
	link = NormalizeLink(link)
	if err := ValidateLink(link); err != nil {
		return nil, err
	}
	if backend != "" {
		if err := s.config.Registry.checkKnown([]string{backend}); err != nil {
			return nil, err
		}
	}
	log := s.logger(ctx).With("link", link)

	cached, err := s.config.Cache.Lookup(ctx, link)
	if err != nil {
		log.Errorw("cache lookup failed", "error", err)
		return nil, &FaultError{Link: link, Backend: "cache", Attempts: 1, Err: err}
	}
	if entry, ok := cached.Get(); ok {
		log.Debugw("cache hit", "reference", entry.Reference)
		s.config.Metrics.IncCacheHits()
		return &Result{Cached: &entry}, nil
	}

	artifact, err := s.join(ctx, request{link: link, backend: backend})
	if err != nil {
		return nil, err
	}
	return &Result{Artifact: artifact}, nil
}

// RecordDelivery populates the cache for link, once the caller has delivered its artifact and holds a durable
// reference to it.
func (s *Service) RecordDelivery(ctx context.Context, link string, reference string, format string) error {
	link = NormalizeLink(link)
	if err := ValidateLink(link); err != nil {
		return err
	}
	if reference == "" {
		return fmt.Errorf("empty delivery reference")
	}
	entry := CacheEntry{
		Link:       link,
		Reference:  reference,
		Format:     format,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.config.Cache.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	s.logger(ctx).Debugw("delivery recorded", "link", link, "reference", reference, "format", format)
	return nil
}

// DirectLink resolves link to a URL the media can be downloaded from directly. Backends that can only download fail
// with ErrNoDirectLink, which is also an ErrUnsupportedOrigin.
func (s *Service) DirectLink(ctx context.Context, link string) (string, error) {
	link = NormalizeLink(link)
	if err := ValidateLink(link); err != nil {
		return "", err
	}
	match, err := s.config.Registry.Resolve(s.backendEnv(link))
	if err != nil {
		return "", err
	}
	linker, ok := match.Backend.(Linker)
	if !ok {
		return "", fmt.Errorf("%w: %w: %v", ErrUnsupportedOrigin, ErrNoDirectLink, match.BackendName)
	}
	var direct string
	attempts, err := Retry(ctx, s.config.Retry, func(ctx context.Context, _ int) error {
		return s.scoped(ctx, match.Backend, func(ctx context.Context) (err error) {
			direct, err = linker.DirectLink(ctx)
			return err
		})
	})
	if err != nil && !IsBusiness(err) {
		return "", &FaultError{Link: link, Backend: match.BackendName, Attempts: attempts, Err: err}
	}
	return direct, err
}

func (s *Service) backendEnv(link string) BackendEnv {
	return BackendEnv{
		Link:    link,
		Scratch: s.config.Scratch,
		MaxSize: s.config.MaxSize,
	}
}

func (s *Service) resolve(link string, backend string) (*Match, error) {
	if backend == "" {
		return s.config.Registry.Resolve(s.backendEnv(link))
	}
	return s.config.Registry.MatchWith(backend, s.backendEnv(link))
}

// fetch resolves, locates and fetches link, with retries for faults.
func (s *Service) fetch(ctx context.Context, link string, backend string) (*Artifact, error) {
	log := s.logger(ctx).With("link", link)
	match, err := s.resolve(link, backend)
	if err != nil {
		if IsBusiness(err) {
			s.config.Metrics.IncAcquisitions("", outcome(err))
			return nil, err
		}
		log.Errorw("failed to select backend", "error", err)
		return nil, &FaultError{Link: link, Attempts: 1, Err: err}
	}
	log = log.With("backend", match.BackendName)
	log.Infow("fetching")

	start := time.Now()
	var artifact *Artifact
	attempts, err := Retry(ctx, s.config.Retry, func(ctx context.Context, attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
		defer cancel()
		a, err := s.attempt(ctx, link, match)
		if err != nil {
			if !IsBusiness(err) {
				log.Warnw("fetch attempt failed", "attempt", attempt, "error", err)
			}
			return err
		}
		artifact = a
		return nil
	})
	s.config.Metrics.ObserveFetchDuration(match.BackendName, time.Since(start).Seconds())
	s.config.Metrics.IncAcquisitions(match.BackendName, outcome(err))
	if err != nil {
		if IsBusiness(err) {
			log.Infow("fetch rejected", "reason", err)
			return nil, err
		}
		log.Errorw("fetch failed", "attempts", attempts, "error", err)
		return nil, &FaultError{Link: link, Backend: match.BackendName, Attempts: attempts, Err: err}
	}
	log.Infow("fetched", "path", artifact.Path, "size", artifact.Size, "attempts", attempts)
	return artifact, nil
}

// attempt runs one Locate+Fetch, inside the backend's scope if it has one.
func (s *Service) attempt(ctx context.Context, link string, match *Match) (artifact *Artifact, err error) {
	err = s.scoped(ctx, match.Backend, func(ctx context.Context) error {
		obj, err := match.Backend.Locate(ctx)
		if err != nil {
			return err
		}
		artifact, err = match.Backend.Fetch(ctx, obj)
		return err
	})
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("backend %v returned no artifact", match.BackendName)
	}
	if artifact.Size > s.config.MaxSize {
		if err := s.config.Scratch.Remove(artifact.Path); err != nil {
			s.log.Warnw("failed to remove oversized artifact", "path", artifact.Path, "error", err)
		}
		return nil, ErrEntityTooLarge
	}
	if artifact.Backend == "" {
		artifact.Backend = match.BackendName
	}
	if artifact.Link == "" {
		artifact.Link = link
	}
	return artifact, nil
}

func (s *Service) scoped(ctx context.Context, backend Backend, f func(ctx context.Context) error) error {
	if scoper, ok := backend.(Scoper); ok {
		return scoper.Scope(ctx, f)
	}
	return f(ctx)
}

func (s *Service) logger(ctx context.Context) *zap.SugaredLogger {
	return Logger(ctx).Sugar().Named("service")
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "fetched"
	case errors.Is(err, ErrUnsupportedOrigin):
		return "unsupported_origin"
	case errors.Is(err, ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupportedMediaType):
		return "unsupported_media_type"
	case errors.Is(err, ErrEntityTooLarge):
		return "too_large"
	default:
		return "fault"
	}
}

// A flight is one in-progress fetch of a link, shared by everybody who asked for the link while it ran.
type flight struct {
	done    chan struct{}
	waiters int
	// Filled in before done is closed, one slot per waiter.
	artifacts []*Artifact
	errs      []error
}

func (f *flight) take(i int) (*Artifact, error) {
	if f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.artifacts[i], nil
}

// A request is what identifies a flight: the same link forced to different backends is fetched separately.
type request struct {
	link    string
	backend string
}

// join waits for the in-flight fetch of req, starting one if there isn't any. The fetch itself isn't cancelled by
// any single waiter giving up; a waiter that gives up has its artifact cleaned up when the fetch completes.
func (s *Service) join(ctx context.Context, req request) (*Artifact, error) {
	s.mu.Lock()
	f, ok := s.inflight[req]
	if !ok {
		f = &flight{done: make(chan struct{})}
		s.inflight[req] = f
		go s.run(context.WithoutCancel(ctx), req, f)
	} else {
		s.logger(ctx).Debugw("joining in-flight fetch", "link", req.link)
	}
	i := f.waiters
	f.waiters++
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.take(i)
	case <-ctx.Done():
		go func() {
			<-f.done
			if artifact, err := f.take(i); err == nil {
				_ = s.config.Scratch.Remove(artifact.Path)
			}
		}()
		return nil, ctx.Err()
	}
}

// guardedFetch is fetch, with a panic in a backend turned into a fault instead of taking down the process.
func (s *Service) guardedFetch(ctx context.Context, req request) (artifact *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger(ctx).Errorw("fetch panicked", "link", req.link, "panic", r, "stack", string(debug.Stack()))
			s.config.Metrics.IncAcquisitions(req.backend, outcome(ErrFault))
			artifact = nil
			err = &FaultError{Link: req.link, Backend: req.backend, Attempts: 1, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.fetch(ctx, req.link, req.backend)
}

func (s *Service) run(ctx context.Context, req request, f *flight) {
	link := req.link
	artifact, err := s.guardedFetch(ctx, req)

	s.mu.Lock()
	delete(s.inflight, req)
	n := f.waiters
	s.mu.Unlock()

	f.artifacts = make([]*Artifact, n)
	f.errs = make([]error, n)
	for i := range f.errs {
		f.errs[i] = err
	}
	if err == nil {
		f.artifacts[0] = artifact
		for i := 1; i < n; i++ {
			path, err := s.config.Scratch.Clone(artifact.Path)
			if err != nil {
				f.errs[i] = &FaultError{Link: link, Backend: artifact.Backend, Attempts: 1, Err: err}
				continue
			}
			clone := *artifact
			clone.Path = path
			f.artifacts[i] = &clone
		}
	}
	close(f.done)
}
