package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts what the acquisition subsystem does.
type Metrics interface {
	IncAcquisitions(backend, outcome string)
	IncCacheHits()
	IncRotations()
	ObserveFetchDuration(backend string, seconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncAcquisitions(string, string)       {}
func (Noop) IncCacheHits()                        {}
func (Noop) IncRotations()                        {}
func (Noop) ObserveFetchDuration(string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	acquisitions  *prometheus.CounterVec
	cacheHits     prometheus.Counter
	rotations     prometheus.Counter
	fetchDuration *prometheus.HistogramVec
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	return &Prom{
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Acquisitions by backend and outcome",
		}, []string{"backend", "outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Acquisitions answered from the artifact cache",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_rotations_total",
			Help:      "Proxy route set rotations",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of backend fetches, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"backend"}),
	}
}

// Register adds the collectors to reg (only once).
func (p *Prom) Register(reg prometheus.Registerer) error {
	var err error
	p.once.Do(func() {
		for _, c := range []prometheus.Collector{p.acquisitions, p.cacheHits, p.rotations, p.fetchDuration} {
			if err = reg.Register(c); err != nil {
				return
			}
		}
	})
	return err
}

func (p *Prom) IncAcquisitions(backend, outcome string) {
	p.acquisitions.WithLabelValues(backend, outcome).Inc()
}

func (p *Prom) IncCacheHits() {
	p.cacheHits.Inc()
}

func (p *Prom) IncRotations() {
	p.rotations.Inc()
}

func (p *Prom) ObserveFetchDuration(backend string, seconds float64) {
	p.fetchDuration.WithLabelValues(backend).Observe(seconds)
}

// Handler serves the collectors registered with reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
