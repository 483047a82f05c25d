// Package metrics counts cache and fetch outcomes on a private prometheus
// registry. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pbpcache"

const (
	OutcomeFound    = "found"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

type Recorder struct {
	registry      *prometheus.Registry
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	fetchAttempts *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	probes        *prometheus.CounterVec
	bucketCopies  prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Games served from the on-disk cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Games not found on disk.",
		}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Requests sent to the stats api by outcome.",
		}, []string{"outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of single stats api requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_probes_total",
			Help:      "Crawl probes by final status.",
		}, []string{"status"}),
		bucketCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bucket_copies_total",
			Help:      "Game files copied into team directories.",
		}),
	}
	r.registry.MustRegister(r.cacheHits, r.cacheMisses, r.fetchAttempts, r.fetchLatency, r.probes, r.bucketCopies)
	return r
}

func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

// FetchAttempt records one request to the api.
func (r *Recorder) FetchAttempt(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(outcome).Inc()
	r.fetchLatency.Observe(d.Seconds())
}

func (r *Recorder) Probe(status string) {
	if r == nil {
		return
	}
	r.probes.WithLabelValues(status).Inc()
}

func (r *Recorder) BucketCopy() {
	if r == nil {
		return
	}
	r.bucketCopies.Inc()
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
