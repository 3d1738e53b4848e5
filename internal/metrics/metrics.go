// Package metrics exposes fixflow's Prometheus metrics from a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziadkadry99/fixflow/internal/apperr"
)

// Collector holds all Prometheus metrics for the application.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Session metrics
	SessionsStarted   *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
	StepsToConclusion prometheus.Histogram
	AnswersRejected   *prometheus.CounterVec
	SessionsAbandoned prometheus.Counter

	// Snapshot metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	SnapshotBuilds *prometheus.HistogramVec
	GraphWrites    *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry, so tests can
// create as many as they like.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Troubleshooting sessions started, by entry category",
		}, []string{"category"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Troubleshooting sessions that reached a conclusion",
		}, []string{"category"}),
		StepsToConclusion: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_steps_to_conclusion",
			Help:      "Answers given before reaching a conclusion",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		AnswersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_rejected_total",
			Help:      "Answers that failed, by error kind",
		}, []string{"kind"}),
		SessionsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_abandoned_total",
			Help:      "Sessions flagged abandoned by the reaper",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_hits_total",
			Help:      "Snapshot cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_misses_total",
			Help:      "Snapshot cache misses",
		}),
		SnapshotBuilds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_build_duration_seconds",
			Help:      "Time spent building category snapshots",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		GraphWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_writes_total",
			Help:      "Admin writes to the decision graph, by entity and action",
		}, []string{"entity", "action"}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.SessionsStarted,
		c.SessionsCompleted,
		c.StepsToConclusion,
		c.AnswersRejected,
		c.SessionsAbandoned,
		c.CacheHits,
		c.CacheMisses,
		c.SnapshotBuilds,
		c.GraphWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SessionStarted counts a new session. The global menu is labelled "all".
func (c *Collector) SessionStarted(category string) {
	c.SessionsStarted.WithLabelValues(categoryLabel(category)).Inc()
}

// SessionCompleted counts a session reaching a conclusion after steps answers.
func (c *Collector) SessionCompleted(category string, steps int) {
	c.SessionsCompleted.WithLabelValues(categoryLabel(category)).Inc()
	c.StepsToConclusion.Observe(float64(steps))
}

// AnswerRejected counts a failed answer.
func (c *Collector) AnswerRejected(kind apperr.Kind) {
	c.AnswersRejected.WithLabelValues(string(kind)).Inc()
}

// Abandoned counts sessions flagged by one reaper sweep.
func (c *Collector) Abandoned(n int64) {
	c.SessionsAbandoned.Add(float64(n))
}

// CacheLookup is a cache.Observer.
func (c *Collector) CacheLookup(_ string, hit bool) {
	if hit {
		c.CacheHits.Inc()
	} else {
		c.CacheMisses.Inc()
	}
}

// SnapshotBuilt records how long an uncached snapshot build took.
func (c *Collector) SnapshotBuilt(category string, d time.Duration) {
	c.SnapshotBuilds.WithLabelValues(category).Observe(d.Seconds())
}

// GraphWrite counts an admin write.
func (c *Collector) GraphWrite(entity, action string) {
	c.GraphWrites.WithLabelValues(entity, action).Inc()
}

// Middleware records request counts and latency, labelled by chi route
// pattern so ids in paths do not explode cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func categoryLabel(category string) string {
	if category == "" {
		return "all"
	}
	return category
}
