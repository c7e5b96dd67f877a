// Package metrics exports OAuth2 lifecycle and HTTP metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oauth_vault"

// Collector implements oauth.Recorder on a private prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	providerRequests *prometheus.HistogramVec
	authorizations   *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	rotations        *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates a collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		providerRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of token endpoint requests",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "grant", "outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Authorization flows started",
		}, []string{"provider", "outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Authorization callbacks processed",
		}, []string{"provider", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh token grants attempted",
		}, []string{"provider", "outcome"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_rotations_total",
			Help:      "Access token rotations attempted",
		}, []string{"provider", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job executions",
		}, []string{"job", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.providerRequests,
		c.authorizations,
		c.callbacks,
		c.refreshes,
		c.rotations,
		c.jobRuns,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) ObserveProviderRequest(provider, grant, outcome string, d time.Duration) {
	c.providerRequests.WithLabelValues(label(provider), grant, outcome).Observe(d.Seconds())
}

func (c *Collector) IncAuthorize(provider, outcome string) {
	c.authorizations.WithLabelValues(label(provider), outcome).Inc()
}

func (c *Collector) IncCallback(provider, outcome string) {
	c.callbacks.WithLabelValues(label(provider), outcome).Inc()
}

func (c *Collector) IncRefresh(provider, outcome string) {
	c.refreshes.WithLabelValues(label(provider), outcome).Inc()
}

func (c *Collector) IncRotation(provider, outcome string) {
	c.rotations.WithLabelValues(label(provider), outcome).Inc()
}

// IncJob counts one run of a scheduled job.
func (c *Collector) IncJob(job string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.jobRuns.WithLabelValues(job, outcome).Inc()
}

// Middleware records request counts and latency by chi route pattern.
func (c *Collector) Middleware(routePattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := routePattern(r)
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func label(provider string) string {
	if provider == "" {
		return "unknown"
	}
	return provider
}
