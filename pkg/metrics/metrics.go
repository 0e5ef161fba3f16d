// Package metrics exposes Prometheus instruments for the hybrid store.
//
// All methods are safe on a nil *Registry, so components can be built
// without metrics in tests and tools.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
)

const namespace = "bioof"

// Registry owns a private Prometheus registry and the instruments on it.
type Registry struct {
	reg *prometheus.Registry

	opDuration  *prometheus.HistogramVec
	opErrors    *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	evolutions  *prometheus.CounterVec
	indexSize   prometheus.Gauge
	httpReqs    *prometheus.CounterVec
}

// New builds a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed service operations by error kind.",
		}, []string{"op", "kind"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Gene lookups served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Gene lookups that fell through to the document store.",
		}),
		evolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "evolution_stage_total",
			Help:      "Schema evolution stage transitions.",
		}, []string{"stage"}),
		indexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "genes",
			Help:      "Genes in the published similarity snapshot.",
		}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.opDuration, r.opErrors, r.cacheHits, r.cacheMisses,
		r.evolutions, r.indexSize, r.httpReqs,
	)
	return r
}

// ObserveOp records the latency of op and, if err is non-nil, its kind.
// Typical use is `defer m.ObserveOp("hybrid.GetGene", time.Now(), &err)`.
func (r *Registry) ObserveOp(op string, start time.Time, errp *error) {
	if r == nil {
		return
	}
	r.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errp != nil && *errp != nil {
		r.opErrors.WithLabelValues(op, apperror.KindOf(*errp).String()).Inc()
	}
}

// CacheHit counts a cache hit.
func (r *Registry) CacheHit() {
	if r != nil {
		r.cacheHits.Inc()
	}
}

// CacheMiss counts a cache miss.
func (r *Registry) CacheMiss() {
	if r != nil {
		r.cacheMisses.Inc()
	}
}

// EvolutionStage counts entry into a schema evolution stage.
func (r *Registry) EvolutionStage(stage string) {
	if r != nil {
		r.evolutions.WithLabelValues(stage).Inc()
	}
}

// IndexSize sets the similarity index gauge.
func (r *Registry) IndexSize(n int) {
	if r != nil {
		r.indexSize.Set(float64(n))
	}
}

// HTTPRequest counts one served request.
func (r *Registry) HTTPRequest(route string, code int) {
	if r != nil {
		r.httpReqs.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}
