package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/colorfulnotion/tierjit/jit"
)

// PrometheusSink exports runtime counters as Prometheus metrics.
type PrometheusSink struct {
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	installs            prometheus.Counter
	evictions           prometheus.Counter
	invalidations       prometheus.Counter
	staleInstallRejects prometheus.Counter
	compileRequests     prometheus.Counter
	cacheUsedBytes      prometheus.Gauge
	cacheCapacityBytes  prometheus.Gauge
}

var _ jit.MetricsSink = (*PrometheusSink)(nil)

// NewPrometheusSink creates the collectors under namespace and registers
// them with reg.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) (*PrometheusSink, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jit",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jit",
			Name:      name,
			Help:      help,
		})
	}
	s := &PrometheusSink{
		cacheHits:           counter("cache_hits_total", "Block lookups served from the code cache."),
		cacheMisses:         counter("cache_misses_total", "Block lookups that fell back to the interpreter."),
		installs:            counter("installs_total", "Compiled blocks accepted into the code cache."),
		evictions:           counter("evictions_total", "Blocks evicted to respect cache limits."),
		invalidations:       counter("invalidations_total", "Blocks dropped because their guest code was written."),
		staleInstallRejects: counter("stale_install_rejects_total", "Compile results rejected because the guest code changed."),
		compileRequests:     counter("compile_requests_total", "Compile requests emitted for hot addresses."),
		cacheUsedBytes:      gauge("cache_used_bytes", "Guest code bytes covered by cached blocks."),
		cacheCapacityBytes:  gauge("cache_capacity_bytes", "Configured code cache byte budget, 0 when unlimited."),
	}
	for _, c := range []prometheus.Collector{
		s.cacheHits, s.cacheMisses, s.installs, s.evictions, s.invalidations,
		s.staleInstallRejects, s.compileRequests, s.cacheUsedBytes, s.cacheCapacityBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) RecordCacheHit()           { s.cacheHits.Inc() }
func (s *PrometheusSink) RecordCacheMiss()          { s.cacheMisses.Inc() }
func (s *PrometheusSink) RecordInstall()            { s.installs.Inc() }
func (s *PrometheusSink) RecordEvict(n uint64)      { s.evictions.Add(float64(n)) }
func (s *PrometheusSink) RecordInvalidate()         { s.invalidations.Inc() }
func (s *PrometheusSink) RecordStaleInstallReject() { s.staleInstallRejects.Inc() }
func (s *PrometheusSink) RecordCompileRequest()     { s.compileRequests.Inc() }

func (s *PrometheusSink) SetCacheBytes(used, capacity uint64) {
	s.cacheUsedBytes.Set(float64(used))
	s.cacheCapacityBytes.Set(float64(capacity))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
