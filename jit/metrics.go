package jit

import (
	"fmt"
	"sync/atomic"
)

// MetricsSink receives runtime telemetry. Every method is called from the CPU
// hot path and must be cheap; implementations must tolerate concurrent readers.
type MetricsSink interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordInstall()
	RecordEvict(n uint64)
	RecordInvalidate()
	RecordStaleInstallReject()
	RecordCompileRequest()
	SetCacheBytes(used, capacity uint64)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheHit()                     {}
func (noopMetrics) RecordCacheMiss()                    {}
func (noopMetrics) RecordInstall()                      {}
func (noopMetrics) RecordEvict(uint64)                  {}
func (noopMetrics) RecordInvalidate()                   {}
func (noopMetrics) RecordStaleInstallReject()           {}
func (noopMetrics) RecordCompileRequest()               {}
func (noopMetrics) SetCacheBytes(used, capacity uint64) {}

// AtomicMetrics is a MetricsSink backed by atomic counters.
type AtomicMetrics struct {
	cacheHits           atomic.Uint64
	cacheMisses         atomic.Uint64
	installs            atomic.Uint64
	evictions           atomic.Uint64
	invalidations       atomic.Uint64
	staleInstallRejects atomic.Uint64
	compileRequests     atomic.Uint64
	cacheUsedBytes      atomic.Uint64
	cacheCapacityBytes  atomic.Uint64
}

func NewAtomicMetrics() *AtomicMetrics {
	return &AtomicMetrics{}
}

func (m *AtomicMetrics) RecordCacheHit()           { m.cacheHits.Add(1) }
func (m *AtomicMetrics) RecordCacheMiss()          { m.cacheMisses.Add(1) }
func (m *AtomicMetrics) RecordInstall()            { m.installs.Add(1) }
func (m *AtomicMetrics) RecordEvict(n uint64)      { m.evictions.Add(n) }
func (m *AtomicMetrics) RecordInvalidate()         { m.invalidations.Add(1) }
func (m *AtomicMetrics) RecordStaleInstallReject() { m.staleInstallRejects.Add(1) }
func (m *AtomicMetrics) RecordCompileRequest()     { m.compileRequests.Add(1) }

func (m *AtomicMetrics) SetCacheBytes(used, capacity uint64) {
	m.cacheUsedBytes.Store(used)
	m.cacheCapacityBytes.Store(capacity)
}

// MetricsSnapshot is a point-in-time copy of AtomicMetrics.
type MetricsSnapshot struct {
	CacheHits           uint64 `json:"cache_hits"`
	CacheMisses         uint64 `json:"cache_misses"`
	Installs            uint64 `json:"installs"`
	Evictions           uint64 `json:"evictions"`
	Invalidations       uint64 `json:"invalidations"`
	StaleInstallRejects uint64 `json:"stale_install_rejects"`
	CompileRequests     uint64 `json:"compile_requests"`
	CacheUsedBytes      uint64 `json:"cache_used_bytes"`
	CacheCapacityBytes  uint64 `json:"cache_capacity_bytes"`
}

func (m *AtomicMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:           m.cacheHits.Load(),
		CacheMisses:         m.cacheMisses.Load(),
		Installs:            m.installs.Load(),
		Evictions:           m.evictions.Load(),
		Invalidations:       m.invalidations.Load(),
		StaleInstallRejects: m.staleInstallRejects.Load(),
		CompileRequests:     m.compileRequests.Load(),
		CacheUsedBytes:      m.cacheUsedBytes.Load(),
		CacheCapacityBytes:  m.cacheCapacityBytes.Load(),
	}
}

// HitRate returns the cache hit rate as a percentage.
func (s MetricsSnapshot) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0.0
	}
	return float64(s.CacheHits) / float64(total) * 100.0
}

func (s MetricsSnapshot) String() string {
	return fmt.Sprintf("hits=%d misses=%d (%.1f%%) installs=%d evictions=%d invalidations=%d stale=%d requests=%d bytes=%d/%d",
		s.CacheHits, s.CacheMisses, s.HitRate(), s.Installs, s.Evictions, s.Invalidations,
		s.StaleInstallRejects, s.CompileRequests, s.CacheUsedBytes, s.CacheCapacityBytes)
}

type teeMetrics []MetricsSink

// TeeMetrics returns a sink that forwards every call to each non-nil sink.
func TeeMetrics(sinks ...MetricsSink) MetricsSink {
	out := make(teeMetrics, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (t teeMetrics) RecordCacheHit() {
	for _, s := range t {
		s.RecordCacheHit()
	}
}

func (t teeMetrics) RecordCacheMiss() {
	for _, s := range t {
		s.RecordCacheMiss()
	}
}

func (t teeMetrics) RecordInstall() {
	for _, s := range t {
		s.RecordInstall()
	}
}

func (t teeMetrics) RecordEvict(n uint64) {
	for _, s := range t {
		s.RecordEvict(n)
	}
}

func (t teeMetrics) RecordInvalidate() {
	for _, s := range t {
		s.RecordInvalidate()
	}
}

func (t teeMetrics) RecordStaleInstallReject() {
	for _, s := range t {
		s.RecordStaleInstallReject()
	}
}

func (t teeMetrics) RecordCompileRequest() {
	for _, s := range t {
		s.RecordCompileRequest()
	}
}

func (t teeMetrics) SetCacheBytes(used, capacity uint64) {
	for _, s := range t {
		s.SetCacheBytes(used, capacity)
	}
}
