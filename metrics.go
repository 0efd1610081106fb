// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for Pools, Muxers and Caches.
//
// All metrics use the "ldapmux_" prefix. Methods handle a nil receiver,
// so a nil *Metrics is a no-op. A *Metrics is also a StatsCollector.
type Metrics struct {
	// BytesRead counts bytes read from all transports.
	BytesRead prometheus.Counter

	// BytesWritten counts bytes written to all transports.
	BytesWritten prometheus.Counter

	// Muxers tracks the number of live Muxers.
	Muxers prometheus.Gauge

	// TransportFailures counts Muxers torn down by an I/O error.
	TransportFailures prometheus.Counter

	// Operations counts submitted requests by application tag name.
	Operations *prometheus.CounterVec

	// Referrals counts redirections by outcome.
	// Labels: outcome=[followed, surfaced, failed]
	Referrals *prometheus.CounterVec

	// CacheLookups counts cache lookups by result.
	// Labels: result=[hit, miss]
	CacheLookups *prometheus.CounterVec

	// CacheEvictions counts entries removed by capacity, age or flush.
	// Labels: reason=[capacity, ttl, flush]
	CacheEvictions *prometheus.CounterVec

	// CacheBytes tracks the summed size estimate of cached entries.
	CacheBytes prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldapmux_read_bytes_total",
			Help: "Total bytes read from directory server transports",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldapmux_written_bytes_total",
			Help: "Total bytes written to directory server transports",
		}),
		Muxers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ldapmux_muxers",
			Help: "Current number of live transport multiplexers",
		}),
		TransportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldapmux_transport_failures_total",
			Help: "Total multiplexers torn down by an I/O error",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmux_operations_total",
			Help: "Total submitted requests by operation",
		}, []string{"operation"}),
		Referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmux_referrals_total",
			Help: "Total referrals by outcome",
		}, []string{"outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmux_cache_lookups_total",
			Help: "Total result cache lookups by result",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapmux_cache_evictions_total",
			Help: "Total result cache evictions by reason",
		}, []string{"reason"}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ldapmux_cache_bytes",
			Help: "Current size estimate of cached search results",
		}),
	}
	registerer.MustRegister(
		m.BytesRead,
		m.BytesWritten,
		m.Muxers,
		m.TransportFailures,
		m.Operations,
		m.Referrals,
		m.CacheLookups,
		m.CacheEvictions,
		m.CacheBytes,
	)
	return m
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// RecordMuxerOpened records a new live Muxer.
func (m *Metrics) RecordMuxerOpened() {
	if m == nil {
		return
	}
	m.Muxers.Inc()
}

// RecordMuxerClosed records a Muxer teardown.
func (m *Metrics) RecordMuxerClosed(failed bool) {
	if m == nil {
		return
	}
	m.Muxers.Dec()
	if failed {
		m.TransportFailures.Inc()
	}
}

// RecordOperation records a submitted request.
func (m *Metrics) RecordOperation(op Operation) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operationName(op)).Inc()
}

// RecordReferral records the outcome of a redirection.
//
// Parameters:
//   - outcome: followed, surfaced or failed
func (m *Metrics) RecordReferral(outcome string) {
	if m == nil {
		return
	}
	m.Referrals.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// RecordCacheEviction records removed cache entries.
func (m *Metrics) RecordCacheEviction(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// SetCacheBytes records the current cache size estimate.
func (m *Metrics) SetCacheBytes(n int) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}

func operationName(op Operation) string {
	switch op.Tag() {
	case ApplicationBindRequest:
		return "bind"
	case ApplicationUnbindRequest:
		return "unbind"
	case ApplicationSearchRequest:
		return "search"
	case ApplicationModifyRequest:
		return "modify"
	case ApplicationAddRequest:
		return "add"
	case ApplicationDelRequest:
		return "delete"
	case ApplicationModifyDNRequest:
		return "modifydn"
	case ApplicationCompareRequest:
		return "compare"
	case ApplicationAbandonRequest:
		return "abandon"
	case ApplicationExtendedRequest:
		return "extended"
	}
	return "unknown"
}
