// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the gateway's Prometheus instrumentation:
// request counts, retry counts, cache hit ratio inputs, and slot-pool
// wait time.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eida_gateway"

// Metrics bundles the collectors the engine and HTTP layer update. It
// is constructed once and threaded down, the way the teacher threads a
// single *Metrics value rather than reaching for package-level globals.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	EndpointCallsTotal *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	CacheLookupsTotal  *prometheus.CounterVec
	SlotWaitSeconds    *prometheus.HistogramVec
	RoutingTableSize   prometheus.Summary
}

// NewMetrics creates and registers all collectors against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of client requests processed, by service and status.",
		}, []string{"service", "status"}),
		EndpointCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_calls_total",
			Help:      "Number of outbound endpoint calls, by endpoint and terminal status code.",
		}, []string{"endpoint", "code"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_retries_total",
			Help:      "Number of retry attempts issued against an endpoint.",
		}, []string{"endpoint"}),
		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Number of cache lookups, by outcome (hit/miss).",
		}, []string{"outcome"}),
		SlotWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_wait_seconds",
			Help:      "Time spent waiting to acquire a request slot, by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RoutingTableSize: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "routing_table_size",
			Help:      "Number of endpoints returned by the routing resolver per request.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.EndpointCallsTotal,
		m.RetriesTotal,
		m.CacheLookupsTotal,
		m.SlotWaitSeconds,
		m.RoutingTableSize,
	)
	return m
}

// ObserveRequest records one client request's terminal status, by
// service. A nil *Metrics is a no-op, so callers built without a
// registry (tests, tools) need not special-case it.
func (m *Metrics) ObserveRequest(service string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
}

// ObserveEndpointCall records one outbound call's terminal status code
// against a specific endpoint.
func (m *Metrics) ObserveEndpointCall(endpoint string, status int) {
	if m == nil {
		return
	}
	m.EndpointCallsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// ObserveRetry records one retry attempt issued against endpoint.
func (m *Metrics) ObserveRetry(endpoint string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(endpoint).Inc()
}

// ObserveCacheLookup records one cache lookup's outcome.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSlotWait records the time spent waiting to acquire a request
// slot for endpoint.
func (m *Metrics) ObserveSlotWait(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.SlotWaitSeconds.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRoutingTableSize records the number of endpoints a routing
// resolver call returned.
func (m *Metrics) ObserveRoutingTableSize(n int) {
	if m == nil {
		return
	}
	m.RoutingTableSize.Observe(float64(n))
}

// CacheHitRatio computes hits/(hits+misses), or 0 when both are zero.
// It takes the two counts as arguments and does not read the
// collectors itself.
func CacheHitRatio(hits, misses float64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return hits / total
}
