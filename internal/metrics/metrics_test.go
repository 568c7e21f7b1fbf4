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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RequestsTotal.WithLabelValues("dataselect", "200").Inc()
	m.EndpointCallsTotal.WithLabelValues("http://ep1", "200").Inc()
	m.RetriesTotal.WithLabelValues("http://ep1").Inc()
	m.CacheLookupsTotal.WithLabelValues("hit").Inc()
	m.SlotWaitSeconds.WithLabelValues("http://ep1").Observe(0.1)
	m.RoutingTableSize.Observe(3)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["eida_gateway_requests_total"])
	require.True(t, names["eida_gateway_endpoint_calls_total"])
	require.True(t, names["eida_gateway_endpoint_retries_total"])
	require.True(t, names["eida_gateway_cache_lookups_total"])
	require.True(t, names["eida_gateway_slot_wait_seconds"])
	require.True(t, names["eida_gateway_routing_table_size"])
}

func TestNewMetricsPanicsOnDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)
	require.Panics(t, func() { NewMetrics(registry) })
}

func TestCacheHitRatio(t *testing.T) {
	require.Equal(t, 0.0, CacheHitRatio(0, 0))
	require.Equal(t, 0.5, CacheHitRatio(5, 5))
	require.Equal(t, 1.0, CacheHitRatio(3, 0))
}

func gatherCounterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range f.Metric {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestRequestsTotalAccumulatesAcrossLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RequestsTotal.WithLabelValues("dataselect", "200").Inc()
	m.RequestsTotal.WithLabelValues("station", "204").Inc()
	m.RequestsTotal.WithLabelValues("dataselect", "200").Inc()

	require.Equal(t, 3.0, gatherCounterValue(t, registry, "eida_gateway_requests_total"))
}
