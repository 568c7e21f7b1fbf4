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

package strategy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/eidaws/eida-gateway/internal/endpoint"
	"github.com/eidaws/eida-gateway/internal/sncl"
	"github.com/eidaws/eida-gateway/internal/stats"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testRegistry(t *testing.T) *stats.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return stats.NewRegistry(client, "stats:response-codes", 100, testLog())
}

func twoEndpointTable() sncl.RoutingTable {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return sncl.RoutingTable{
		"http://a/fdsnws/dataselect/1/query": {
			{Network: "NN", Station: "S1", Channel: "BHZ", Start: start},
			{Network: "OO", Station: "S2", Channel: "BHZ", Start: start},
		},
		"http://b/fdsnws/dataselect/1/query": {
			{Network: "NN", Station: "S3", Channel: "BHZ", Start: start},
		},
	}
}

func TestGranularOneTaskPerEpoch(t *testing.T) {
	s := &Strategy{Kind: Granular, RetryBudgetClient: 100}
	items := s.Route(context.Background(), twoEndpointTable())
	require.Len(t, items, 3)
	for _, it := range items {
		require.Len(t, it.Streams, 1)
		require.Equal(t, endpoint.GET, it.Method)
	}
}

func TestNetworkBulkForcesPOST(t *testing.T) {
	s := &Strategy{Kind: NetworkBulk, RetryBudgetClient: 100}
	items := s.Route(context.Background(), twoEndpointTable())
	for _, it := range items {
		require.Equal(t, endpoint.POST, it.Method, "every network-bulk task must use POST regardless of caller preference")
	}
}

func TestNetworkBulkGroupsByNetworkAndEndpoint(t *testing.T) {
	s := &Strategy{Kind: NetworkBulk, RetryBudgetClient: 100}
	items := s.Route(context.Background(), twoEndpointTable())
	// NN appears at both endpoints (2 tasks), OO appears at one (1 task)
	require.Len(t, items, 3)
}

func TestAdaptiveNetworkBulkFastPathsSingleEndpointNetwork(t *testing.T) {
	s := &Strategy{Kind: AdaptiveNetworkBulk, RetryBudgetClient: 100}
	items := s.Route(context.Background(), twoEndpointTable())

	var oo, nn *WorkItem
	for i := range items {
		switch items[i].NetworkCode {
		case "OO":
			oo = &items[i]
		case "NN":
			nn = &items[i]
		}
	}
	require.NotNil(t, oo)
	require.False(t, oo.Combining, "single-endpoint network takes the bulk fast path")
	require.NotNil(t, nn)
	require.True(t, nn.Combining, "network served by more than one endpoint becomes a combining task")
	require.Len(t, nn.SubItems, 2)
}

func TestNetworkCombiningAlwaysCombines(t *testing.T) {
	s := &Strategy{Kind: NetworkCombining, RetryBudgetClient: 100}
	items := s.Route(context.Background(), twoEndpointTable())
	require.Len(t, items, 2)
	for _, it := range items {
		require.True(t, it.Combining)
	}
}

func TestRouteIsIdempotent(t *testing.T) {
	table := twoEndpointTable()
	for _, kind := range []Kind{Granular, NetworkBulk, AdaptiveNetworkBulk, NetworkCombining} {
		s := &Strategy{Kind: kind, RetryBudgetClient: 100}
		a := s.Route(context.Background(), table)
		b := s.Route(context.Background(), table)
		require.Equal(t, a, b, "two consecutive route() calls must produce identical work lists")
	}
}

func TestGateDropsEndpointAboveBudget(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)

	series := reg.For("/fdsnws/dataselect/1/query", "a")
	for i := 0; i < 8; i++ {
		require.NoError(t, series.Append(ctx, 503))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, series.Append(ctx, 200))
	}

	s := &Strategy{
		Kind:              Granular,
		RetryBudgetClient: 50,
		StatsRegistry:     reg,
		StatsTTL:          time.Hour,
		Log:               testLog(),
	}

	table := sncl.RoutingTable{
		"http://a/fdsnws/dataselect/1/query": {{Network: "NN", Station: "S1", Channel: "BHZ", Start: time.Now()}},
		"http://b/fdsnws/dataselect/1/query": {{Network: "NN", Station: "S2", Channel: "BHZ", Start: time.Now()}},
	}

	items := s.Route(ctx, table)
	require.Len(t, items, 1, "endpoint above the retry budget must be dropped")
	require.Equal(t, "http://b/fdsnws/dataselect/1/query", items[0].URL)
}

func TestGateDisabledAt100(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	series := reg.For("/fdsnws/dataselect/1/query", "a")
	for i := 0; i < 10; i++ {
		require.NoError(t, series.Append(ctx, 503))
	}

	s := &Strategy{
		Kind:              Granular,
		RetryBudgetClient: 100,
		StatsRegistry:     reg,
		StatsTTL:          time.Hour,
	}
	table := sncl.RoutingTable{
		"http://a/fdsnws/dataselect/1/query": {{Network: "NN", Station: "S1", Channel: "BHZ", Start: time.Now()}},
	}
	items := s.Route(ctx, table)
	require.Len(t, items, 1, "retry_budget_client=100 disables the gate entirely")
}
