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

// Package strategy shapes a routing table into a deterministic work
// list and applies the retry-budget gate. Each Kind is a case of a
// tagged-variant strategy family with no inheritance. Route is the only
// method: this package does not dispatch the work list; turning work
// items into tasks and running them is done by internal/engine.
package strategy

import (
	"context"
	"net/url"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eidaws/eida-gateway/internal/endpoint"
	"github.com/eidaws/eida-gateway/internal/sncl"
	"github.com/eidaws/eida-gateway/internal/stats"
)

// Kind is one of the four request-strategy variants.
type Kind int

const (
	// Granular makes every (endpoint, stream epoch) its own task.
	Granular Kind = iota
	// NetworkBulk makes one POST task per (network, endpoint) pair.
	NetworkBulk
	// AdaptiveNetworkBulk bulk-fast-paths single-endpoint networks and
	// hands "distributed" networks (served by more than one endpoint)
	// to a combining task.
	AdaptiveNetworkBulk
	// NetworkCombining makes every network a combining task
	// regardless of endpoint count.
	NetworkCombining
)

// WorkItem is one unit of the work list a strategy produces. A leaf
// item is a single endpoint call; a combining item owns a nested
// granular sub-run whose partial outputs are merged as one network.
type WorkItem struct {
	URL         string
	Method      endpoint.Method
	NetworkCode string
	Streams     []sncl.StreamEpoch
	Combining   bool
	SubItems    []WorkItem
}

// Strategy bundles a Kind with the parameters its route() needs to
// consult the retry-budget gate.
type Strategy struct {
	Kind              Kind
	RetryBudgetClient int // percentage in [0,100]; 100 disables the gate
	StatsRegistry     *stats.Registry
	StatsTTL          time.Duration
	Log               logrus.FieldLogger
}

// Route filters table by the retry-budget gate and shapes the survivors
// into a deterministic work list, according to s.Kind. Two consecutive
// calls over the same table produce identical work lists: every
// intermediate grouping iterates in sorted key order.
func (s *Strategy) Route(ctx context.Context, table sncl.RoutingTable) []WorkItem {
	gated := s.gate(ctx, table)

	switch s.Kind {
	case NetworkBulk:
		return s.routeNetworkBulk(gated)
	case AdaptiveNetworkBulk:
		return s.routeAdaptiveNetworkBulk(gated)
	case NetworkCombining:
		return s.routeNetworkCombining(gated)
	default:
		return s.routeGranular(gated)
	}
}

// gate drops routes whose endpoint error_ratio exceeds
// RetryBudgetClient, logging a warning for each dropped endpoint. It
// runs once per Route invocation, never per task, and tolerates stale
// reads by design (spec §5): a single stale denial or admission does
// not violate correctness.
func (s *Strategy) gate(ctx context.Context, table sncl.RoutingTable) sncl.RoutingTable {
	if s.RetryBudgetClient >= 100 || s.StatsRegistry == nil {
		return table
	}

	out := make(sncl.RoutingTable, len(table))
	for _, u := range table.URLs() {
		path, netloc := splitURL(u)
		series := s.StatsRegistry.For(path, netloc)
		ratio, err := series.ErrorRatio(ctx, s.StatsTTL)
		if err != nil {
			if s.Log != nil {
				s.Log.WithError(err).WithField("endpoint", u).Warn("retry-budget gate: failed to read error ratio, admitting endpoint")
			}
			out[u] = table[u]
			continue
		}
		if ratio*100 > float64(s.RetryBudgetClient) {
			if s.Log != nil {
				s.Log.WithField("endpoint", u).WithField("error_ratio", ratio).Warn("retry-budget gate: dropping endpoint")
			}
			continue
		}
		out[u] = table[u]
	}
	return out
}

func splitURL(rawURL string) (path, netloc string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, rawURL
	}
	return u.Path, u.Host
}

// routeGranular makes every (endpoint, stream epoch) its own task.
func (s *Strategy) routeGranular(table sncl.RoutingTable) []WorkItem {
	var items []WorkItem
	for _, u := range table.URLs() {
		for _, se := range sncl.SortStreamEpochs(table[u]) {
			items = append(items, WorkItem{
				URL:         u,
				Method:      endpoint.GET,
				NetworkCode: se.Network,
				Streams:     []sncl.StreamEpoch{se},
			})
		}
	}
	return items
}

// groupByNetwork partitions a routing table into
// networkCode -> (url -> streams), with deterministic iteration order
// available via the returned sorted network-code slice.
func groupByNetwork(table sncl.RoutingTable) ([]string, map[string]sncl.RoutingTable) {
	byNetwork := map[string]sncl.RoutingTable{}
	for _, u := range table.URLs() {
		for _, se := range sncl.SortStreamEpochs(table[u]) {
			sub, ok := byNetwork[se.Network]
			if !ok {
				sub = sncl.RoutingTable{}
				byNetwork[se.Network] = sub
			}
			sub[u] = append(sub[u], se)
		}
	}

	codes := make([]string, 0, len(byNetwork))
	for code := range byNetwork {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, byNetwork
}

// routeNetworkBulk makes one POST task per (network, endpoint) pair.
func (s *Strategy) routeNetworkBulk(table sncl.RoutingTable) []WorkItem {
	codes, byNetwork := groupByNetwork(table)

	var items []WorkItem
	for _, code := range codes {
		sub := byNetwork[code]
		for _, u := range sub.URLs() {
			items = append(items, WorkItem{
				URL:         u,
				Method:      endpoint.POST,
				NetworkCode: code,
				Streams:     sub[u],
			})
		}
	}
	return items
}

// routeAdaptiveNetworkBulk bulk-fast-paths a network served by exactly
// one endpoint; a network served by more than one endpoint (a
// "distributed" network) becomes a combining item whose sub-items are
// its granular demultiplex.
func (s *Strategy) routeAdaptiveNetworkBulk(table sncl.RoutingTable) []WorkItem {
	codes, byNetwork := groupByNetwork(table)

	var items []WorkItem
	for _, code := range codes {
		sub := byNetwork[code]
		urls := sub.URLs()

		if len(urls) == 1 {
			u := urls[0]
			items = append(items, WorkItem{
				URL:         u,
				Method:      endpoint.POST,
				NetworkCode: code,
				Streams:     sub[u],
			})
			continue
		}

		items = append(items, WorkItem{
			NetworkCode: code,
			Combining:   true,
			SubItems:    granularSubItems(code, sub),
		})
	}
	return items
}

// routeNetworkCombining makes every network a combining task regardless
// of endpoint count.
func (s *Strategy) routeNetworkCombining(table sncl.RoutingTable) []WorkItem {
	codes, byNetwork := groupByNetwork(table)

	var items []WorkItem
	for _, code := range codes {
		sub := byNetwork[code]
		items = append(items, WorkItem{
			NetworkCode: code,
			Combining:   true,
			SubItems:    granularSubItems(code, sub),
		})
	}
	return items
}

func granularSubItems(networkCode string, sub sncl.RoutingTable) []WorkItem {
	var items []WorkItem
	for _, u := range sub.URLs() {
		for _, se := range sncl.SortStreamEpochs(sub[u]) {
			items = append(items, WorkItem{
				URL:         u,
				Method:      endpoint.GET,
				NetworkCode: networkCode,
				Streams:     []sncl.StreamEpoch{se},
			})
		}
	}
	return items
}
