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

// Package engine wires every core component into the explicit Engine
// value the design notes call for in place of module-level state: one
// value, constructed once, passed down to the HTTP layer.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/eidaws/eida-gateway/internal/cache"
	"github.com/eidaws/eida-gateway/internal/combine"
	"github.com/eidaws/eida-gateway/internal/config"
	"github.com/eidaws/eida-gateway/internal/endpoint"
	"github.com/eidaws/eida-gateway/internal/gwcontext"
	"github.com/eidaws/eida-gateway/internal/gwerrors"
	"github.com/eidaws/eida-gateway/internal/limit"
	"github.com/eidaws/eida-gateway/internal/metrics"
	"github.com/eidaws/eida-gateway/internal/routing"
	"github.com/eidaws/eida-gateway/internal/sncl"
	"github.com/eidaws/eida-gateway/internal/stats"
	"github.com/eidaws/eida-gateway/internal/strategy"
	"github.com/eidaws/eida-gateway/internal/workerpool"
)

// Engine holds every shared, explicitly-constructed dependency the
// request-processing pipeline needs: the Redis client, the stats
// registry, the access-limit client and its derived slot pools, the
// cache, the worker pool and the routing client.
type Engine struct {
	cfg *config.Parameters
	log logrus.FieldLogger
	mtr *metrics.Metrics

	redisClient   *redis.Client
	routingClient *routing.Client
	alimitClient  *limit.AccessLimitClient
	statsRegistry *stats.Registry
	cacheLayer    *cache.Cache
	pool          *workerpool.Pool
	httpClient    *http.Client

	slotMu    sync.Mutex
	slotPools map[string]*limit.Pool

	alimitMu        sync.Mutex
	alimitByService map[string]map[string]int64
}

// New constructs an Engine from cfg. The statistics series and the
// request-slot pools use redisClient on every endpoint call, so request
// processing needs a non-nil client; with a nil client the cache falls
// back to the null backend and no statistics registry is built.
func New(cfg *config.Parameters, redisClient *redis.Client, log logrus.FieldLogger, mtr *metrics.Metrics) *Engine {
	httpClient := &http.Client{}

	var backend cache.Backend = cache.NullBackend{}
	if cfg.Cache.Backend == "redis" && redisClient != nil {
		backend = cache.NewRedisBackend(redisClient, "cache")
	}

	var registry *stats.Registry
	if redisClient != nil {
		registry = stats.NewRegistry(redisClient, "stats:response-codes", int64(cfg.Stats.WindowSize), log)
	}

	return &Engine{
		cfg:             cfg,
		log:             log,
		mtr:             mtr,
		redisClient:     redisClient,
		routingClient:   routing.NewClient(cfg.RoutingURL, httpClient, log),
		alimitClient:    limit.NewAccessLimitClient(cfg.AlimitURL, int64(cfg.DefaultAlimit), httpClient, log),
		statsRegistry:   registry,
		cacheLayer:      cache.New(backend),
		pool:            workerpool.New(cfg.MaxThreads),
		httpClient:      httpClient,
		slotPools:       make(map[string]*limit.Pool),
		alimitByService: make(map[string]map[string]int64),
	}
}

// Request is one client request's service, query parameters and
// resolved stream selectors, in the shape the HTTP layer parses from a
// GET query string or a POST FDSN body.
type Request struct {
	Service         string // "station", "dataselect", or "wfcatalog"
	Format          combine.Format
	QueryParams     url.Values
	StreamSelectors []sncl.StreamEpoch
	StrategyKind    strategy.Kind
}

// Process resolves, fans out, combines and caches one client request,
// writing the final response body to sink. It returns a taxonomy error
// from internal/gwerrors on failure; the HTTP layer maps that to a
// status code and FDSN error body.
func (e *Engine) Process(gctx *gwcontext.Context, req Request, sink io.Writer) error {
	fp := cache.Fingerprint(req.QueryParams, req.StreamSelectors)
	log := gctx.Log().WithField("fingerprint", fp)

	if body, hit, err := e.cacheLayer.Get(gctx.Std(), fp); err != nil {
		log.WithError(err).Warn("cache lookup failed, falling through to origin")
		e.mtr.ObserveCacheLookup(false)
	} else if hit {
		e.mtr.ObserveCacheLookup(true)
		_, werr := sink.Write(body)
		return werr
	} else {
		e.mtr.ObserveCacheLookup(false)
	}

	return e.cacheLayer.StreamAndCache(gctx.Std(), fp, time.Duration(e.cfg.Cache.TTL)*time.Second, sink, func(w io.Writer) error {
		return e.produce(gctx, req, w)
	})
}

func (e *Engine) produce(gctx *gwcontext.Context, req Request, w io.Writer) error {
	table, err := e.routingClient.Resolve(gctx, req.QueryParams, req.StreamSelectors, false)
	if err != nil {
		return err
	}
	e.mtr.ObserveRoutingTableSize(len(table))

	s := &strategy.Strategy{
		Kind:              req.StrategyKind,
		RetryBudgetClient: e.cfg.RetryBudgetClient,
		StatsRegistry:     e.statsRegistry,
		StatsTTL:          time.Duration(e.cfg.Stats.TTL) * time.Second,
		Log:               gctx.Log(),
	}
	items := s.Route(gctx.Std(), table)
	if len(items) == 0 {
		return gwerrors.ErrNoData
	}

	limits, err := e.limitsFor(gctx, req.Service)
	if err != nil {
		gctx.Log().WithError(err).Warn("access-limit lookup failed, proceeding with default_alimit")
	}

	tasks := make([]workerpool.Task[taskResult], len(items))
	for i, it := range items {
		it := it
		tasks[i] = func(gctx *gwcontext.Context) taskResult {
			return e.runItem(gctx, req, it, limits)
		}
	}

	handles := workerpool.Dispatch(e.pool, gctx, tasks)
	results := workerpool.Collect(handles)

	var parts [][]byte
	anyBytes := false
	for _, r := range results {
		if r.err != nil {
			gctx.Log().WithError(r.err).Debug("partial task failed, omitting from combine")
			continue
		}
		if len(r.bytes) > 0 {
			anyBytes = true
		}
		parts = append(parts, r.bytes)
	}
	if !anyBytes {
		return gwerrors.ErrAggregateFailure
	}

	return e.combineInto(w, req.Format, parts)
}

type taskResult struct {
	bytes []byte
	err   error
}

func (e *Engine) runItem(gctx *gwcontext.Context, req Request, it strategy.WorkItem, limits map[string]int64) taskResult {
	if it.Combining {
		return e.runCombiningItem(gctx, req, it, limits)
	}
	return e.runLeafItem(gctx, req, it, limits)
}

func (e *Engine) runLeafItem(gctx *gwcontext.Context, req Request, it strategy.WorkItem, limits map[string]int64) taskResult {
	route := sncl.Route{URL: it.URL, Streams: it.Streams}
	handler := e.handlerFor(it.URL, limits)

	var buf bytes.Buffer
	err := handler.Execute(gctx, route, it.Method, req.QueryParams, &buf)
	return taskResult{bytes: buf.Bytes(), err: err}
}

func (e *Engine) runCombiningItem(gctx *gwcontext.Context, req Request, it strategy.WorkItem, limits map[string]int64) taskResult {
	subTasks := make([]workerpool.Task[taskResult], len(it.SubItems))
	for i, sub := range it.SubItems {
		sub := sub
		subTasks[i] = func(gctx *gwcontext.Context) taskResult {
			return e.runLeafItem(gctx, req, sub, limits)
		}
	}
	handles := workerpool.Dispatch(e.pool, gctx, subTasks)
	results := workerpool.Collect(handles)

	var parts [][]byte
	anyBytes := false
	for _, r := range results {
		if r.err != nil {
			continue
		}
		if len(r.bytes) > 0 {
			anyBytes = true
		}
		parts = append(parts, r.bytes)
	}
	if !anyBytes {
		return taskResult{err: fmt.Errorf("%w: network %s", gwerrors.ErrAggregateFailure, it.NetworkCode)}
	}

	var buf bytes.Buffer
	if err := e.combineInto(&buf, req.Format, parts); err != nil {
		return taskResult{err: err}
	}
	return taskResult{bytes: buf.Bytes()}
}

func (e *Engine) combineInto(w io.Writer, format combine.Format, parts [][]byte) error {
	switch format {
	case combine.StationXML:
		merged, err := combine.StationXMLCombine(parts)
		if err != nil {
			return err
		}
		_, err = w.Write(merged)
		return err
	case combine.JSONArray:
		return combine.JSONCombine(w, parts)
	case combine.Text:
		_, err := w.Write(combine.TextCombine(parts))
		return err
	default:
		readers := make([]io.Reader, len(parts))
		for i, p := range parts {
			readers[i] = bytes.NewReader(p)
		}
		_, err := io.Copy(w, combine.BinaryCombine(readers))
		return err
	}
}

func (e *Engine) handlerFor(endpointURL string, limits map[string]int64) *endpoint.Handler {
	pool := e.slotPoolFor(endpointURL, limits)
	series := e.seriesFor(endpointURL)
	return endpoint.NewHandler(e.httpClient, pool, series, e.mtr, endpoint.Config{
		NumRetries:      e.cfg.NumRetries,
		RetryWait:       time.Duration(e.cfg.RetryWait) * time.Second,
		EndpointTimeout: time.Duration(e.cfg.EndpointTimeout) * time.Second,
		SlotTimeout:     time.Duration(e.cfg.EndpointTimeout) * time.Second,
	})
}

func (e *Engine) slotPoolFor(endpointURL string, limits map[string]int64) *limit.Pool {
	e.slotMu.Lock()
	defer e.slotMu.Unlock()

	if p, ok := e.slotPools[endpointURL]; ok {
		return p
	}

	maxsize := e.alimitClient.MaxsizeFor(limits, endpointURL)
	p := limit.NewPool(e.redisClient, "request-slot:"+endpointURL, maxsize, e.log)
	e.slotPools[endpointURL] = p
	return p
}

func (e *Engine) seriesFor(endpointURL string) *stats.Series {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return stats.NewSeries(e.redisClient, "stats:response-codes:"+endpointURL, int64(e.cfg.Stats.WindowSize), e.log)
	}
	return e.statsRegistry.For(u.Path, u.Host)
}

func (e *Engine) limitsFor(gctx *gwcontext.Context, service string) (map[string]int64, error) {
	e.alimitMu.Lock()
	if limits, ok := e.alimitByService[service]; ok {
		e.alimitMu.Unlock()
		return limits, nil
	}
	e.alimitMu.Unlock()

	limits, err := e.alimitClient.Limits(gctx.Std(), service)
	if err != nil {
		return nil, err
	}

	e.alimitMu.Lock()
	e.alimitByService[service] = limits
	e.alimitMu.Unlock()
	return limits, nil
}

// StatusCode maps err to the HTTP status code the outer layer should
// return, honoring errors.Is for wrapped taxonomy errors.
func (e *Engine) StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, gwerrors.ErrCancelled) {
		return 499
	}
	return gwerrors.StatusCode(err, e.cfg.NodataCode)
}
