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

// Package endpoint implements EndpointRequestHandler: one GET or POST to
// one endpoint, with retries, backoff, status classification and
// statistics feeding.
package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eidaws/eida-gateway/internal/gwcontext"
	"github.com/eidaws/eida-gateway/internal/gwerrors"
	"github.com/eidaws/eida-gateway/internal/limit"
	"github.com/eidaws/eida-gateway/internal/metrics"
	"github.com/eidaws/eida-gateway/internal/sncl"
	"github.com/eidaws/eida-gateway/internal/stats"
)

// Method is the HTTP verb an endpoint call uses.
type Method int

const (
	// GET issues the request as a query string.
	GET Method = iota
	// POST issues the request as an FDSN POST body.
	POST
)

// Handler issues one call to one endpoint on behalf of a route,
// classifying the response and feeding the endpoint's statistics.
type Handler struct {
	httpClient      *http.Client
	pools           *limit.Pool
	series          *stats.Series
	mtr             *metrics.Metrics
	numRetries      int
	retryWait       time.Duration
	endpointTimeout time.Duration
	slotTimeout     time.Duration
}

// Config bundles the per-call tunables read from configuration.
type Config struct {
	NumRetries      int
	RetryWait       time.Duration
	EndpointTimeout time.Duration
	SlotTimeout     time.Duration
}

// NewHandler builds a Handler for one (route, endpoint-path) pair. pool
// and series are the slot pool and statistics series scoped to that
// endpoint URL/path. mtr may be nil, in which case instrumentation is a
// no-op.
func NewHandler(httpClient *http.Client, pool *limit.Pool, series *stats.Series, mtr *metrics.Metrics, cfg Config) *Handler {
	return &Handler{
		httpClient:      httpClient,
		pools:           pool,
		series:          series,
		mtr:             mtr,
		numRetries:      cfg.NumRetries,
		retryWait:       cfg.RetryWait,
		endpointTimeout: cfg.EndpointTimeout,
		slotTimeout:     cfg.SlotTimeout,
	}
}

// Execute acquires a request slot, issues the call, classifies the
// terminal status and writes successful response bytes into sink. It
// appends the status code of every attempt that got a response to the
// statistics series, so a retried 503 followed by a 200 records both,
// and releases the slot on every exit path.
func (h *Handler) Execute(gctx *gwcontext.Context, route sncl.Route, method Method, queryParams url.Values, sink io.Writer) error {
	log := gctx.Log().WithField("endpoint", route.URL)

	waitStart := time.Now()
	ok, err := h.pools.Acquire(gctx.Std(), h.slotTimeout)
	h.mtr.ObserveSlotWait(route.URL, time.Since(waitStart))
	if err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrCapacityRefused, err)
	}
	if !ok {
		log.Warn("slot acquire timed out, dropping route")
		return gwerrors.ErrCapacityRefused
	}
	defer h.pools.Release(gctx.Std())

	var lastErr error

	attempts := h.numRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if gctx.Cancelled() {
			return gwerrors.ErrCancelled
		}

		code, retryable, err := h.attempt(gctx, route, method, queryParams, sink)
		lastErr = err
		if code != 0 {
			h.mtr.ObserveEndpointCall(route.URL, code)
			if appendErr := h.series.Append(gctx.Std(), code); appendErr != nil {
				log.WithError(appendErr).Error("failed to append response code to statistics")
			}
		}

		if err == nil {
			break
		}
		if !retryable {
			break
		}
		if attempt < attempts-1 {
			h.mtr.ObserveRetry(route.URL)
			log.WithError(err).WithField("attempt", attempt+1).Warn("transient endpoint error, retrying")
			select {
			case <-gctx.Done():
				return gwerrors.ErrCancelled
			case <-time.After(h.retryWait):
			}
		}
	}

	return lastErr
}

// attempt issues a single HTTP call and classifies its outcome. It
// returns the status code observed (0 if the call never got a
// response), whether the caller should retry, and an error describing
// the outcome (nil on success).
func (h *Handler) attempt(gctx *gwcontext.Context, route sncl.Route, method Method, queryParams url.Values, sink io.Writer) (int, bool, error) {
	req, err := h.buildRequest(gctx, route, method, queryParams)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", gwerrors.ErrClientInput, err)
	}

	ctx, cancel := context.WithTimeout(gctx.Std(), h.endpointTimeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %v", gwerrors.ErrEndpointTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if _, err := io.Copy(sink, resp.Body); err != nil {
			return resp.StatusCode, false, fmt.Errorf("%w: copying response body: %v", gwerrors.ErrCancelled, err)
		}
		return resp.StatusCode, false, nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return resp.StatusCode, false, fmt.Errorf("%w: endpoint %s", gwerrors.ErrRequestTooLarge, route.URL)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, false, fmt.Errorf("%w: endpoint %s returned %d", gwerrors.ErrEndpointPermanent, route.URL, resp.StatusCode)
	case resp.StatusCode >= 500:
		return resp.StatusCode, true, fmt.Errorf("%w: endpoint %s returned %d", gwerrors.ErrEndpointTransient, route.URL, resp.StatusCode)
	default:
		return resp.StatusCode, false, fmt.Errorf("%w: endpoint %s returned unexpected status %d", gwerrors.ErrEndpointPermanent, route.URL, resp.StatusCode)
	}
}

func (h *Handler) buildRequest(gctx *gwcontext.Context, route sncl.Route, method Method, queryParams url.Values) (*http.Request, error) {
	if method == GET {
		u := route.URL
		if encoded := queryParams.Encode(); encoded != "" {
			u = u + "?" + encoded
		}
		return http.NewRequest(http.MethodGet, u, nil)
	}

	body := BuildPostBody(route, queryParams)
	req, err := http.NewRequest(http.MethodPost, route.URL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	return req, nil
}

// BuildPostBody renders the FDSN POST body for a route: one key=value
// option line per query parameter, followed by one
// "NET STA LOC CHA START END" line per stream epoch, empty location
// emitted as "--".
func BuildPostBody(route sncl.Route, queryParams url.Values) string {
	var sb strings.Builder
	for _, k := range sortedKeys(queryParams) {
		for _, v := range queryParams[k] {
			fmt.Fprintf(&sb, "%s=%s\n", k, v)
		}
	}

	now := time.Now().UTC()
	for _, se := range sncl.SortStreamEpochs(route.Streams) {
		sb.WriteString(se.PostLine(now))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
