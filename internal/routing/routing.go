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

// Package routing calls the external routing resolver and parses its
// line-oriented response into a sncl.RoutingTable.
package routing

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eidaws/eida-gateway/internal/gwcontext"
	"github.com/eidaws/eida-gateway/internal/gwerrors"
	"github.com/eidaws/eida-gateway/internal/sncl"
)

// maxGETSelectorLen is the length above which a selector is sent via
// POST instead of as a query string, keeping resolver URLs well under
// common proxy/server URL-length limits.
const maxGETSelectorLen = 1800

// Client resolves a client selector into a RoutingTable by calling the
// configured resolver endpoint.
type Client struct {
	resolverURL string
	httpClient  *http.Client
	log         logrus.FieldLogger
}

// NewClient builds a routing Client against resolverURL.
func NewClient(resolverURL string, httpClient *http.Client, log logrus.FieldLogger) *Client {
	return &Client{
		resolverURL: resolverURL,
		httpClient:  httpClient,
		log:         log.WithField("component", "routing"),
	}
}

// Resolve turns queryParams and streamSelectors into a RoutingTable.
// post forces POST even for a selector that would otherwise fit a GET
// query string (used when the caller already knows it wants concrete,
// non-open epochs, e.g. a bulk request strategy).
func (c *Client) Resolve(gctx *gwcontext.Context, queryParams url.Values, streamSelectors []sncl.StreamEpoch, post bool) (sncl.RoutingTable, error) {
	body := encodeSelectors(streamSelectors)
	useGET := !post && len(body) < maxGETSelectorLen

	var resp *http.Response
	var err error
	if useGET {
		resp, err = c.doGET(gctx.Std(), queryParams, body)
	} else {
		resp, err = c.doPOST(gctx.Std(), queryParams, body)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: calling resolver: %v", gwerrors.ErrRouting, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, gwerrors.ErrNoData
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: resolver returned status %d", gwerrors.ErrRouting, resp.StatusCode)
	}

	// GET must not substitute a concrete end on open epochs (preserves
	// upstream cache hits); POST substitutes now so downstream
	// endpoints receive concrete ranges.
	var defaultEnd time.Time
	if !useGET {
		defaultEnd = time.Now().UTC()
	}

	table, err := parseRoutingTable(resp.Body, defaultEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrRouting, err)
	}
	if len(table) == 0 {
		return nil, gwerrors.ErrNoData
	}
	return table, nil
}

func (c *Client) doGET(ctx context.Context, queryParams url.Values, body string) (*http.Response, error) {
	q := cloneValues(queryParams)
	if body != "" {
		// The selector is carried in dedicated query parameters by the
		// resolver's GET form; encode it as an extra "selectors" value
		// since the resolver also accepts selector lines verbatim.
		q.Set("selectors", body)
	}
	u := c.resolverURL
	if encoded := q.Encode(); encoded != "" {
		u = u + "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *Client) doPOST(ctx context.Context, queryParams url.Values, body string) (*http.Response, error) {
	var sb strings.Builder
	for k, vs := range queryParams {
		for _, v := range vs {
			fmt.Fprintf(&sb, "%s=%s\n", k, v)
		}
	}
	sb.WriteString(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolverURL, strings.NewReader(sb.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	return c.httpClient.Do(req)
}

func encodeSelectors(epochs []sncl.StreamEpoch) string {
	var sb strings.Builder
	for _, se := range epochs {
		sb.WriteString(se.SelectorLine())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// parseRoutingTable parses blocks separated by blank lines: each
// block's first non-empty line is an endpoint URL, subsequent lines are
// "NET STA LOC CHA START END" tuples. defaultEnd, if non-zero,
// substitutes a concrete end for any open epoch (POST mode).
func parseRoutingTable(r io.Reader, defaultEnd time.Time) (sncl.RoutingTable, error) {
	table := make(sncl.RoutingTable)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var currentURL string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			currentURL = ""
			continue
		}
		if currentURL == "" {
			currentURL = line
			continue
		}
		se, err := sncl.ParseSNCLLine(line, defaultEnd)
		if err != nil {
			return nil, fmt.Errorf("parsing routing table block for %s: %w", currentURL, err)
		}
		table[currentURL] = append(table[currentURL], se)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading routing table body: %w", err)
	}
	return table, nil
}
