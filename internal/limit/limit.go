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

// Package limit implements RequestSlotPool, a Redis-backed counting
// semaphore per endpoint URL sized from the access-limit service, and
// the client for that service.
package limit

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// pollInterval is the fixed wait between acquire attempts while a pool
// is at capacity.
const pollInterval = 50 * time.Millisecond

// Pool is a per-endpoint-URL counting semaphore backed by a Redis
// integer. maxsize == -1 means unlimited: acquire always succeeds
// without touching shared storage.
type Pool struct {
	client  *redis.Client
	key     string
	maxsize int64
	log     logrus.FieldLogger
}

// NewPool builds a Pool for key (conventionally
// "request-slot:<endpoint-url>") sized maxsize (-1 for unlimited).
func NewPool(client *redis.Client, key string, maxsize int64, log logrus.FieldLogger) *Pool {
	return &Pool{
		client:  client,
		key:     key,
		maxsize: maxsize,
		log:     log.WithField("slot_key", key),
	}
}

// Acquire returns true once the counter is strictly below maxsize,
// polling at pollInterval until either a slot frees or timeout elapses.
// When maxsize == -1 it short-circuits to always-acquire.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if p.maxsize < 0 {
		return true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := p.tryAcquire(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire reads the counter, compares against maxsize, and writes
// back inside a watched transaction, so concurrent acquirers cannot
// both succeed past the cap.
func (p *Pool) tryAcquire(ctx context.Context) (bool, error) {
	acquired := false
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, p.key).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current >= p.maxsize {
			acquired = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, p.key)
			return nil
		})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	}

	for attempt := 0; attempt < 10; attempt++ {
		err := p.client.Watch(ctx, txf, p.key)
		if err == nil {
			return acquired, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return false, fmt.Errorf("acquiring slot %s: %w", p.key, err)
	}
	return false, fmt.Errorf("acquiring slot %s: too many transaction conflicts", p.key)
}

// Release decrements the counter. Releasing an unacquired slot (local
// pool already empty) is a programming error and panics, matching the
// fatal-invariant policy for this condition.
func (p *Pool) Release(ctx context.Context) {
	if p.maxsize < 0 {
		return
	}
	current, err := p.client.Decr(ctx, p.key).Result()
	if err != nil {
		p.log.WithError(err).Error("releasing request slot")
		return
	}
	if current < 0 {
		panic(fmt.Sprintf("limit: release of slot %s with no outstanding acquisitions (count=%d)", p.key, current))
	}
}

// AccessLimitClient resolves per-endpoint maxsize values from the
// configured access-limit service.
type AccessLimitClient struct {
	url           string
	defaultAlimit int64
	httpClient    *http.Client
	log           logrus.FieldLogger
}

// NewAccessLimitClient builds an AccessLimitClient. defaultAlimit is
// used for any endpoint URL absent from the service's response.
func NewAccessLimitClient(url string, defaultAlimit int64, httpClient *http.Client, log logrus.FieldLogger) *AccessLimitClient {
	return &AccessLimitClient{
		url:           url,
		defaultAlimit: defaultAlimit,
		httpClient:    httpClient,
		log:           log.WithField("component", "alimit"),
	}
}

// Limits fetches "GET <url>?service=<service>" and parses its
// "<endpoint-url> <maxsize>" lines into a map. An endpoint URL absent
// from the response, or the absence of a configured URL altogether,
// resolves to defaultAlimit — the source's parser falls through an
// unreachable for/else to this same behavior.
func (c *AccessLimitClient) Limits(ctx context.Context, service string) (map[string]int64, error) {
	limits := make(map[string]int64)
	if c.url == "" {
		c.log.WithField("service", service).Info("no alimit_url configured, using default_alimit")
		return limits, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?service="+service, nil)
	if err != nil {
		return nil, fmt.Errorf("building access-limit request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).Warn("access-limit service unreachable, falling back to default_alimit")
		return limits, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WithField("status", resp.StatusCode).Warn("access-limit service returned non-200, falling back to default_alimit")
		return limits, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed access-limit line: %q", line)
		}
		maxsize, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed access-limit line %q: %w", line, err)
		}
		limits[fields[0]] = maxsize
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading access-limit body: %w", err)
	}
	return limits, nil
}

// MaxsizeFor returns the configured maxsize for endpointURL, or
// defaultAlimit if the service did not mention it.
func (c *AccessLimitClient) MaxsizeFor(limits map[string]int64, endpointURL string) int64 {
	if v, ok := limits[endpointURL]; ok {
		return v
	}
	c.log.WithField("endpoint", endpointURL).Debug("endpoint missing from access-limit response, using default_alimit")
	return c.defaultAlimit
}
