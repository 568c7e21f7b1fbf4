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

// Package cache implements the fingerprinted response cache: a null
// (pass-through) backend, a Redis backend, and a single-flight wrapper
// that buffers a produced response, writes it to the client and then
// commits it to the backend.
package cache

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // a non-cryptographic, stable-across-restarts digest is all the contract requires
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/eidaws/eida-gateway/internal/sncl"
)

// excludedParams is the public contract: these keys never affect the
// fingerprint, so that e.g. nodata=204 and nodata=404 share a cache
// entry. Changing this set silently would break existing cache
// invariants for deployed clients.
var excludedParams = map[string]bool{
	"nodata":  true,
	"service": true,
}

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// Fingerprint computes the stable, order-independent cache key for a
// set of query parameters and stream epochs: drop the excluded keys,
// sort the remainder, sort the stream epochs, concatenate their
// canonical forms, strip control characters, and take the 16-character
// base64url prefix of an MD5 digest.
func Fingerprint(queryParams url.Values, epochs []sncl.StreamEpoch) string {
	var sb strings.Builder

	keys := make([]string, 0, len(queryParams))
	for k := range queryParams {
		if excludedParams[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		vs := make([]string, len(queryParams[k]))
		copy(vs, queryParams[k])
		sort.Strings(vs)
		for _, v := range vs {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte('&')
		}
	}

	for _, se := range sncl.SortStreamEpochs(epochs) {
		sb.WriteString(se.CanonicalString())
		sb.WriteByte(';')
	}

	cleaned := controlChars.ReplaceAllString(sb.String(), "")
	sum := md5.Sum([]byte(cleaned)) //nolint:gosec
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}

// Entry is one cached response body.
type Entry struct {
	Body []byte
	TTL  time.Duration
}

// Backend is the storage interface shared by the null and Redis caches.
type Backend interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Set(ctx context.Context, fingerprint string, body []byte, ttl time.Duration) error
}

// NullBackend never stores anything: every Get misses.
type NullBackend struct{}

// Get always reports a miss.
func (NullBackend) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set is a no-op.
func (NullBackend) Set(ctx context.Context, fingerprint string, body []byte, ttl time.Duration) error {
	return nil
}

// RedisBackend stores cached bodies under a configurable key prefix.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend builds a RedisBackend keying entries "<prefix>:<fingerprint>".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(fingerprint string) string {
	return fmt.Sprintf("%s:%s", b.prefix, fingerprint)
}

// Get returns the cached body, or a miss if absent/expired.
func (b *RedisBackend) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	body, err := b.client.Get(ctx, b.key(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", fingerprint, err)
	}
	return body, true, nil
}

// Set writes the body with the given ttl.
func (b *RedisBackend) Set(ctx context.Context, fingerprint string, body []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.key(fingerprint), body, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", fingerprint, err)
	}
	return nil
}

// Cache wraps a Backend with single-flight de-duplication across
// concurrent identical requests and the stream-and-cache tee.
type Cache struct {
	backend Backend
	group   singleflight.Group
}

// New builds a Cache over backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// Get looks up fingerprint directly, bypassing single-flight (used for
// the fast-path cache hit check before any upstream work begins).
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	return c.backend.Get(ctx, fingerprint)
}

// StreamAndCache runs produce at most once per fingerprint among
// concurrent callers (single-flight). produce writes into an in-memory
// buffer; only after it has returned successfully is the whole buffer
// written to sink and then committed to the backend with ttl. Nothing
// reaches sink while produce is still running. If produce fails,
// nothing is written to sink or cached; if ctx is cancelled by the time
// the buffer has been written, nothing is cached. A backend write
// failure is ignored (neither logged nor returned), so the returned
// error is non-nil only when produce fails or writing to sink fails.
func (c *Cache) StreamAndCache(ctx context.Context, fingerprint string, ttl time.Duration, sink io.Writer, produce func(io.Writer) error) error {
	type result struct {
		buf *bytes.Buffer
		err error
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		var buf bytes.Buffer
		err := produce(&buf)
		return result{buf: &buf, err: err}, nil
	})
	// group.Do's own error is always nil here (the inner function never
	// returns a non-nil error so concurrent callers still observe their
	// own produce failures in the wrapped result).
	_ = err

	res := v.(result)
	if res.err != nil {
		return res.err
	}

	if _, werr := sink.Write(res.buf.Bytes()); werr != nil {
		return fmt.Errorf("writing response to client: %w", werr)
	}

	if ctx.Err() != nil {
		// client disconnected or deadline exceeded: no cache write.
		return nil
	}

	if err := c.backend.Set(ctx, fingerprint, res.buf.Bytes(), ttl); err != nil {
		// cache-write failure must never fail the in-flight response.
		return nil
	}
	return nil
}
