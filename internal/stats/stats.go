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

// Package stats implements ResponseCodeTimeSeries, a Redis-backed
// bounded, TTL'd time series of HTTP status codes per endpoint URL, used
// to compute the client-side retry-budget error ratio.
package stats

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// errorCodes is the set of status codes counted as errors by
// error_ratio, per the data-model invariant.
var errorCodes = map[int]bool{500: true, 503: true}

// Series is a Redis-backed ResponseCodeTimeSeries for one endpoint URL.
// Members are serialized "code|score|nonce" so that duplicate
// (code, score) pairs can coexist in the sorted set.
type Series struct {
	client     *redis.Client
	key        string
	windowSize int64
	log        logrus.FieldLogger
}

// NewSeries builds a Series for key (conventionally
// "stats:response-codes:<path>:<netloc>").
func NewSeries(client *redis.Client, key string, windowSize int64, log logrus.FieldLogger) *Series {
	return &Series{
		client:     client,
		key:        key,
		windowSize: windowSize,
		log:        log.WithField("stats_key", key),
	}
}

// Append records (code, now) and evicts the single lowest-scored member
// when the resulting count exceeds windowSize. The add-then-maybe-evict
// pair runs inside a watched transaction so concurrent appenders never
// leave the series above windowSize+1 for more than the retry window.
func (s *Series) Append(ctx context.Context, code int) error {
	member := formatMember(code, time.Now())
	txf := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, s.key, redis.Z{Score: scoreOf(member), Member: member})
			count, err := tx.ZCard(ctx, s.key).Result()
			if err != nil {
				return err
			}
			if count+1 > s.windowSize {
				pipe.ZRemRangeByRank(ctx, s.key, 0, count+1-s.windowSize-1)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 10; attempt++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return fmt.Errorf("appending response code to series %s: %w", s.key, err)
	}
	return fmt.Errorf("appending response code to series %s: too many transaction conflicts", s.key)
}

// Iterate returns members with score >= now-ttl, newest first.
func (s *Series) Iterate(ctx context.Context, ttl time.Duration) ([]int, error) {
	min := float64(time.Now().Add(-ttl).Unix())
	members, err := s.client.ZRevRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("iterating series %s: %w", s.key, err)
	}

	codes := make([]int, 0, len(members))
	for _, m := range members {
		code, err := parseCode(m)
		if err != nil {
			return nil, fmt.Errorf("iterating series %s: %w", s.key, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// ErrorRatio is the share of yielded members whose code is in {500,503},
// 0 when the window is empty.
func (s *Series) ErrorRatio(ctx context.Context, ttl time.Duration) (float64, error) {
	codes, err := s.Iterate(ctx, ttl)
	if err != nil {
		return 0, err
	}
	if len(codes) == 0 {
		return 0, nil
	}

	errs := 0
	for _, c := range codes {
		if errorCodes[c] {
			errs++
		}
	}
	return float64(errs) / float64(len(codes)), nil
}

// GC deletes members with score < now-ttl.
func (s *Series) GC(ctx context.Context, ttl time.Duration) error {
	max := float64(time.Now().Add(-ttl).Unix())
	if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", strconv.FormatFloat(max, 'f', -1, 64)).Err(); err != nil {
		return fmt.Errorf("gc series %s: %w", s.key, err)
	}
	return nil
}

// formatMember scores a member with the unix timestamp at microsecond
// resolution, so that members appended within the same second still
// order by time rather than by their serialized code.
func formatMember(code int, at time.Time) string {
	nonce := rand.Int63()
	score := strconv.FormatFloat(float64(at.UnixMicro())/1e6, 'f', 6, 64)
	return fmt.Sprintf("%d|%s|%d", code, score, nonce)
}

func scoreOf(member string) float64 {
	parts := strings.SplitN(member, "|", 3)
	ts, _ := strconv.ParseFloat(parts[1], 64)
	return ts
}

func parseCode(member string) (int, error) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) < 1 {
		return 0, fmt.Errorf("malformed series member %q", member)
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed series member %q: %w", member, err)
	}
	return code, nil
}

// Registry lazily creates and caches one Series per endpoint URL/path,
// keyed "prefix:path:netloc", mirroring the per-process statistics
// registry the routing-table component consults for the retry-budget
// gate.
type Registry struct {
	client     *redis.Client
	prefix     string
	windowSize int64
	log        logrus.FieldLogger

	mu     chan struct{} // binary semaphore guarding series
	series map[string]*Series
}

// NewRegistry builds a Registry backed by client.
func NewRegistry(client *redis.Client, prefix string, windowSize int64, log logrus.FieldLogger) *Registry {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Registry{
		client:     client,
		prefix:     prefix,
		windowSize: windowSize,
		log:        log,
		mu:         mu,
		series:     make(map[string]*Series),
	}
}

// Key builds the Redis key for one endpoint path/netloc pair.
func (r *Registry) Key(path, netloc string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, path, netloc)
}

// For returns the Series for the given path/netloc pair, creating it on
// first use.
func (r *Registry) For(path, netloc string) *Series {
	key := r.Key(path, netloc)

	<-r.mu
	defer func() { r.mu <- struct{}{} }()

	if s, ok := r.series[key]; ok {
		return s
	}
	s := NewSeries(r.client, key, r.windowSize, r.log)
	r.series[key] = s
	return s
}
