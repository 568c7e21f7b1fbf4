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

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsArePopulated(t *testing.T) {
	d := Defaults()
	require.Equal(t, 8080, d.Server.Port)
	require.Equal(t, "null", d.Cache.Backend)
	require.Equal(t, -1, d.DefaultAlimit)
}

func TestParseOverlaysDefaults(t *testing.T) {
	in := strings.NewReader(`
routing_url: http://resolver.example/
max_threads: 50
cache:
  backend: redis
`)
	p, err := Parse(in)
	require.NoError(t, err)
	require.Equal(t, "http://resolver.example/", p.RoutingURL)
	require.Equal(t, 50, p.MaxThreads)
	require.Equal(t, "redis", p.Cache.Backend)
	require.Equal(t, 3600, p.Cache.TTL, "unset fields keep their default")
}

func TestParseRejectsUnknownFields(t *testing.T) {
	in := strings.NewReader("routing_url: http://x/\nbogus_field: 1\n")
	_, err := Parse(in)
	require.Error(t, err)
}

func TestParseRequiresRoutingURL(t *testing.T) {
	in := strings.NewReader("max_threads: 10\n")
	_, err := Parse(in)
	require.Error(t, err)
}

func TestValidateRejectsBadCacheBackend(t *testing.T) {
	p := Defaults()
	p.RoutingURL = "http://x/"
	p.Cache.Backend = "memcached"
	require.Error(t, p.Validate())
}

func TestValidateRejectsOutOfRangeRetryBudget(t *testing.T) {
	p := Defaults()
	p.RoutingURL = "http://x/"
	p.RetryBudgetClient = 150
	require.Error(t, p.Validate())
}

func TestGetenvOr(t *testing.T) {
	require.Equal(t, "fallback", GetenvOr("EIDA_GATEWAY_NONEXISTENT_VAR", "fallback"))
}
