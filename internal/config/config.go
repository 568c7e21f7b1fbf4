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

// Package config holds the gateway's configuration surface: parsing,
// defaulting and validating, the way pkg/config does for the teacher's
// listener/cluster parameters.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// ServerParameters configures the gateway's own HTTP surface.
type ServerParameters struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Validate checks the server parameters are well formed.
func (p *ServerParameters) Validate() error {
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid server port %d", p.Port)
	}
	return nil
}

// CacheParameters configures the response cache backend.
type CacheParameters struct {
	Backend string `yaml:"backend"`
	TTL     int    `yaml:"ttl"`
}

// Validate checks the cache backend is a recognized value and ttl is
// non-negative.
func (p *CacheParameters) Validate() error {
	switch p.Backend {
	case "null", "redis":
	default:
		return fmt.Errorf("invalid cache.backend %q: want null or redis", p.Backend)
	}
	if p.TTL < 0 {
		return fmt.Errorf("invalid cache.ttl %d: must be >= 0", p.TTL)
	}
	return nil
}

// StatsParameters configures the response-code time-series bounds.
type StatsParameters struct {
	TTL        int `yaml:"ttl"`
	WindowSize int `yaml:"window_size"`
}

// Validate checks the stats bounds are positive.
func (p *StatsParameters) Validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("invalid stats.ttl %d: must be > 0", p.TTL)
	}
	if p.WindowSize <= 0 {
		return fmt.Errorf("invalid stats.window_size %d: must be > 0", p.WindowSize)
	}
	return nil
}

// RedisParameters configures the shared Redis connection used by stats,
// limit and the Redis cache backend.
type RedisParameters struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Parameters holds the gateway's complete, validated configuration.
type Parameters struct {
	Server ServerParameters `yaml:"server"`
	Redis  RedisParameters  `yaml:"redis"`

	RoutingURL string `yaml:"routing_url"`
	AlimitURL  string `yaml:"alimit_url"`

	EndpointTimeout   int `yaml:"endpoint_timeout"`
	NumRetries        int `yaml:"num_retries"`
	RetryWait         int `yaml:"retry_wait"`
	MaxThreads        int `yaml:"max_threads"`
	RetryBudgetClient int `yaml:"retry_budget_client"`
	DefaultAlimit     int `yaml:"default_alimit"`

	Cache CacheParameters `yaml:"cache"`
	Stats StatsParameters `yaml:"stats"`

	TmpDir     string `yaml:"tmpdir"`
	NodataCode int    `yaml:"nodata"`

	Debug bool `yaml:"debug"`
}

// Defaults returns the parameter set used when a field is not present in
// the loaded config file, mirroring the teacher's Defaults() constructor.
func Defaults() Parameters {
	return Parameters{
		Server: ServerParameters{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Redis: RedisParameters{
			Addr: "127.0.0.1:6379",
		},
		EndpointTimeout:   30,
		NumRetries:        3,
		RetryWait:         2,
		MaxThreads:        20,
		RetryBudgetClient: 100,
		DefaultAlimit:     -1,
		Cache: CacheParameters{
			Backend: "null",
			TTL:     3600,
		},
		Stats: StatsParameters{
			TTL:        3600,
			WindowSize: 100,
		},
		TmpDir:     os.TempDir(),
		NodataCode: 204,
	}
}

// Validate checks the whole parameter set, including the nested server,
// cache and stats parameters, and returns the first field-level error
// it finds.
func (p *Parameters) Validate() error {
	if p.RoutingURL == "" {
		return fmt.Errorf("routing_url is required")
	}
	if p.EndpointTimeout <= 0 {
		return fmt.Errorf("invalid endpoint_timeout %d: must be > 0", p.EndpointTimeout)
	}
	if p.NumRetries < 0 {
		return fmt.Errorf("invalid num_retries %d: must be >= 0", p.NumRetries)
	}
	if p.RetryWait < 0 {
		return fmt.Errorf("invalid retry_wait %d: must be >= 0", p.RetryWait)
	}
	if p.MaxThreads <= 0 {
		return fmt.Errorf("invalid max_threads %d: must be > 0", p.MaxThreads)
	}
	if p.RetryBudgetClient < 0 || p.RetryBudgetClient > 100 {
		return fmt.Errorf("invalid retry_budget_client %d: must be in [0,100]", p.RetryBudgetClient)
	}
	if p.NodataCode != 204 && p.NodataCode != 404 {
		return fmt.Errorf("invalid nodata %d: must be 204 or 404", p.NodataCode)
	}
	if err := p.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := p.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := p.Stats.Validate(); err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return nil
}

// Parse decodes a YAML configuration from in, starting from Defaults and
// overlaying whatever the document sets, strict about unknown fields so
// that a typo'd key fails loudly instead of silently no-opping.
func Parse(in io.Reader) (*Parameters, error) {
	p := Defaults()
	decoder := yaml.NewDecoder(in)
	decoder.SetStrict(true)
	if err := decoder.Decode(&p); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &p, nil
}

// GetenvOr returns the named environment variable, or defaultVal if it
// is unset, mirroring the teacher's helper of the same name.
func GetenvOr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

// GetenvIntOr parses the named environment variable as an integer, or
// returns defaultVal if it is unset or unparseable.
func GetenvIntOr(key string, defaultVal int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
