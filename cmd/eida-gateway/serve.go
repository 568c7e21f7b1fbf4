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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/eidaws/eida-gateway/internal/config"
	"github.com/eidaws/eida-gateway/internal/engine"
	"github.com/eidaws/eida-gateway/internal/gatewayhttp"
	"github.com/eidaws/eida-gateway/internal/metrics"
)

// serveContext holds the parsed configuration for the serve command,
// the way the teacher's serveContext wraps a *config.Parameters.
type serveContext struct {
	params config.Parameters
}

func newServeContext() *serveContext {
	p := config.Defaults()
	return &serveContext{params: p}
}

// registerServe registers the serve subcommand and its flags.
//
// The precedence of configuration is: config file, overridden by env
// vars (applied through the Envar bindings on the flags below),
// overridden by CLI flags. Since -c is itself a CLI flag, its value is
// not known until CLI flags have been parsed once, so -c carries a
// post-parse Action that loads the file, and main parses args twice
// (see main.go): the second pass lets explicitly-set flags win over
// whatever the file set.
func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	serve := app.Command("serve", "Run the gateway HTTP service.")

	var (
		configFile string
		parsed     bool
	)
	ctx := newServeContext()

	parseConfig := func(_ *kingpin.ParseContext) error {
		if parsed || configFile == "" {
			return nil
		}

		f, err := os.Open(configFile)
		if err != nil {
			return err
		}
		defer f.Close()

		params, err := config.Parse(f)
		if err != nil {
			return err
		}

		parsed = true
		ctx.params = *params
		return nil
	}

	serve.Flag("config-path", "Path to the gateway configuration file.").Short('c').PlaceHolder("/path/to/file").Action(parseConfig).ExistingFileVar(&configFile)

	serve.Flag("address", "Address the gateway HTTP service binds to.").PlaceHolder("<ipaddr>").StringVar(&ctx.params.Server.Address)
	serve.Flag("port", "Port the gateway HTTP service binds to.").PlaceHolder("<port>").IntVar(&ctx.params.Server.Port)

	serve.Flag("routing-url", "URL of the routing resolver service.").PlaceHolder("<url>").Envar("EIDA_GATEWAY_ROUTING_URL").StringVar(&ctx.params.RoutingURL)
	serve.Flag("alimit-url", "URL of the access-limit service.").PlaceHolder("<url>").Envar("EIDA_GATEWAY_ALIMIT_URL").StringVar(&ctx.params.AlimitURL)

	serve.Flag("endpoint-timeout", "Per-attempt endpoint timeout, in seconds.").IntVar(&ctx.params.EndpointTimeout)
	serve.Flag("num-retries", "Number of retries against a transiently failing endpoint.").IntVar(&ctx.params.NumRetries)
	serve.Flag("retry-wait", "Wait between endpoint retries, in seconds.").IntVar(&ctx.params.RetryWait)
	serve.Flag("max-threads", "Maximum number of concurrently dispatched tasks.").IntVar(&ctx.params.MaxThreads)
	serve.Flag("retry-budget-client", "Client-side retry budget, as a percentage in [0,100].").IntVar(&ctx.params.RetryBudgetClient)
	serve.Flag("default-alimit", "Default per-endpoint concurrency limit (-1 for unlimited).").IntVar(&ctx.params.DefaultAlimit)

	serve.Flag("cache-backend", "Response cache backend: null or redis.").StringVar(&ctx.params.Cache.Backend)
	serve.Flag("cache-ttl", "Response cache entry TTL, in seconds.").IntVar(&ctx.params.Cache.TTL)

	serve.Flag("stats-ttl", "Response-code time series TTL, in seconds.").IntVar(&ctx.params.Stats.TTL)
	serve.Flag("stats-window-size", "Response-code time series bound, in members.").IntVar(&ctx.params.Stats.WindowSize)

	serve.Flag("redis-addr", "Address of the shared Redis instance.").Envar("EIDA_GATEWAY_REDIS_ADDR").StringVar(&ctx.params.Redis.Addr)
	serve.Flag("redis-password", "Password for the shared Redis instance.").Envar("EIDA_GATEWAY_REDIS_PASSWORD").StringVar(&ctx.params.Redis.Password)
	serve.Flag("redis-db", "Database index on the shared Redis instance.").IntVar(&ctx.params.Redis.DB)

	serve.Flag("nodata", "HTTP status returned for no-data responses: 204 or 404.").IntVar(&ctx.params.NodataCode)
	serve.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&ctx.params.Debug)

	return serve, ctx
}

// doServe wires every shared dependency and runs the gateway HTTP
// service until an interrupt or terminate signal arrives.
func doServe(log *logrus.Logger, serveCtx *serveContext) error {
	params := serveCtx.params

	redisClient := redis.NewClient(&redis.Options{
		Addr:     params.Redis.Addr,
		Password: params.Redis.Password,
		DB:       params.Redis.DB,
	})

	registry := prometheus.NewRegistry()
	mtr := metrics.NewMetrics(registry)

	eng := engine.New(&params, redisClient, log, mtr)
	svc := gatewayhttp.NewService(params.Server.Address, params.Server.Port, eng, log, registry, mtr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"address":     params.Server.Address,
		"port":        params.Server.Port,
		"routing_url": params.RoutingURL,
		"cache":       params.Cache.Backend,
	}).Info("starting eida-gateway")

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("running gateway HTTP service: %w", err)
	}
	return nil
}
