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

// Package gatewayhttp is the outer HTTP surface: path framing, GET
// query-string and POST FDSN-body parsing, and FDSN error-body
// rendering. It is the only layer that maps internal/gwerrors taxonomy
// values to HTTP status codes and bodies; every package underneath
// returns tagged errors and never writes to an http.ResponseWriter
// itself.
package gatewayhttp

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eidaws/eida-gateway/internal/combine"
	"github.com/eidaws/eida-gateway/internal/engine"
	"github.com/eidaws/eida-gateway/internal/gwcontext"
	"github.com/eidaws/eida-gateway/internal/gwerrors"
	"github.com/eidaws/eida-gateway/internal/metrics"
	"github.com/eidaws/eida-gateway/internal/sncl"
	"github.com/eidaws/eida-gateway/internal/strategy"
)

const version = "1.0.0"

// serviceConfig pairs a service family with the output format its
// responses combine as and the request-strategy variant it dispatches
// with.
type serviceConfig struct {
	name     string
	format   combine.Format
	strategy strategy.Kind
}

var services = map[string]serviceConfig{
	"dataselect": {name: "dataselect", format: combine.Binary, strategy: strategy.Granular},
	"station":    {name: "station", format: combine.StationXML, strategy: strategy.NetworkCombining},
	"wfcatalog":  {name: "wfcatalog", format: combine.JSONArray, strategy: strategy.NetworkBulk},
}

// Service is the gateway's own HTTP surface: it embeds an *http.ServeMux
// the way the teacher's internal/httpsvc.Service does, and holds one
// Engine rather than any module-level state.
type Service struct {
	*http.ServeMux
	logrus.FieldLogger

	Addr string
	Port int

	eng *engine.Engine
	mtr *metrics.Metrics
}

// NewService builds a Service bound to addr:port, serving every route
// named in the gateway surface (spec §6) against eng.
func NewService(addr string, port int, eng *engine.Engine, log logrus.FieldLogger, registry *prometheus.Registry, mtr *metrics.Metrics) *Service {
	s := &Service{
		ServeMux:    http.NewServeMux(),
		FieldLogger: log,
		Addr:        addr,
		Port:        port,
		eng:         eng,
		mtr:         mtr,
	}
	s.registerRoutes(registry)
	return s
}

func (s *Service) registerRoutes(registry *prometheus.Registry) {
	for path, cfg := range services {
		cfg := cfg
		s.Handle(fmt.Sprintf("/fdsnws/%s/1/query", path), s.queryHandler(cfg))
		s.HandleFunc(fmt.Sprintf("/fdsnws/%s/1/version", path), versionHandler)
		s.HandleFunc(fmt.Sprintf("/fdsnws/%s/1/application.wadl", path), wadlHandler(path))
	}
	if registry != nil {
		s.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
}

// NeedLeaderElection reports that every gateway instance serves
// traffic independently: there is no singleton controller loop here.
func (s *Service) NeedLeaderElection() bool {
	return false
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully, mirroring the teacher's internal/httpsvc.Service.Start.
func (s *Service) Start(ctx context.Context) error {
	srv := http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.Addr, s.Port),
		Handler:        s.ServeMux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Minute,
		MaxHeaderBytes: 1 << 11,
	}

	done := make(chan error, 1)
	go func() {
		s.WithField("address", srv.Addr).Info("started gateway HTTP service")
		done <- srv.ListenAndServe()
	}()

	select {
	case err := <-done:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.Info("stopping gateway HTTP service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Service) queryHandler(cfg serviceConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gctx := gwcontext.New(r.Context(), s.FieldLogger)
		defer gctx.Cancel()

		req, err := parseRequest(r, cfg)
		if err != nil {
			s.mtr.ObserveRequest(cfg.name, http.StatusBadRequest)
			s.writeError(w, r, gwerrors.ErrClientInput, err)
			return
		}

		w.Header().Set("Content-Type", contentTypeFor(cfg.format))
		if err := s.eng.Process(gctx, req, w); err != nil {
			s.mtr.ObserveRequest(cfg.name, s.eng.StatusCode(err))
			s.writeError(w, r, err, err)
			return
		}
		s.mtr.ObserveRequest(cfg.name, http.StatusOK)
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, taxonomy error, detail error) {
	code := s.eng.StatusCode(taxonomy)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)

	msg := gwerrors.ErrorMessage{
		Code:        code,
		Message:     detail.Error(),
		Version:     version,
		RequestURL:  r.URL.String(),
		RequestTime: time.Now(),
	}
	fmt.Fprint(w, msg.RenderBody())
}

func contentTypeFor(format combine.Format) string {
	switch format {
	case combine.StationXML:
		return "application/xml"
	case combine.JSONArray:
		return "application/json"
	case combine.Text:
		return "text/plain"
	default:
		return "application/vnd.fdsn.mseed"
	}
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, version)
}

func wadlHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, "<?xml version=\"1.0\"?>\n<application xmlns=\"http://wadl.dev.java.net/2009/02\"><!-- %s WADL not generated by this deployment --></application>\n", service)
	}
}

// parseRequest builds an engine.Request from either a GET query string
// or a POST FDSN body, the way spec §6 describes the gateway surface.
func parseRequest(r *http.Request, cfg serviceConfig) (engine.Request, error) {
	switch r.Method {
	case http.MethodGet:
		return parseGETRequest(r, cfg)
	case http.MethodPost:
		return parsePOSTRequest(r, cfg)
	default:
		return engine.Request{}, fmt.Errorf("unsupported method %s", r.Method)
	}
}

func parseGETRequest(r *http.Request, cfg serviceConfig) (engine.Request, error) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"), q.Get("starttime"))
	if err != nil {
		return engine.Request{}, err
	}

	se := sncl.StreamEpoch{
		Network:  orWildcard(q.Get("net"), q.Get("network")),
		Station:  orWildcard(q.Get("sta"), q.Get("station")),
		Location: q.Get("loc"),
		Channel:  orWildcard(q.Get("cha"), q.Get("channel")),
		Start:    start,
	}
	if end := firstNonEmpty(q.Get("end"), q.Get("endtime")); end != "" {
		endTime, err := parseFDSNTime(end)
		if err != nil {
			return engine.Request{}, fmt.Errorf("invalid end time %q: %w", end, err)
		}
		se.End = endTime
	}
	if err := se.Validate(); err != nil {
		return engine.Request{}, err
	}

	return engine.Request{
		Service:         cfg.name,
		Format:          resolveFormat(cfg, q.Get("format")),
		QueryParams:     q,
		StreamSelectors: []sncl.StreamEpoch{se},
		StrategyKind:    cfg.strategy,
	}, nil
}

func parsePOSTRequest(r *http.Request, cfg serviceConfig) (engine.Request, error) {
	defer r.Body.Close()

	queryParams := map[string][]string{}
	var selectors []sncl.StreamEpoch

	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && !strings.Contains(k, " ") {
			queryParams[k] = append(queryParams[k], v)
			continue
		}
		se, err := sncl.ParseSNCLLine(line, time.Time{})
		if err != nil {
			return engine.Request{}, fmt.Errorf("malformed POST body line %q: %w", line, err)
		}
		if err := se.Validate(); err != nil {
			return engine.Request{}, err
		}
		selectors = append(selectors, se)
	}
	if err := scanner.Err(); err != nil {
		return engine.Request{}, fmt.Errorf("reading POST body: %w", err)
	}
	if len(selectors) == 0 {
		return engine.Request{}, fmt.Errorf("POST body contained no stream selectors")
	}

	return engine.Request{
		Service:         cfg.name,
		Format:          resolveFormat(cfg, firstOf(queryParams["format"])),
		QueryParams:     queryParams,
		StreamSelectors: selectors,
		StrategyKind:    cfg.strategy,
	}, nil
}

// resolveFormat honors an explicit format=text override and otherwise
// uses the service's default combining format. The source's own
// format=='text' check was a truthy test that was always true; here it
// is a real equality comparison.
func resolveFormat(cfg serviceConfig, requested string) combine.Format {
	if requested == "text" {
		return combine.Text
	}
	return cfg.format
}

func parseTime(vals ...string) (time.Time, error) {
	v := firstNonEmpty(vals...)
	if v == "" {
		return time.Time{}, fmt.Errorf("start time is required")
	}
	t, err := parseFDSNTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start time %q: %w", v, err)
	}
	return t, nil
}

// parseFDSNTime parses an FDSN query time: the zone-less
// "YYYY-MM-DDThh:mm:ss" form sncl.TimeLayout uses for POST-line wire
// syntax, with an RFC3339 zone designator accepted as a superset.
func parseFDSNTime(v string) (time.Time, error) {
	if t, err := time.Parse(sncl.TimeLayout, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstOf(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func orWildcard(vals ...string) string {
	v := firstNonEmpty(vals...)
	if v == "" {
		return "*"
	}
	return v
}
