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

package endpoint

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/eidaws/eida-gateway/internal/gwcontext"
	"github.com/eidaws/eida-gateway/internal/gwerrors"
	"github.com/eidaws/eida-gateway/internal/limit"
	"github.com/eidaws/eida-gateway/internal/sncl"
	"github.com/eidaws/eida-gateway/internal/stats"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newHandler(t *testing.T, numRetries int, retryWait time.Duration) (*Handler, *stats.Series) {
	client := testRedis(t)
	pool := limit.NewPool(client, "request-slot:http://ep1", -1, testLog())
	series := stats.NewSeries(client, "stats:response-codes:/fdsnws/dataselect/1/query:ep1", 100, testLog())
	h := NewHandler(http.DefaultClient, pool, series, nil, Config{
		NumRetries:      numRetries,
		RetryWait:       retryWait,
		EndpointTimeout: 5 * time.Second,
		SlotTimeout:     5 * time.Second,
	})
	return h, series
}

func testGwContext() *gwcontext.Context {
	return gwcontext.New(context.Background(), testLog())
}

func TestExecuteSuccessCopiesBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	h, series := newHandler(t, 0, 0)
	route := sncl.Route{URL: srv.URL, Streams: []sncl.StreamEpoch{{Network: "NN", Station: "SS", Channel: "BHZ", Start: time.Now()}}}

	var sink bytes.Buffer
	err := h.Execute(testGwContext(), route, GET, url.Values{}, &sink)
	require.NoError(t, err)
	require.Equal(t, payload, sink.Bytes())

	codes, err := series.Iterate(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int{200}, codes)
}

func TestExecuteNoContentIsEmptySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h, _ := newHandler(t, 0, 0)
	route := sncl.Route{URL: srv.URL, Streams: []sncl.StreamEpoch{{Network: "NN", Station: "SS", Channel: "BHZ", Start: time.Now()}}}

	var sink bytes.Buffer
	err := h.Execute(testGwContext(), route, GET, url.Values{}, &sink)
	require.NoError(t, err)
	require.Equal(t, 0, sink.Len())
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h, series := newHandler(t, 1, 0)
	route := sncl.Route{URL: srv.URL, Streams: []sncl.StreamEpoch{{Network: "NN", Station: "SS", Channel: "BHZ", Start: time.Now()}}}

	var sink bytes.Buffer
	err := h.Execute(testGwContext(), route, GET, url.Values{}, &sink)
	require.NoError(t, err)
	require.Equal(t, "ok", sink.String())

	codes, err := series.Iterate(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int{200, 503}, codes, "every attempt's status is appended, newest first")
}

func TestExecutePermanentErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h, series := newHandler(t, 3, 0)
	route := sncl.Route{URL: srv.URL, Streams: []sncl.StreamEpoch{{Network: "NN", Station: "SS", Channel: "BHZ", Start: time.Now()}}}

	var sink bytes.Buffer
	err := h.Execute(testGwContext(), route, GET, url.Values{}, &sink)
	require.ErrorIs(t, err, gwerrors.ErrEndpointPermanent)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "400/404 must not be retried")

	codes, err := series.Iterate(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int{404}, codes)
}

func TestExecuteRequestTooLargeNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	h, _ := newHandler(t, 2, 0)
	route := sncl.Route{URL: srv.URL, Streams: []sncl.StreamEpoch{{Network: "NN", Station: "SS", Channel: "BHZ", Start: time.Now()}}}

	var sink bytes.Buffer
	err := h.Execute(testGwContext(), route, GET, url.Values{}, &sink)
	require.ErrorIs(t, err, gwerrors.ErrRequestTooLarge)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBuildPostBodyEmptyLocationIsDashDash(t *testing.T) {
	route := sncl.Route{
		URL: "http://ep1",
		Streams: []sncl.StreamEpoch{
			{Network: "NN", Station: "SS", Location: "", Channel: "BHZ", Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
	body := BuildPostBody(route, url.Values{"service": {"dataselect"}})
	require.Contains(t, body, "service=dataselect\n")
	require.Contains(t, body, "NN SS -- BHZ 2020-01-01T00:00:00")
}
