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

package gatewayhttp

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eidaws/eida-gateway/internal/combine"
)

func TestParseGETRequestRequiresStart(t *testing.T) {
	r := httptest.NewRequest("GET", "/fdsnws/dataselect/1/query?net=NN&sta=SS", nil)
	_, err := parseGETRequest(r, services["dataselect"])
	require.Error(t, err)
}

func TestParseGETRequestDefaultsWildcards(t *testing.T) {
	r := httptest.NewRequest("GET", "/fdsnws/dataselect/1/query?start=2020-01-01T00:00:00", nil)
	req, err := parseGETRequest(r, services["dataselect"])
	require.NoError(t, err)
	require.Len(t, req.StreamSelectors, 1)
	require.Equal(t, "*", req.StreamSelectors[0].Network)
	require.Equal(t, "*", req.StreamSelectors[0].Station)
}

func TestParseGETRequestFormatTextOverride(t *testing.T) {
	r := httptest.NewRequest("GET", "/fdsnws/station/1/query?start=2020-01-01T00:00:00&format=text", nil)
	req, err := parseGETRequest(r, services["station"])
	require.NoError(t, err)
	require.Equal(t, combine.Text, req.Format)
}

func TestParseGETRequestAcceptsZoneQualifiedTime(t *testing.T) {
	r := httptest.NewRequest("GET", "/fdsnws/dataselect/1/query?start=2020-01-01T00:00:00Z&end=2020-01-01T00:10:00%2B00:00", nil)
	req, err := parseGETRequest(r, services["dataselect"])
	require.NoError(t, err)
	require.Len(t, req.StreamSelectors, 1)
}

func TestParsePOSTRequestParsesOptionsAndSelectors(t *testing.T) {
	body := "service=dataselect\n" +
		"NN SS -- BHZ 2020-01-01T00:00:00 2020-01-01T00:10:00\n" +
		"NN SS2 -- BHZ 2020-01-01T00:00:00 2020-01-01T00:10:00\n"

	r := httptest.NewRequest("POST", "/fdsnws/dataselect/1/query", strings.NewReader(body))
	req, err := parsePOSTRequest(r, services["dataselect"])
	require.NoError(t, err)
	require.Len(t, req.StreamSelectors, 2)
	require.Equal(t, []string{"dataselect"}, req.QueryParams["service"])
}

func TestParsePOSTRequestRejectsNoSelectors(t *testing.T) {
	r := httptest.NewRequest("POST", "/fdsnws/dataselect/1/query", strings.NewReader("service=dataselect\n"))
	_, err := parsePOSTRequest(r, services["dataselect"])
	require.Error(t, err)
}
