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

package combine

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinaryCombineConcatenatesInOrder(t *testing.T) {
	r := BinaryCombine([]io.Reader{
		strings.NewReader("aaa"),
		strings.NewReader("bbb"),
		strings.NewReader("ccc"),
	})
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "aaabbbccc", string(out))
}

func TestJSONCombineConcatenatesArrays(t *testing.T) {
	var out bytes.Buffer
	err := JSONCombine(&out, [][]byte{
		[]byte(`[{"a":1},{"a":2}]`),
		[]byte(`[{"a":3}]`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `[{"a":1},{"a":2},{"a":3}]`, out.String())
}

func TestJSONCombineSkipsEmptyParts(t *testing.T) {
	var out bytes.Buffer
	err := JSONCombine(&out, [][]byte{{}, []byte(`[{"a":1}]`)})
	require.NoError(t, err)
	require.JSONEq(t, `[{"a":1}]`, out.String())
}

func TestTextCombineKeepsOnlyFirstHeader(t *testing.T) {
	out := TextCombine([][]byte{
		[]byte("header\nrow1\nrow2\n"),
		[]byte("header\nrow3\n"),
	})
	require.Equal(t, "header\nrow1\nrow2\nrow3\n", string(out))
}

func TestStationXMLCombineMergesNetworksAndStations(t *testing.T) {
	docA := []byte(`<?xml version="1.0"?>
<FDSNStationXML schemaVersion="1.1">
<Source>eida-gateway</Source>
<Created>2020-01-01T00:00:00</Created>
<Network code="NN">
<Station code="SS1"><Channel code="BHZ"/></Station>
</Network>
</FDSNStationXML>`)

	docB := []byte(`<?xml version="1.0"?>
<FDSNStationXML schemaVersion="1.1">
<Source>other</Source>
<Created>2020-01-01T00:00:00</Created>
<Network code="NN">
<Station code="SS2"><Channel code="BHN"/></Station>
</Network>
<Network code="OO">
<Station code="TT1"><Channel code="BHE"/></Station>
</Network>
</FDSNStationXML>`)

	out, err := StationXMLCombine([][]byte{docA, docB})
	require.NoError(t, err)

	s := string(out)
	require.Contains(t, s, `<Source>eida-gateway</Source>`, "header comes from the first partial")
	require.Contains(t, s, `code="NN"`)
	require.Contains(t, s, `code="OO"`)
	require.Contains(t, s, `code="SS1"`)
	require.Contains(t, s, `code="SS2"`)
	require.Contains(t, s, `code="BHZ"`)
	require.Contains(t, s, `code="BHN"`)
}

func TestStationXMLCombineKeepsNetworkDescription(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<FDSNStationXML schemaVersion="1.1">
<Source>eida-gateway</Source>
<Created>2020-01-01T00:00:00</Created>
<Network code="NN">
<Description>Example network</Description>
<Station code="SS1"><Channel code="BHZ"/></Station>
</Network>
</FDSNStationXML>`)

	out, err := StationXMLCombine([][]byte{doc})
	require.NoError(t, err)

	s := string(out)
	require.Contains(t, s, `<Description>Example network</Description>`, "non-Station network children must survive a merge")
	require.Contains(t, s, `code="SS1"`)
}

func TestStationXMLCombineMergesDuplicateStationChannels(t *testing.T) {
	docA := []byte(`<?xml version="1.0"?>
<FDSNStationXML schemaVersion="1.1">
<Source>a</Source>
<Created>2020-01-01T00:00:00</Created>
<Network code="NN">
<Station code="SS1"><Channel code="BHZ"/></Station>
</Network>
</FDSNStationXML>`)

	docB := []byte(`<?xml version="1.0"?>
<FDSNStationXML schemaVersion="1.1">
<Source>b</Source>
<Created>2020-01-01T00:00:00</Created>
<Network code="NN">
<Station code="SS1"><Channel code="BHN"/></Station>
</Network>
</FDSNStationXML>`)

	out, err := StationXMLCombine([][]byte{docA, docB})
	require.NoError(t, err)

	s := string(out)
	require.Contains(t, s, `code="BHZ"`)
	require.Contains(t, s, `code="BHN"`, "channels from both partials of the same station must survive")
}
