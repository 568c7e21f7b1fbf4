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

// Package combine merges partial endpoint responses into one response
// per output format: binary concatenation, a StationXML tree merge,
// JSON array concatenation, and header-once text concatenation.
package combine

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
)

// Format names one of the output families a Combiner handles.
type Format int

const (
	// Binary is miniSEED/raw-byte passthrough: concatenation in
	// submission order, streamable.
	Binary Format = iota
	// StationXML requires a buffered tree merge.
	StationXML
	// JSONArray decodes each partial as a JSON array and concatenates
	// the element lists.
	JSONArray
	// Text keeps the first partial's header line and concatenates
	// data lines from the rest.
	Text
)

// BinaryCombine concatenates parts in submission order without buffering the
// whole result: io.MultiReader pulls from each reader only as the
// caller reads.
func BinaryCombine(parts []io.Reader) io.Reader {
	return io.MultiReader(parts...)
}

// JSONCombine decodes each partial as a JSON array and concatenates their
// element lists into one array, writing incrementally rather than
// building one giant in-memory slice of decoded values.
func JSONCombine(w io.Writer, parts [][]byte) error {
	if _, err := w.Write([]byte("[")); err != nil {
		return err
	}
	first := true
	for _, part := range parts {
		if len(bytes.TrimSpace(part)) == 0 {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(part, &elems); err != nil {
			return fmt.Errorf("combining JSON array: %w", err)
		}
		for _, e := range elems {
			if !first {
				if _, err := w.Write([]byte(",")); err != nil {
					return err
				}
			}
			first = false
			if _, err := w.Write(e); err != nil {
				return err
			}
		}
	}
	_, err := w.Write([]byte("]"))
	return err
}

// TextCombine keeps the first non-empty partial's header line (its
// first line) and appends every partial's remaining data lines,
// dropping the header line of subsequent partials.
func TextCombine(parts [][]byte) []byte {
	var out bytes.Buffer
	headerWritten := false

	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		lines := bytes.SplitAfter(part, []byte("\n"))
		start := 0
		if !headerWritten {
			if len(lines) > 0 {
				out.Write(lines[0])
				headerWritten = true
			}
			start = 1
		} else {
			start = 1
		}
		for _, l := range lines[start:] {
			out.Write(l)
		}
	}
	return out.Bytes()
}

// stationXMLNode is a generic container for one Network/Station
// element: its attributes (network/station code, start/end dates) plus
// its raw inner XML (child elements, verbatim), so the merge can happen
// without a full FDSN StationXML schema.
type stationXMLNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

func attrValue(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

type stationXMLDoc struct {
	XMLName  xml.Name         `xml:"FDSNStationXML"`
	Attrs    []xml.Attr       `xml:",any,attr"`
	Source   string           `xml:"Source"`
	Sender   string           `xml:"Sender,omitempty"`
	Created  string           `xml:"Created"`
	Networks []stationXMLNode `xml:"Network"`
}

// StationXMLCombine parses each partial document, merges Network
// elements by code, then merges Station elements by code within each
// network (concatenating their raw content so all Channel children
// survive), drops the resource-metadata header of non-first partials,
// and emits one coherent document.
func StationXMLCombine(parts [][]byte) ([]byte, error) {
	var header *stationXMLDoc
	networkOrder := []string{}
	networks := map[string]*mergedNetwork{}

	for i, part := range parts {
		if len(bytes.TrimSpace(part)) == 0 {
			continue
		}
		var doc stationXMLDoc
		if err := xml.Unmarshal(part, &doc); err != nil {
			return nil, fmt.Errorf("combining StationXML: parsing partial %d: %w", i, err)
		}
		if header == nil {
			header = &doc
		}

		for _, netNode := range doc.Networks {
			code := attrValue(netNode.Attrs, "code")
			mn, ok := networks[code]
			if !ok {
				mn = &mergedNetwork{attrs: netNode.Attrs}
				networks[code] = mn
				networkOrder = append(networkOrder, code)
			}
			if err := mn.mergeStations(netNode.Inner); err != nil {
				return nil, fmt.Errorf("combining StationXML: network %s: %w", code, err)
			}
		}
	}

	if header == nil {
		return nil, fmt.Errorf("combining StationXML: no non-empty partials")
	}

	var out bytes.Buffer
	out.WriteString(xml.Header)
	out.WriteString("<FDSNStationXML")
	for _, a := range header.Attrs {
		fmt.Fprintf(&out, " %s=%q", a.Name.Local, a.Value)
	}
	out.WriteString(">")
	fmt.Fprintf(&out, "<Source>%s</Source>", xmlEscape(header.Source))
	if header.Sender != "" {
		fmt.Fprintf(&out, "<Sender>%s</Sender>", xmlEscape(header.Sender))
	}
	fmt.Fprintf(&out, "<Created>%s</Created>", xmlEscape(header.Created))

	for _, code := range networkOrder {
		mn := networks[code]
		out.WriteString("<Network")
		for _, a := range mn.attrs {
			fmt.Fprintf(&out, " %s=%q", a.Name.Local, a.Value)
		}
		out.WriteString(">")
		out.Write(mn.otherInner.Bytes())
		for _, sc := range mn.stationOrder {
			st := mn.stations[sc]
			out.WriteString("<Station")
			for _, a := range st.attrs {
				fmt.Fprintf(&out, " %s=%q", a.Name.Local, a.Value)
			}
			out.WriteString(">")
			out.WriteString(st.inner.String())
			out.WriteString("</Station>")
		}
		out.WriteString("</Network>")
	}
	out.WriteString("</FDSNStationXML>")

	return out.Bytes(), nil
}

type mergedStation struct {
	attrs []xml.Attr
	inner bytes.Buffer
}

type mergedNetwork struct {
	attrs        []xml.Attr
	stationOrder []string
	stations     map[string]*mergedStation
	otherInner   bytes.Buffer
}

// mergeStations absorbs one partial's Network inner XML: Station
// children are merged by code into mn.stations, and any other child
// (Description, Comment, ...) is carried through verbatim so a network
// merge does not silently drop its non-Station metadata.
func (mn *mergedNetwork) mergeStations(networkInner string) error {
	if mn.stations == nil {
		mn.stations = map[string]*mergedStation{}
	}

	var wrapped struct {
		Stations []stationXMLNode `xml:"Station"`
		Other    []stationXMLNode `xml:",any"`
	}
	if err := xml.Unmarshal([]byte("<w>"+networkInner+"</w>"), &wrapped); err != nil {
		return err
	}

	for _, s := range wrapped.Stations {
		code := attrValue(s.Attrs, "code")
		ms, ok := mn.stations[code]
		if !ok {
			ms = &mergedStation{attrs: s.Attrs}
			mn.stations[code] = ms
			mn.stationOrder = append(mn.stationOrder, code)
		}
		ms.inner.WriteString(s.Inner)
	}

	for _, o := range wrapped.Other {
		fmt.Fprintf(&mn.otherInner, "<%s", o.XMLName.Local)
		for _, a := range o.Attrs {
			fmt.Fprintf(&mn.otherInner, " %s=%q", a.Name.Local, a.Value)
		}
		fmt.Fprintf(&mn.otherInner, ">%s</%s>", o.Inner, o.XMLName.Local)
	}
	return nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
