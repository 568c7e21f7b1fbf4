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

// Package sncl holds the value types shared by the routing and fan-out
// layers: stream epochs (network/station/location/channel + time range),
// routes (an endpoint paired with the epochs it serves) and routing
// tables (the resolver's answer for one client selector).
package sncl

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeLayout is the FDSN zone-less time format used in POST-line wire
// syntax and GET query parameters.
const TimeLayout = "2006-01-02T15:04:05"

// StreamEpoch is a SNCL tuple plus a, possibly open, time interval.
// Wildcards ('*', '?') are legal in the four code fields.
type StreamEpoch struct {
	Network  string
	Station  string
	Location string
	Channel  string
	Start    time.Time
	End      time.Time // zero value means open
}

// HasOpenEnd reports whether the epoch has no closed end time.
func (s StreamEpoch) HasOpenEnd() bool {
	return s.End.IsZero()
}

// Validate checks the invariants from the data model: start is required,
// and if end is closed it must be strictly after start.
func (s StreamEpoch) Validate() error {
	if s.Start.IsZero() {
		return fmt.Errorf("stream epoch %s: start time is required", s.SNCL())
	}
	if !s.HasOpenEnd() && !s.End.After(s.Start) {
		return fmt.Errorf("stream epoch %s: end %s is not after start %s", s.SNCL(), s.End, s.Start)
	}
	return nil
}

// SNCL renders the four code fields, dot-joined, for logging.
func (s StreamEpoch) SNCL() string {
	return strings.Join([]string{s.Network, s.Station, s.Location, s.Channel}, ".")
}

// PostLine renders the epoch as one FDSNWS POST body line:
// "NET STA LOC CHA START END", with an empty location emitted as "--".
// defaultEnd substitutes a concrete end time for an open epoch.
func (s StreamEpoch) PostLine(defaultEnd time.Time) string {
	loc := s.Location
	if loc == "" {
		loc = "--"
	}

	end := s.End
	if end.IsZero() {
		end = defaultEnd
	}

	return fmt.Sprintf("%s %s %s %s %s %s",
		s.Network, s.Station, loc, s.Channel,
		s.Start.UTC().Format(TimeLayout), end.UTC().Format(TimeLayout))
}

// SelectorLine renders the epoch as one resolver selector line,
// "NET STA LOC CHA START [END]", omitting the end field entirely when
// the epoch is open-ended rather than substituting a placeholder time,
// unlike PostLine which always emits a concrete end for endpoints that
// require one.
func (s StreamEpoch) SelectorLine() string {
	loc := s.Location
	if loc == "" {
		loc = "--"
	}
	if s.HasOpenEnd() {
		return fmt.Sprintf("%s %s %s %s %s",
			s.Network, s.Station, loc, s.Channel, s.Start.UTC().Format(TimeLayout))
	}
	return fmt.Sprintf("%s %s %s %s %s %s",
		s.Network, s.Station, loc, s.Channel,
		s.Start.UTC().Format(TimeLayout), s.End.UTC().Format(TimeLayout))
}

// CanonicalString renders a StreamEpoch deterministically, including an
// open end marker, for use in the cache fingerprint.
func (s StreamEpoch) CanonicalString() string {
	end := "-"
	if !s.HasOpenEnd() {
		end = s.End.UTC().Format(time.RFC3339)
	}
	loc := s.Location
	if loc == "" {
		loc = "--"
	}
	return strings.Join([]string{
		s.Network, s.Station, loc, s.Channel,
		s.Start.UTC().Format(time.RFC3339), end,
	}, "|")
}

// ParseSNCLLine parses one resolver/POST line of the form
// "NET STA LOC CHA START [END]". A missing or "--" location becomes "".
// A missing END yields an open epoch unless defaultEnd is non-zero, in
// which case defaultEnd is substituted (used when re-issuing POST
// requests, where downstream endpoints require a concrete range).
func ParseSNCLLine(line string, defaultEnd time.Time) (StreamEpoch, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return StreamEpoch{}, fmt.Errorf("malformed SNCL line: %q", line)
	}

	start, err := time.Parse(TimeLayout, fields[4])
	if err != nil {
		return StreamEpoch{}, fmt.Errorf("malformed SNCL line %q: %w", line, err)
	}

	se := StreamEpoch{
		Network:  fields[0],
		Station:  fields[1],
		Location: fields[2],
		Channel:  fields[3],
		Start:    start,
	}
	if se.Location == "--" {
		se.Location = ""
	}

	if len(fields) >= 6 {
		end, err := time.Parse(TimeLayout, fields[5])
		if err != nil {
			return StreamEpoch{}, fmt.Errorf("malformed SNCL line %q: %w", line, err)
		}
		se.End = end
	} else if !defaultEnd.IsZero() {
		se.End = defaultEnd
	}

	return se, nil
}

// SortStreamEpochs returns a sorted copy of epochs, ordered by their
// canonical string form. Used so that fingerprinting and idempotence
// checks are insensitive to input order.
func SortStreamEpochs(epochs []StreamEpoch) []StreamEpoch {
	out := make([]StreamEpoch, len(epochs))
	copy(out, epochs)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CanonicalString() < out[j].CanonicalString()
	})
	return out
}

// Route pairs an endpoint URL with the (already resolved, wildcard-free)
// stream epochs it will serve.
type Route struct {
	URL     string
	Streams []StreamEpoch
}

// Validate checks that the route carries at least one stream epoch and
// that each epoch is itself valid.
func (r Route) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("route: missing endpoint URL")
	}
	if len(r.Streams) == 0 {
		return fmt.Errorf("route %s: no stream epochs", r.URL)
	}
	for _, se := range r.Streams {
		if err := se.Validate(); err != nil {
			return fmt.Errorf("route %s: %w", r.URL, err)
		}
	}
	return nil
}

// RoutingTable is the unordered mapping endpointURL -> stream epochs
// returned by the routing resolver for one client selector.
type RoutingTable map[string][]StreamEpoch

// Clone returns a shallow copy of the table safe for a strategy to filter
// in place without mutating the caller's table.
func (rt RoutingTable) Clone() RoutingTable {
	out := make(RoutingTable, len(rt))
	for url, streams := range rt {
		cp := make([]StreamEpoch, len(streams))
		copy(cp, streams)
		out[url] = cp
	}
	return out
}

// URLs returns the routed endpoint URLs in sorted order, for deterministic
// iteration (required so that strategies produce stable work lists).
func (rt RoutingTable) URLs() []string {
	urls := make([]string, 0, len(rt))
	for url := range rt {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}
