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

// Package gwerrors carries the gateway's error taxonomy as sentinel
// values, plus the FDSN plain-text error body renderer. Core components
// return these (wrapped with %w for detail); only the outer HTTP layer
// maps them to status codes and bodies.
package gwerrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the taxonomy in the error-handling design. Wrap
// with fmt.Errorf("...: %w", ErrX) to attach detail while keeping
// errors.Is working for callers that only care about the kind.
var (
	// ErrClientInput is malformed parameters, body syntax, or a
	// forbidden combination of options. Maps to HTTP 400.
	ErrClientInput = errors.New("client input error")

	// ErrNoData is a resolver 204 or "all endpoints returned 204".
	// Maps to the configured nodata status (default 204).
	ErrNoData = errors.New("no data")

	// ErrRouting is a resolver transport failure, 5xx, or malformed
	// body. Maps to HTTP 500.
	ErrRouting = errors.New("routing error")

	// ErrEndpointTransient is a 5xx or network error from an endpoint.
	// Retried inside the task; never escapes a task on its own.
	ErrEndpointTransient = errors.New("endpoint transient error")

	// ErrEndpointPermanent is a 4xx from an endpoint other than 413.
	// Recorded; the partial result is simply omitted from combining.
	ErrEndpointPermanent = errors.New("endpoint permanent error")

	// ErrRequestTooLarge is a 413 from an endpoint.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrCapacityRefused is a slot-acquire timeout. The route is
	// dropped, not retried in this process.
	ErrCapacityRefused = errors.New("capacity refused")

	// ErrAggregateFailure is "every dispatched task produced no
	// bytes". Surfaced to the client as NoData.
	ErrAggregateFailure = errors.New("aggregate failure")

	// ErrCancelled is a client disconnect or deadline exceeded. No
	// response body completion, no cache write.
	ErrCancelled = errors.New("cancelled")
)

// StatusCode maps a taxonomy error to the FDSN-convention HTTP status,
// given the deployment's configured nodata code (204 or 404).
func StatusCode(err error, nodataCode int) int {
	switch {
	case errors.Is(err, ErrClientInput):
		return 400
	case errors.Is(err, ErrNoData), errors.Is(err, ErrAggregateFailure):
		return nodataCode
	case errors.Is(err, ErrRouting):
		return 500
	case errors.Is(err, ErrCapacityRefused):
		return 503
	case errors.Is(err, ErrCancelled):
		return 499
	default:
		return 500
	}
}

// ErrorMessage renders the FDSN plain-text error body: service version,
// the submitted URL, the UTC submission time, and a human-readable
// reason, laid out the way upstream FDSN services render theirs.
type ErrorMessage struct {
	Code        int
	Message     string
	Version     string
	RequestURL  string
	RequestTime time.Time
}

const errorMessageTemplate = `Error %d: %s

%s

Usage details are available from %s

Request:
%s

Request Submitted:
%s

Service version:
%s
`

// RenderBody renders the message using the FDSN template: a short
// reason line, then the offending URL and its submission time.
func (m ErrorMessage) RenderBody() string {
	return fmt.Sprintf(errorMessageTemplate,
		m.Code, statusText(m.Code),
		m.Message,
		m.RequestURL,
		m.RequestURL,
		m.RequestTime.UTC().Format(time.RFC1123),
		m.Version,
	)
}

func statusText(code int) string {
	switch code {
	case 204:
		return "No Data"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 413:
		return "Request Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Error"
	}
}
