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

// Package gwcontext implements the request correlation/cancellation tree:
// a lightweight value carrying a correlation id, a link to its parent and
// a shared, monotonic cancellation flag, plus a logger stamped with the
// id on every record.
package gwcontext

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context is a hierarchical handle for one client request (or a task
// descended from it). It is a value type: creating a child copies the
// parent and attaches a new id, but all descendants share the same
// cancellation flag, so setting it anywhere is visible everywhere.
type Context struct {
	id        string
	parentID  string
	cancelled *atomic.Bool
	std       context.Context
	cancel    context.CancelFunc
	log       logrus.FieldLogger
}

// New creates a root Context. std is the standard-library context this
// request is already bound to (e.g. the HTTP request's context), used so
// that cooperative cancellation also observes client disconnects.
func New(std context.Context, log logrus.FieldLogger) *Context {
	ctx, cancel := context.WithCancel(std)
	id := uuid.NewString()
	return &Context{
		id:        id,
		cancelled: new(atomic.Bool),
		std:       ctx,
		cancel:    cancel,
		log:       log.WithField("request_id", id),
	}
}

// Child creates a descendant Context with its own id but the same
// cancellation flag and standard context as its ancestors: cancelling
// any member of the tree, a child included, cancels every member.
func (c *Context) Child() *Context {
	id := uuid.NewString()
	return &Context{
		id:        id,
		parentID:  c.id,
		cancelled: c.cancelled,
		std:       c.std,
		cancel:    c.cancel,
		log:       c.log.WithField("task_id", id),
	}
}

// ID returns this context's own correlation id.
func (c *Context) ID() string {
	return c.id
}

// ParentID returns the id of the context this one was derived from, or
// "" for a root context.
func (c *Context) ParentID() string {
	return c.parentID
}

// Cancel sets the shared cancellation flag. Monotonic: once set it never
// clears. Also cancels the underlying standard context so that blocking
// operations (HTTP calls, Redis transactions) observe it too.
func (c *Context) Cancel() {
	c.cancelled.Store(true)
	c.cancel()
}

// Cancelled reports whether this context or any ancestor has been
// cancelled.
func (c *Context) Cancelled() bool {
	return c.cancelled.Load()
}

// Done returns the standard-library done channel, for select statements
// at suspension points (HTTP connect/read, Redis transactions, worker
// queueing).
func (c *Context) Done() <-chan struct{} {
	return c.std.Done()
}

// Std returns the standard-library context.Context carried by this
// handle, for passing to APIs that expect one (http.NewRequestWithContext,
// go-redis calls).
func (c *Context) Std() context.Context {
	return c.std
}

// Log returns the logger pre-stamped with this context's correlation id.
func (c *Context) Log() logrus.FieldLogger {
	return c.log
}
