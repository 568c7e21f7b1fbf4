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

// Package workerpool is a fixed-size pool executing endpoint-call or
// combining-task closures. Results are collected asynchronously; the
// caller awaits handles in submission order to preserve a deterministic
// stream of output segments.
package workerpool

import (
	"github.com/eidaws/eida-gateway/internal/gwcontext"
)

// Pool bounds concurrent outbound work to maxThreads, the way a fixed
// worker count bounds concurrent connections in the teacher's workgroup.
type Pool struct {
	sem chan struct{}
}

// New builds a Pool admitting at most maxThreads concurrently running
// tasks.
func New(maxThreads int) *Pool {
	if maxThreads <= 0 {
		maxThreads = 1
	}
	return &Pool{sem: make(chan struct{}, maxThreads)}
}

// Task is one unit of work submitted to the pool: a single endpoint
// call, or a nested combining run. It observes gctx for cooperative
// cancellation at its own suspension points.
type Task[T any] func(gctx *gwcontext.Context) T

// Handle is the asynchronous result of one submitted Task.
type Handle[T any] struct {
	done   chan struct{}
	result T
}

// Wait blocks until the task completes and returns its result.
func (h *Handle[T]) Wait() T {
	<-h.done
	return h.result
}

// Submit queues task for execution and returns immediately with a
// Handle; when the pool is at capacity the task waits for a free slot
// in its own goroutine, so Submit itself never blocks. gctx is
// passed to the task so it can observe cancellation; the submission
// order across a sequence of Submit calls is the order results must be
// collected in to satisfy the engine's output-ordering guarantee.
func Submit[T any](p *Pool, gctx *gwcontext.Context, task Task[T]) *Handle[T] {
	h := &Handle[T]{done: make(chan struct{})}
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		h.result = task(gctx)
		close(h.done)
	}()
	return h
}

// Dispatch submits every task in order and returns their handles in the
// same order, ready to be awaited deterministically.
func Dispatch[T any](p *Pool, gctx *gwcontext.Context, tasks []Task[T]) []*Handle[T] {
	handles := make([]*Handle[T], len(tasks))
	for i, t := range tasks {
		handles[i] = Submit(p, gctx, t)
	}
	return handles
}

// Collect awaits every handle in order, returning their results in
// submission order.
func Collect[T any](handles []*Handle[T]) []T {
	results := make([]T, len(handles))
	for i, h := range handles {
		results[i] = h.Wait()
	}
	return results
}
