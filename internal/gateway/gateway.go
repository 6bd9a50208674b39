// Copyright 2025 Tom Barlow
//
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

// Package gateway delegates worker tasks to the adapter registered for their
// worker kind, tracking active delegations so callers can observe and cancel
// them (spec §4.7).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foreman-run/foreman/internal/workeradapter"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// Gateway routes tasks to the adapter registered for their worker kind.
type Gateway struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]workeradapter.Adapter
	active   map[string]activeDelegation
}

type activeDelegation struct {
	handle  *workeradapter.Handle
	adapter workeradapter.Adapter
}

// Config constructs a Gateway.
type Config struct {
	Logger *slog.Logger
}

// New constructs a Gateway with no adapters registered.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		logger:   cfg.Logger,
		adapters: make(map[string]workeradapter.Adapter),
		active:   make(map[string]activeDelegation),
	}
}

// Register binds an adapter to a worker kind. Registering the same kind
// twice replaces the prior adapter.
func (g *Gateway) Register(kind string, adapter workeradapter.Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[kind] = adapter
}

// ActiveCount reports the number of in-flight delegations.
func (g *Gateway) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.active)
}

// DelegateTask starts task on its worker kind's adapter, observes its event
// stream for the caller-supplied onEvent callback, and blocks until the
// worker produces a terminal result. If task.Cancel fires before the result
// settles, the adapter is asked to cancel but DelegateTask still waits for
// and returns the terminal (cancelled) result — callers never see "zero
// after settle" ambiguity about whether the worker is still running.
func (g *Gateway) DelegateTask(ctx context.Context, task workeradapter.Task, onEvent func(workeradapter.Event)) (*workeradapter.Result, error) {
	g.mu.RLock()
	adapter, ok := g.adapters[task.WorkerKind]
	g.mu.RUnlock()
	if !ok {
		exitCode := -1
		return &workeradapter.Result{
			Status:     workeradapter.StatusFailed,
			ErrorClass: ferrors.ErrorClassNonRetryable,
			ExitCode:   &exitCode,
		}, fmt.Errorf("gateway: no adapter registered for worker kind %q", task.WorkerKind)
	}

	handle, err := adapter.StartTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("gateway: starting task %s: %w", task.ID, err)
	}

	g.mu.Lock()
	g.active[task.ID] = activeDelegation{handle: handle, adapter: adapter}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.active, task.ID)
		g.mu.Unlock()
	}()

	if task.Cancel != nil {
		task.Cancel.OnAbort(func(ferrors.CancelReason) {
			adapter.Cancel(handle)
		})
	}

	if onEvent != nil {
		go func() {
			for ev := range adapter.StreamEvents(handle) {
				onEvent(ev)
			}
		}()
	}

	result, err := adapter.AwaitResult(ctx, handle)
	if err != nil {
		g.logger.Warn("gateway: task did not produce a result", "task_id", task.ID, "err", err)
		return nil, err
	}
	return result, nil
}

// CancelTask requests cancellation of an in-flight task by id. It is a
// no-op if the task is unknown or already settled.
func (g *Gateway) CancelTask(id string) {
	g.mu.RLock()
	d, ok := g.active[id]
	g.mu.RUnlock()
	if !ok {
		return
	}
	d.adapter.Cancel(d.handle)
}
