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

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-run/foreman/internal/cancelctl"
	"github.com/foreman-run/foreman/internal/workeradapter"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// mockAdapter is a configurable test double for workeradapter.Adapter.
type mockAdapter struct {
	StartTaskFunc    func(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error)
	StreamEventsFunc func(h *workeradapter.Handle) <-chan workeradapter.Event
	AwaitResultFunc  func(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error)

	cancelled []string
}

func (m *mockAdapter) StartTask(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
	return m.StartTaskFunc(ctx, task)
}

func (m *mockAdapter) StreamEvents(h *workeradapter.Handle) <-chan workeradapter.Event {
	if m.StreamEventsFunc != nil {
		return m.StreamEventsFunc(h)
	}
	ch := make(chan workeradapter.Event)
	close(ch)
	return ch
}

func (m *mockAdapter) Cancel(h *workeradapter.Handle) {
	m.cancelled = append(m.cancelled, h.ID)
}

func (m *mockAdapter) AwaitResult(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
	return m.AwaitResultFunc(ctx, h)
}

func TestDelegateTaskRoutesByWorkerKind(t *testing.T) {
	g := New(Config{})
	mock := &mockAdapter{
		StartTaskFunc: func(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
			return &workeradapter.Handle{ID: task.ID}, nil
		},
		AwaitResultFunc: func(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
			return &workeradapter.Result{Status: workeradapter.StatusSucceeded}, nil
		},
	}
	g.Register("codex_cli", mock)

	result, err := g.DelegateTask(context.Background(), workeradapter.Task{ID: "t1", WorkerKind: "codex_cli"}, nil)
	require.NoError(t, err)
	assert.Equal(t, workeradapter.StatusSucceeded, result.Status)
	assert.Equal(t, 0, g.ActiveCount())
}

func TestDelegateTaskUnknownKindFails(t *testing.T) {
	g := New(Config{})
	_, err := g.DelegateTask(context.Background(), workeradapter.Task{ID: "t1", WorkerKind: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestDelegateTaskTracksActiveWhileRunning(t *testing.T) {
	g := New(Config{})
	release := make(chan struct{})
	mock := &mockAdapter{
		StartTaskFunc: func(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
			return &workeradapter.Handle{ID: task.ID}, nil
		},
		AwaitResultFunc: func(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
			<-release
			return &workeradapter.Result{Status: workeradapter.StatusSucceeded}, nil
		},
	}
	g.Register("kind", mock)

	done := make(chan struct{})
	go func() {
		_, _ = g.DelegateTask(context.Background(), workeradapter.Task{ID: "t1", WorkerKind: "kind"}, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool { return g.ActiveCount() == 1 }, time.Second, time.Millisecond)
	close(release)
	<-done
	assert.Equal(t, 0, g.ActiveCount())
}

func TestDelegateTaskCancelsAdapterOnAbortButAwaitsTerminalResult(t *testing.T) {
	g := New(Config{})
	cancel := cancelctl.NewHandle()
	resultReady := make(chan struct{})

	mock := &mockAdapter{
		StartTaskFunc: func(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
			return &workeradapter.Handle{ID: task.ID, Cancel: task.Cancel}, nil
		},
		AwaitResultFunc: func(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
			<-resultReady
			return &workeradapter.Result{Status: workeradapter.StatusCancelled}, nil
		},
	}
	g.Register("kind", mock)

	done := make(chan *workeradapter.Result)
	go func() {
		res, _ := g.DelegateTask(context.Background(), workeradapter.Task{ID: "t1", WorkerKind: "kind", Cancel: cancel}, nil)
		done <- res
	}()

	assert.Eventually(t, func() bool { return g.ActiveCount() == 1 }, time.Second, time.Millisecond)
	cancel.Fire(ferrors.CancelReasonUser)
	assert.Eventually(t, func() bool { return len(mock.cancelled) == 1 }, time.Second, time.Millisecond)

	close(resultReady)
	res := <-done
	assert.Equal(t, workeradapter.StatusCancelled, res.Status)
}

func TestDelegateTaskDeliversEventsToCallback(t *testing.T) {
	g := New(Config{})
	events := make(chan workeradapter.Event, 2)
	events <- workeradapter.Event{Kind: workeradapter.EventProgress, Message: "step 1"}
	close(events)

	mock := &mockAdapter{
		StartTaskFunc: func(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
			return &workeradapter.Handle{ID: task.ID}, nil
		},
		StreamEventsFunc: func(h *workeradapter.Handle) <-chan workeradapter.Event {
			return events
		},
		AwaitResultFunc: func(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
			return &workeradapter.Result{Status: workeradapter.StatusSucceeded}, nil
		},
	}
	g.Register("kind", mock)

	var seen []workeradapter.Event
	var mu sync.Mutex
	_, err := g.DelegateTask(context.Background(), workeradapter.Task{ID: "t1", WorkerKind: "kind"}, func(ev workeradapter.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
}
