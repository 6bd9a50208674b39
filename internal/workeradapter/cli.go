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

package workeradapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/foreman-run/foreman/internal/procmgr"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

const maxObservationBytes = 800

// CLIAdapter implements Adapter by spawning an external CLI tool per task,
// via internal/procmgr, adapted from pkg/llm/providers/claudecode's
// spawn-and-stream pattern but generalized to any worker kind's CLI.
type CLIAdapter struct {
	kind    string
	builder CLIArgBuilder
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*runningTask
}

type runningTask struct {
	proc   *procmgr.Handle
	task   Task
	events chan Event

	mu        sync.Mutex
	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
	done      chan struct{}
	result    *Result
	resultErr error
}

// NewCLIAdapter constructs an Adapter for one worker kind using builder to
// translate tasks into CLI invocations.
func NewCLIAdapter(kind string, builder CLIArgBuilder, logger *slog.Logger) *CLIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIAdapter{
		kind:    kind,
		builder: builder,
		logger:  logger,
		tasks:   make(map[string]*runningTask),
	}
}

// StartTask implements Adapter.
func (a *CLIAdapter) StartTask(ctx context.Context, task Task) (*Handle, error) {
	args := a.builder.BuildArgs(task)
	proc, err := procmgr.Spawn(ctx, procmgr.SpawnOptions{
		Command:      a.builder.Command(),
		Args:         args,
		Dir:          task.Workspace,
		ProcessGroup: true,
		GracePeriod:  task.Budget.GracePeriod,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("worker adapter: failed to spawn %s: %w", a.kind, err)
	}

	rt := &runningTask{
		proc:   proc,
		task:   task,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	a.mu.Lock()
	a.tasks[task.ID] = rt
	a.mu.Unlock()

	go a.drain(ctx, rt)

	if task.Cancel != nil {
		task.Cancel.OnAbort(func(ferrors.CancelReason) {
			a.Cancel(&Handle{ID: task.ID, WorkerKind: a.kind, Cancel: task.Cancel})
		})
	}

	return &Handle{ID: task.ID, WorkerKind: a.kind, Cancel: task.Cancel}, nil
}

// drain reads both streams to completion, buffering everything so that
// awaitResult can return complete output whether or not the caller ever
// consumed StreamEvents. It waits for the process's exit result using an
// independent background context: ctx cancellation already drives procmgr's
// own graceful-then-forced-kill sequence (see procmgr.Spawn), and that
// sequence always resolves exitCh exactly once, so waiting on the caller's
// ctx here would race the shutdown it triggered and lose the real result.
func (a *CLIAdapter) drain(startCtx context.Context, rt *runningTask) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		a.drainStream(rt, rt.proc.Stdout, EventStdout, &rt.stdoutBuf)
	}()
	go func() {
		defer wg.Done()
		a.drainStream(rt, rt.proc.Stderr, EventStderr, &rt.stderrBuf)
	}()

	wg.Wait()
	close(rt.events)

	start := time.Now()
	res, err := rt.proc.Wait(context.Background())
	duration := time.Since(start)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err != nil {
		rt.resultErr = err
		close(rt.done)
		return
	}
	if res.Err != nil {
		rt.resultErr = res.Err
		close(rt.done)
		return
	}

	combined := rt.stdoutBuf.String() + rt.stderrBuf.String()
	class := ClassifyExit(res.ExitCode, res.Signaled, combined)

	status := StatusSucceeded
	switch {
	case res.Signaled:
		status = StatusCancelled
	case class != "":
		status = StatusFailed
	}

	exitCode := res.ExitCode
	rt.result = &Result{
		Status:       status,
		Observations: []string{tailObservation(rt.stderrBuf.Bytes())},
		Cost:         Cost{WallTime: duration},
		Duration:     duration,
		ExitCode:     &exitCode,
		ErrorClass:   class,
	}
	close(rt.done)
}

// drainStream scans r line by line, buffering raw bytes into buf (for
// awaitResult's replay guarantee) while also attempting to parse each line as
// a structured progress/patch record. Unrecognized lines are emitted as raw
// events of kind. The scan runs to EOF regardless of whether anyone is
// reading rt.events, since the channel is buffered and StartTask's caller is
// not required to consume it.
func (a *CLIAdapter) drainStream(rt *runningTask, r io.Reader, kind EventKind, buf *bytes.Buffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		rt.mu.Lock()
		buf.Write(line)
		buf.WriteByte('\n')
		rt.mu.Unlock()

		if kind == EventStdout {
			if ev, ok := ParseLine(line); ok {
				a.emit(rt, ev)
				continue
			}
		}

		cp := make([]byte, len(line))
		copy(cp, line)
		a.emit(rt, Event{Kind: kind, Bytes: cp})
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("worker adapter: stream scan error", "kind", kind, "err", err)
	}
}

func (a *CLIAdapter) emit(rt *runningTask, ev Event) {
	select {
	case rt.events <- ev:
	default:
		// Buffered channel full and no one draining live; the event is
		// still preserved via buf for awaitResult's replay path.
	}
}

// tailObservation returns up to maxObservationBytes from the head and tail of
// data, with an elision marker if truncated (spec §7: head 800 + tail 800,
// elided if the source exceeds 2000 bytes).
func tailObservation(data []byte) string {
	const headLen = maxObservationBytes
	const tailLen = maxObservationBytes
	if len(data) <= 2000 {
		return string(data)
	}
	head := data[:headLen]
	tail := data[len(data)-tailLen:]
	return string(head) + "\n...[elided]...\n" + string(tail)
}

// Cancel implements Adapter.
func (a *CLIAdapter) Cancel(handle *Handle) {
	a.mu.Lock()
	rt, ok := a.tasks[handle.ID]
	a.mu.Unlock()
	if !ok {
		return
	}
	rt.proc.Cancel(procmgr.SpawnOptions{ProcessGroup: true, GracePeriod: rt.task.Budget.GracePeriod})
}

// StreamEvents implements Adapter.
func (a *CLIAdapter) StreamEvents(handle *Handle) <-chan Event {
	a.mu.Lock()
	rt, ok := a.tasks[handle.ID]
	a.mu.Unlock()
	if !ok {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return rt.events
}

// AwaitResult implements Adapter.
func (a *CLIAdapter) AwaitResult(ctx context.Context, handle *Handle) (*Result, error) {
	a.mu.Lock()
	rt, ok := a.tasks[handle.ID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker adapter: unknown handle %s", handle.ID)
	}

	select {
	case <-rt.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	a.mu.Lock()
	delete(a.tasks, handle.ID)
	a.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.resultErr != nil {
		return nil, rt.resultErr
	}
	return rt.result, nil
}
