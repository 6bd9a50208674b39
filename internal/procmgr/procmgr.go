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

// Package procmgr spawns and supervises the external worker processes that
// do the actual coding-agent work (spec §4.5).
package procmgr

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// SpawnOptions configures one spawned process.
type SpawnOptions struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// ProcessGroup requests that the child (and all its descendants) be
	// placed in a new process group, so a termination signal sent to the
	// group reaches every descendant (ghost-process prevention).
	ProcessGroup bool

	// GracePeriod is how long to wait after a polite termination signal
	// before escalating to a forced kill.
	GracePeriod time.Duration

	Logger *slog.Logger
}

// ExitResult is the terminal outcome of a spawned process, resolved exactly
// once regardless of whether it exited naturally, was cancelled, or timed
// out.
type ExitResult struct {
	ExitCode int
	Signaled bool
	Err      error
}

// Handle is the caller-owned view of a spawned process: its pid, its
// stdout/stderr streams (the caller must drain them, directly or via a
// buffering goroutine, or OS pipe buffers will deadlock a long-running
// worker), and a channel that resolves exactly once with the exit result.
type Handle struct {
	PID    int
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	exitCh chan ExitResult
	cmd    *exec.Cmd
	logger *slog.Logger

	mu            sync.Mutex
	cancelled     bool
}

// Spawn starts an external command per opts. The returned Handle's streams
// must be drained by the caller (see adapter.go for the draining pattern).
// ctx cancellation (or an explicit Cancel call) initiates graceful shutdown:
// a polite signal, then after opts.GracePeriod a forced kill.
func Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.ProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &Handle{
		PID:    cmd.Process.Pid,
		Stdout: stdout,
		Stderr: stderr,
		exitCh: make(chan ExitResult, 1),
		cmd:    cmd,
		logger: opts.Logger,
	}

	go h.waitAndResolve(ctx, opts)

	return h, nil
}

func (h *Handle) waitAndResolve(ctx context.Context, opts SpawnOptions) {
	waitDone := make(chan error, 1)
	go func() { waitDone <- h.cmd.Wait() }()

	select {
	case err := <-waitDone:
		h.exitCh <- resultFromWait(h.cmd, err)
	case <-ctx.Done():
		h.gracefulThenForce(opts, waitDone)
	}
}

// Cancel initiates graceful shutdown out-of-band from ctx, for callers that
// want to cancel a spawned process without cancelling the spawn-time context
// itself (e.g. a cancellation handle fired independently).
func (h *Handle) Cancel(opts SpawnOptions) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()

	waitDone := make(chan error, 1)
	go func() { waitDone <- h.cmd.Wait() }()
	h.gracefulThenForce(opts, waitDone)
}

func (h *Handle) gracefulThenForce(opts SpawnOptions, waitDone <-chan error) {
	h.politeSignal(opts.ProcessGroup)

	select {
	case err := <-waitDone:
		h.exitCh <- resultFromWait(h.cmd, err)
		return
	case <-time.After(opts.GracePeriod):
	}

	h.forceKill(opts.ProcessGroup)
	err := <-waitDone
	res := resultFromWait(h.cmd, err)
	res.Signaled = true
	h.exitCh <- res
}

func (h *Handle) politeSignal(processGroup bool) {
	if processGroup {
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *Handle) forceKill(processGroup bool) {
	if processGroup {
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		return
	}
	_ = h.cmd.Process.Kill()
}

// Wait blocks until the process's exit result is available, or ctx is
// cancelled first.
func (h *Handle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case res := <-h.exitCh:
		return res, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

func resultFromWait(cmd *exec.Cmd, waitErr error) ExitResult {
	if waitErr == nil {
		return ExitResult{ExitCode: 0}
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return ExitResult{ExitCode: -int(status.Signal()), Signaled: true}
		}
		return ExitResult{ExitCode: code}
	}
	return ExitResult{ExitCode: -1, Err: waitErr}
}
