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

package supervisoripc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrCallTimeout is returned by Call when no correlated response arrives
// before its deadline.
var ErrCallTimeout = errors.New("supervisoripc: call timed out")

// ErrTransportClosed is returned once the transport's read loop has
// stopped, for any pending or future Call.
var ErrTransportClosed = errors.New("supervisoripc: transport closed")

// Handler processes an inbound request that did not correlate to a pending
// Call, and returns the message to write back (nil for one-way messages
// like report_queue_metrics). A Handler panic or error is caught, logged,
// and converted to an error message; it never stops the read loop.
type Handler func(ctx context.Context, raw json.RawMessage) (response any, err error)

type callResult struct {
	raw json.RawMessage
	err error
}

type pendingCall struct {
	resolve chan callResult
	timer   *time.Timer
}

// Transport frames one JSON object per line over a bidirectional stream,
// correlates requests it originates with their responses via requestId,
// and dispatches uncorrelated inbound messages to registered handlers
// (spec §4.13).
type Transport struct {
	logger *slog.Logger

	writeMu sync.Mutex
	w       io.Writer

	limiter *rate.Limiter

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[MessageType]Handler
	closed   bool
	closeErr error
}

// Config configures a Transport.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// InboundRateLimit and InboundBurst throttle the read loop against a
	// misbehaving peer flooding the line reader. Zero disables throttling.
	InboundRateLimit rate.Limit
	InboundBurst     int
}

// NewTransport wraps w as the write half of an IPC stream (a stdio pipe or a
// net.Conn); the read half is passed to Run.
func NewTransport(w io.Writer, cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Transport{
		logger:   cfg.Logger,
		w:        w,
		pending:  make(map[string]*pendingCall),
		handlers: make(map[MessageType]Handler),
	}
	if cfg.InboundRateLimit > 0 {
		t.limiter = rate.NewLimiter(cfg.InboundRateLimit, cfg.InboundBurst)
	}
	return t
}

// RegisterHandler installs the handler invoked for uncorrelated inbound
// messages of the given type. Replaces any previously registered handler.
func (t *Transport) RegisterHandler(typ MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[typ] = h
}

// Send writes msg as one JSON line, without awaiting any response. Used
// for core-initiated notifications (job_completed, job_cancelled,
// escalation, heartbeat) and for one-way requests.
func (t *Transport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("supervisoripc: marshaling message: %w", err)
	}
	if len(data) > MaxLineBytes {
		return ErrLineTooLong
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.w.Write(data)
	return err
}

// Call sends msg (which must carry a non-empty RequestID matching the
// requestId field it marshals to) and blocks until a message with the same
// requestId arrives, ctx is done, or timeout elapses. The raw bytes of the
// correlated message are returned for the caller to decode into the
// expected response type.
func (t *Transport) Call(ctx context.Context, requestID string, msg any, timeout time.Duration) (json.RawMessage, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	pc := &pendingCall{resolve: make(chan callResult, 1)}
	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() { t.evict(requestID, ErrCallTimeout) })
	}
	t.pending[requestID] = pc
	t.mu.Unlock()

	if err := t.Send(msg); err != nil {
		t.evict(requestID, err)
		return nil, err
	}

	select {
	case res := <-pc.resolve:
		return res.raw, res.err
	case <-ctx.Done():
		t.evict(requestID, ctx.Err())
		return nil, ctx.Err()
	}
}

// evict removes a pending call (idempotent) and, if it was still
// outstanding, resolves it with err so a blocked Call returns immediately.
func (t *Transport) evict(requestID string, err error) {
	t.mu.Lock()
	pc, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()
	if ok {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resolve <- callResult{err: err}
	}
}

// Run reads lines from r until ctx is done or r returns EOF/error, parsing
// each as an envelope. Malformed lines are logged and dropped. A line
// correlating to a pending Call resolves it; otherwise the line is
// dispatched to its type's registered handler, and the handler's response
// (if any) is written back. Handler errors and panics are caught, logged,
// and translated to an error message; neither stops the loop.
func (t *Transport) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes+1)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	for scanner.Scan() {
		select {
		case <-done:
			t.shutdown(ctx.Err())
			return ctx.Err()
		default:
		}

		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				t.shutdown(err)
				return err
			}
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) > MaxLineBytes {
			t.logger.Warn("supervisoripc: dropping oversize line", "bytes", len(line))
			continue
		}

		lineCopy := append([]byte(nil), line...)
		t.handleLine(ctx, lineCopy)
	}

	err := scanner.Err()
	t.shutdown(err)
	return err
}

func (t *Transport) handleLine(ctx context.Context, line []byte) {
	env, err := parseEnvelope(line)
	if err != nil {
		t.logger.Warn("supervisoripc: dropping malformed message", "err", err)
		return
	}

	if env.RequestID != "" {
		t.mu.Lock()
		pc, ok := t.pending[env.RequestID]
		if ok {
			delete(t.pending, env.RequestID)
		}
		t.mu.Unlock()
		if ok {
			if pc.timer != nil {
				pc.timer.Stop()
			}
			pc.resolve <- callResult{raw: line}
			return
		}
	}

	t.dispatch(ctx, env, line)
}

func (t *Transport) dispatch(ctx context.Context, env Envelope, line json.RawMessage) {
	t.mu.Lock()
	h, ok := t.handlers[env.Type]
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("supervisoripc: no handler for message type", "type", env.Type)
		if env.RequestID != "" {
			t.sendErrorSafely(env.RequestID, "method-not-found", ErrUnknownMethod.Error())
		}
		return
	}

	resp, err := t.invokeSafely(ctx, h, line)
	if err != nil {
		t.logger.Error("supervisoripc: handler error", "type", env.Type, "err", err)
		if env.RequestID != "" {
			t.sendErrorSafely(env.RequestID, "handler-error", err.Error())
		}
		return
	}
	if resp == nil {
		return
	}
	if err := t.Send(resp); err != nil {
		t.logger.Error("supervisoripc: failed writing response", "type", env.Type, "err", err)
	}
}

// invokeSafely calls h and recovers a panic into an error, so one
// misbehaving handler never takes down the read loop (spec §7).
func (t *Transport) invokeSafely(ctx context.Context, h Handler, line json.RawMessage) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, line)
}

func (t *Transport) sendErrorSafely(requestID, code, message string) {
	_ = t.Send(ErrorMessage{Type: TypeError, RequestID: requestID, Code: code, Message: message})
}

func (t *Transport) shutdown(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = cause
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resolve <- callResult{err: ErrTransportClosed}
	}
}
