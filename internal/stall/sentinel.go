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

package stall

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/foreman-run/foreman/internal/cancelctl"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// EventSink receives every stall event a sentinel produces, for artifact
// writing and diagnostics. Implementations must not block the watcher loop;
// slow sinks should buffer internally.
type EventSink func(Event)

// Sentinel installs a no-output watcher, a no-progress watcher, or both for
// one in-flight step, and aborts the step's cancellation handle when an
// "interrupt" policy watcher trips.
type Sentinel struct {
	stepID    string
	policy    Policy
	activity  *ActivityTracker
	cancel    *cancelctl.Handle
	sink      EventSink
	probeSink func(ProbeObservation)
	logger    *slog.Logger

	mu      sync.Mutex
	warned  map[string]bool
	stopped bool
	stopCh  chan struct{}
}

// SetProbeSink registers fn to receive every no-progress probe observation,
// for writing _stall/probe.jsonl. Optional; nil is a no-op.
func (s *Sentinel) SetProbeSink(fn func(ProbeObservation)) {
	s.probeSink = fn
}

// New constructs a Sentinel for stepID. activity must be touched by the
// caller as worker/state/phase events occur; cancel is the step's own
// cancellation handle (NOT the workflow-level one), fired with reason
// sentinel:stall on an interrupt trigger.
func New(stepID string, policy Policy, activity *ActivityTracker, cancel *cancelctl.Handle, sink EventSink, logger *slog.Logger) *Sentinel {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(Event) {}
	}
	return &Sentinel{
		stepID:   stepID,
		policy:   policy,
		activity: activity,
		cancel:   cancel,
		sink:     sink,
		logger:   logger,
		warned:   make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the installed watchers and blocks until ctx is done, the step's
// cancel handle fires, or Stop is called. Intended to be run in its own
// goroutine alongside the step it watches.
func (s *Sentinel) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if s.policy.NoOutput != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runNoOutputWatcher(ctx, *s.policy.NoOutput)
		}()
	}
	if s.policy.NoProgress != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runNoProgressWatcher(ctx, *s.policy.NoProgress)
		}()
	}

	wg.Wait()
}

// Stop halts every running watcher without firing the cancellation handle.
func (s *Sentinel) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()
}

func (s *Sentinel) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// runNoOutputWatcher implements spec §4.12's no-output watcher: every
// check-interval (min(1s, timeout/2)), compute elapsed since the configured
// reference timestamp and trigger once it reaches no_output_timeout.
func (s *Sentinel) runNoOutputWatcher(ctx context.Context, cfg NoOutputConfig) {
	source := cfg.Source
	if source == "" {
		source = SourceWorkerEvent
	}
	action := cfg.Action
	if action == "" {
		action = ActionInterrupt
	}

	interval := cfg.Timeout / 2
	if interval > time.Second || interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.cancel.Done():
			return
		case now := <-ticker.C:
			ref, sawEvent := s.activity.Reference(source)
			elapsed := now.Sub(ref)
			if elapsed < cfg.Timeout {
				continue
			}

			fingerprints := []string{FingerprintNoOutput}
			if !sawEvent {
				fingerprints = append(fingerprints, FingerprintNoInitialOutput)
			}
			if s.trigger(action, fingerprints, "no-output watcher timed out") {
				return
			}
		}
	}
}

// runNoProgressWatcher implements spec §4.12's no-progress watcher: runs a
// shell probe on every Interval tick, classifies its output, and triggers on
// a run of StallThreshold consecutive-equal digests, an immediate terminal
// classification, or a run of ProbeErrorThreshold consecutive probe errors.
func (s *Sentinel) runNoProgressWatcher(ctx context.Context, cfg NoProgressConfig) {
	action := cfg.Action
	if action == "" {
		action = ActionInterrupt
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var lastDigest string
	equalRun := 0
	errorRun := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.cancel.Done():
			return
		case <-ticker.C:
			class, digest, err := s.runProbe(ctx, cfg)
			if err != nil {
				errorRun++
				s.logger.Warn("stall: probe failed", "step_id", s.stepID, "err", err, "consecutive", errorRun)
				if s.probeSink != nil {
					s.probeSink(ProbeObservation{Error: err.Error()})
				}
				if cfg.OnProbeError != "" && cfg.OnProbeError != OnProbeErrorIgnore && errorRun >= cfg.ProbeErrorThreshold && cfg.ProbeErrorThreshold > 0 {
					if s.trigger(action, []string{FingerprintProbeError}, err.Error()) {
						return
					}
					errorRun = 0
				}
				continue
			}
			errorRun = 0
			if s.probeSink != nil {
				s.probeSink(ProbeObservation{Class: class, Digest: digest})
			}

			if class == ProbeTerminal {
				if s.trigger(action, []string{FingerprintProbeTerminal}, "probe reported terminal") {
					return
				}
			}

			if digest == lastDigest {
				equalRun++
			} else {
				equalRun = 1
				lastDigest = digest
			}

			if class == ProbeStalled && cfg.StallThreshold > 0 && equalRun >= cfg.StallThreshold {
				if s.trigger(action, []string{FingerprintNoProgress}, "probe digest unchanged across stall_threshold ticks") {
					return
				}
				equalRun = 0
			}
		}
	}
}

func (s *Sentinel) runProbe(ctx context.Context, cfg NoProgressConfig) (ProbeClass, string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Interval)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "sh", "-c", cfg.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", "", err
	}
	return cfg.Classify(stdout.Bytes())
}

// trigger emits the stall event exactly once per distinct trigger condition
// (keyed by its primary fingerprint) and, for an "interrupt" policy, fires
// the step's cancellation handle and reports true so the caller's watcher
// loop stops. An "ignore" policy warns once per condition but never aborts,
// and the watcher keeps running — it may still trip other conditions later.
func (s *Sentinel) trigger(action ActionPolicy, fingerprints []string, detail string) bool {
	key := fingerprints[0]
	s.mu.Lock()
	if s.warned[key] {
		s.mu.Unlock()
		return false
	}
	s.warned[key] = true
	s.mu.Unlock()

	ev := Event{
		Schema:       schemaStallV1,
		StepID:       s.stepID,
		Fingerprints: fingerprints,
		Reason:       ferrors.CancelReasonSentinelStall,
		Action:       action,
		Detail:       detail,
		TriggeredAt:  time.Now(),
	}
	s.sink(ev)

	if action == ActionIgnore {
		s.logger.Warn("stall: watcher triggered (ignored)", "step_id", s.stepID, "fingerprints", fingerprints, "detail", detail)
		return false
	}

	s.logger.Warn("stall: watcher triggered, aborting step", "step_id", s.stepID, "fingerprints", fingerprints, "detail", detail)
	s.cancel.Fire(ferrors.CancelReasonSentinelStall)
	return true
}
