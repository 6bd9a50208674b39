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

package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foreman-run/foreman/internal/dag"
)

const stateDebounce = 500 * time.Millisecond

// WorkflowArtifacts owns the two workflow-root artifacts: the debounced,
// atomically-replaced state.json snapshot and the append-only events.jsonl
// stream. The atomic-replace-via-temp-file-then-rename idiom is grounded on
// internal/mcp/state.go's StateManager.saveLocked; the debounce timer is new
// (the teacher's state manager saves eagerly on every mutation, but spec.md
// requires a 500ms debounce here).
type WorkflowArtifacts struct {
	root string

	mu        sync.Mutex
	latest    *dag.RuntimeState
	dirty     bool
	timer     *time.Timer
	saveErrFn func(error)

	eventsMu sync.Mutex
	eventsF  *os.File
}

// NewWorkflowArtifacts prepares the workflow root directory (creating
// root/_workflow if needed) and opens events.jsonl for appending.
func NewWorkflowArtifacts(root string, onSaveError func(error)) (*WorkflowArtifacts, error) {
	dir := filepath.Join(root, "_workflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if onSaveError == nil {
		onSaveError = func(error) {}
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	return &WorkflowArtifacts{root: root, saveErrFn: onSaveError, eventsF: f}, nil
}

func (a *WorkflowArtifacts) statePath() string {
	return filepath.Join(a.root, "_workflow", "state.json")
}

// SnapshotState schedules state for a debounced write to state.json. Rapid
// successive calls within the debounce window coalesce into a single write
// of the most recent snapshot.
func (a *WorkflowArtifacts) SnapshotState(state *dag.RuntimeState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest = state
	a.dirty = true

	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(stateDebounce, a.flush)
}

func (a *WorkflowArtifacts) flush() {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return
	}
	state := a.latest
	a.dirty = false
	a.timer = nil
	a.mu.Unlock()

	if err := a.writeAtomic(state); err != nil {
		a.saveErrFn(err)
	}
}

func (a *WorkflowArtifacts) writeAtomic(state *dag.RuntimeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	path := a.statePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Flush forces any pending debounced snapshot to write immediately. Call
// during shutdown so the final state is never lost to an in-flight timer.
func (a *WorkflowArtifacts) Flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.flush()
}

// WorkflowEvent is one entry appended to events.jsonl. Its fields are
// written as given; no redaction is applied.
type WorkflowEvent struct {
	Timestamp time.Time `json:"timestamp"`
	StepID    string    `json:"stepId,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// AppendEvent writes ev unmodified (no redaction) as one JSON line to
// events.jsonl.
// Concurrent writers to the same path are not permitted per spec.md's
// shared-resource policy; eventsMu is this process's single writer lock.
func (a *WorkflowArtifacts) AppendEvent(ev WorkflowEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	_, err = a.eventsF.Write(line)
	return err
}

// Close flushes any pending snapshot and closes the events file.
func (a *WorkflowArtifacts) Close() error {
	a.Flush()
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	return a.eventsF.Close()
}
