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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-run/foreman/internal/dag"
)

func TestSnapshotStateWritesAtomicallyAfterFlush(t *testing.T) {
	dir := t.TempDir()
	a, err := NewWorkflowArtifacts(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	state := &dag.RuntimeState{Status: dag.WorkflowRunning, Steps: map[string]*dag.StepRuntimeState{}}
	a.SnapshotState(state)
	a.Flush()

	data, err := os.ReadFile(filepath.Join(dir, "_workflow", "state.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"running"`)

	_, err = os.Stat(filepath.Join(dir, "_workflow", "state.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file must not survive a completed write")
}

func TestSnapshotStateCoalescesRapidUpdates(t *testing.T) {
	dir := t.TempDir()
	a, err := NewWorkflowArtifacts(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	a.SnapshotState(&dag.RuntimeState{Status: dag.WorkflowPending})
	a.SnapshotState(&dag.RuntimeState{Status: dag.WorkflowRunning})
	a.SnapshotState(&dag.RuntimeState{Status: dag.WorkflowSucceeded})
	a.Flush()

	data, err := os.ReadFile(filepath.Join(dir, "_workflow", "state.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"succeeded"`, "only the most recent snapshot should be written")
}

func TestAppendEventWritesOneJSONLinePerCall(t *testing.T) {
	dir := t.TempDir()
	a, err := NewWorkflowArtifacts(dir, nil)
	require.NoError(t, err)

	require.NoError(t, a.AppendEvent(WorkflowEvent{Kind: "step-started", StepID: "build"}))
	require.NoError(t, a.AppendEvent(WorkflowEvent{Kind: "step-finished", StepID: "build"}))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(filepath.Join(dir, "_workflow", "events.jsonl"))
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "step-started")
	assert.Contains(t, lines[1], "step-finished")
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
