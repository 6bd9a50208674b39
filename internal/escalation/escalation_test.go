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

package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, cfg Config) (*Manager, *Store) {
	t.Helper()
	store, err := OpenStore(StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	return NewManager(cfg, WithMetrics(metrics), WithStore(store)), store
}

func TestRecordWorkerCrashEmitsAtThreshold(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, CrashThreshold: 3, GlobalFailureThreshold: 10})

	var events []Event
	mgr.OnEvent(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	mgr.RecordWorkerCrash(ctx, "bash-runner", base)
	mgr.RecordWorkerCrash(ctx, "bash-runner", base.Add(time.Second))
	require.Empty(t, events, "should not emit before threshold")

	mgr.RecordWorkerCrash(ctx, "bash-runner", base.Add(2*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, ScopeWorkerKind, events[0].Scope)
	assert.Equal(t, "bash-runner", events[0].Key)
	assert.Equal(t, SignalWorkerCrash, events[0].Signal)
	assert.Equal(t, ActionIsolate, events[0].Action)
	assert.Equal(t, SeverityError, events[0].Severity)
	assert.Equal(t, 3, events[0].Count)
}

func TestRecordWorkerCrashIsLevelTriggeredNotDeduped(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, CrashThreshold: 1, GlobalFailureThreshold: 10})

	var events []Event
	mgr.OnEvent(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	mgr.RecordWorkerCrash(ctx, "bash-runner", base)
	mgr.RecordWorkerCrash(ctx, "bash-runner", base.Add(time.Second))

	require.Len(t, events, 2, "each qualifying recording should re-emit, not dedup")
}

func TestRecordCancelTimeoutEmitsOnFirstOccurrence(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, GlobalFailureThreshold: 10})

	var events []Event
	mgr.OnEvent(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	mgr.RecordCancelTimeout(ctx, "python-runner", time.Unix(1_700_000_000, 0))

	require.Len(t, events, 1)
	assert.Equal(t, SignalCancelTimeout, events[0].Signal)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Equal(t, 1, events[0].Count)
}

func TestRecordLatestWinsReplacementEmitsAtThreshold(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, LatestWinsThreshold: 3, GlobalFailureThreshold: 10})

	var events []Event
	mgr.OnEvent(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	mgr.RecordLatestWinsReplacement(ctx, "workspace-a", base)
	mgr.RecordLatestWinsReplacement(ctx, "workspace-a", base.Add(time.Second))
	require.Empty(t, events)

	mgr.RecordLatestWinsReplacement(ctx, "workspace-a", base.Add(2*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, ScopeWorkspace, events[0].Scope)
	assert.Equal(t, "workspace-a", events[0].Key)
	assert.Equal(t, ActionStop, events[0].Action)
	assert.Equal(t, SeverityError, events[0].Severity)
}

func TestGlobalEscalationFiresWhenTwoDistinctKindsFailConcurrently(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, CrashThreshold: 100, GlobalFailureThreshold: 2})

	var events []Event
	mgr.OnEvent(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	mgr.RecordWorkerCrash(ctx, "bash-runner", base)
	require.Empty(t, events, "one failing kind should not trip the global condition")

	mgr.RecordCancelTimeout(ctx, "python-runner", base.Add(time.Second))

	require.NotEmpty(t, events)
	var sawGlobal bool
	for _, ev := range events {
		if ev.Scope == ScopeGlobal {
			sawGlobal = true
			assert.Equal(t, ActionStop, ev.Action)
			assert.Equal(t, SeverityFatal, ev.Severity)
			assert.Equal(t, 2, ev.Count)
		}
	}
	assert.True(t, sawGlobal, "expected a global fatal escalation once two kinds are concurrently failing")
}

func TestGlobalEscalationClearsWhenFailuresAgeOutOfWindow(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: 10 * time.Second, CrashThreshold: 1, GlobalFailureThreshold: 2})

	var events []Event
	mgr.OnEvent(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	mgr.RecordWorkerCrash(ctx, "bash-runner", base)
	mgr.RecordCancelTimeout(ctx, "python-runner", base.Add(time.Second))
	require.NotEmpty(t, events)

	events = nil
	mgr.RecordWorkerCrash(ctx, "bash-runner", base.Add(time.Hour))
	for _, ev := range events {
		assert.NotEqual(t, ScopeGlobal, ev.Scope, "stale failures should have aged out of the window")
	}
}

func TestHistoryRetainsEveryEmittedEvent(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, CrashThreshold: 1, GlobalFailureThreshold: 10})

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	mgr.RecordWorkerCrash(ctx, "a", base)
	mgr.RecordWorkerCrash(ctx, "a", base.Add(time.Second))

	history := mgr.History()
	require.Len(t, history, 2)

	history[0].Count = 999
	assert.NotEqual(t, 999, mgr.History()[0].Count, "History() must return a copy")
}

func TestEmittedEventsArePersistedToStore(t *testing.T) {
	mgr, store := testManager(t, Config{Window: time.Minute, CrashThreshold: 1, GlobalFailureThreshold: 10})

	ctx := context.Background()
	mgr.RecordWorkerCrash(ctx, "bash-runner", time.Unix(1_700_000_000, 0))

	persisted, err := store.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "bash-runner", persisted[0].Key)
}

func TestCallbackFanOutReachesAllRegisteredCallbacks(t *testing.T) {
	mgr, _ := testManager(t, Config{Window: time.Minute, CrashThreshold: 1, GlobalFailureThreshold: 10})

	var a, b int
	mgr.OnEvent(func(Event) { a++ })
	mgr.OnEvent(func(Event) { b++ })

	mgr.RecordWorkerCrash(context.Background(), "bash-runner", time.Unix(1_700_000_000, 0))

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestConfigDefaultsAppliedWhenUnset(t *testing.T) {
	mgr := NewManager(Config{})
	assert.Equal(t, defaultWindow, mgr.cfg.Window)
	assert.Equal(t, defaultCrashThreshold, mgr.cfg.CrashThreshold)
	assert.Equal(t, defaultLatestWinsThreshold, mgr.cfg.LatestWinsThreshold)
	assert.Equal(t, defaultGlobalFailureThreshold, mgr.cfg.GlobalFailureThreshold)
}
