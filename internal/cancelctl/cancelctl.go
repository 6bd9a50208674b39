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

// Package cancelctl implements composable, reason-tagged, one-shot
// cancellation handles and the permit/job cancellation manager built on top
// of them (spec §4.11, §9).
package cancelctl

import (
	"sync"

	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// Handle is a one-shot, reason-tagged cancellation signal. Firing is
// idempotent: a handle fired twice still notifies its listeners exactly
// once. A handle may own children; firing a parent fires every child,
// recursively, exactly once.
type Handle struct {
	mu       sync.Mutex
	aborted  bool
	reason   ferrors.CancelReason
	done     chan struct{}
	children []*Handle
	onAbort  []func(ferrors.CancelReason)
}

// NewHandle constructs a fresh, unfired handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// NewChild constructs a handle that is fired whenever its parent fires
// (with the parent's reason), in addition to being fireable independently.
func (h *Handle) NewChild() *Handle {
	child := NewHandle()
	h.mu.Lock()
	if h.aborted {
		reason := h.reason
		h.mu.Unlock()
		child.Fire(reason)
		return child
	}
	h.children = append(h.children, child)
	h.mu.Unlock()
	return child
}

// Fire aborts the handle with reason, notifying listeners and children
// exactly once. Subsequent calls are no-ops.
func (h *Handle) Fire(reason ferrors.CancelReason) {
	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		return
	}
	h.aborted = true
	h.reason = reason
	children := h.children
	h.children = nil
	listeners := h.onAbort
	h.onAbort = nil
	close(h.done)
	h.mu.Unlock()

	for _, l := range listeners {
		l(reason)
	}
	for _, c := range children {
		c.Fire(reason)
	}
}

// Aborted reports whether the handle has fired.
func (h *Handle) Aborted() (bool, ferrors.CancelReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted, h.reason
}

// Done returns a channel closed when the handle fires, for use in select
// statements alongside other suspension points.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// OnAbort registers cb to run when the handle fires. If already aborted, cb
// runs immediately (synchronously, before OnAbort returns); otherwise it runs
// exactly once, at fire time.
func (h *Handle) OnAbort(cb func(ferrors.CancelReason)) {
	h.mu.Lock()
	if h.aborted {
		reason := h.reason
		h.mu.Unlock()
		cb(reason)
		return
	}
	h.onAbort = append(h.onAbort, cb)
	h.mu.Unlock()
}

// Manager maps permit ids to cancellation handles and permit ids to job ids,
// so a job-scoped cancel can fan out to every permit currently attempting it.
type Manager struct {
	mu           sync.Mutex
	byPermit     map[string]*Handle
	jobOfPermit  map[string]string
	permitsOfJob map[string]map[string]struct{}
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		byPermit:     make(map[string]*Handle),
		jobOfPermit:  make(map[string]string),
		permitsOfJob: make(map[string]map[string]struct{}),
	}
}

// CreateController registers a fresh handle for permitId, optionally
// associated with jobId for job-scoped fan-out cancellation.
func (m *Manager) CreateController(permitID, jobID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := NewHandle()
	m.byPermit[permitID] = h
	if jobID != "" {
		m.jobOfPermit[permitID] = jobID
		set, ok := m.permitsOfJob[jobID]
		if !ok {
			set = make(map[string]struct{})
			m.permitsOfJob[jobID] = set
		}
		set[permitID] = struct{}{}
	}
	return h
}

// Cancel fires the handle for permitID, if one is registered.
func (m *Manager) Cancel(permitID string, reason ferrors.CancelReason) {
	m.mu.Lock()
	h, ok := m.byPermit[permitID]
	m.mu.Unlock()
	if ok {
		h.Fire(reason)
	}
}

// CancelByJobID fires every handle currently registered for jobID.
func (m *Manager) CancelByJobID(jobID string, reason ferrors.CancelReason) {
	m.mu.Lock()
	set := m.permitsOfJob[jobID]
	handles := make([]*Handle, 0, len(set))
	for permitID := range set {
		if h, ok := m.byPermit[permitID]; ok {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Fire(reason)
	}
}

// IsAborted reports whether permitID's handle has fired.
func (m *Manager) IsAborted(permitID string) bool {
	m.mu.Lock()
	h, ok := m.byPermit[permitID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	aborted, _ := h.Aborted()
	return aborted
}

// OnAbort registers cb against permitID's handle, firing immediately if
// already aborted. No-op if permitID is not registered.
func (m *Manager) OnAbort(permitID string, cb func(ferrors.CancelReason)) {
	m.mu.Lock()
	h, ok := m.byPermit[permitID]
	m.mu.Unlock()
	if ok {
		h.OnAbort(cb)
	}
}

// RemoveController forgets permitID, severing its job association. It does
// not fire the handle; callers that want to cancel-and-remove should call
// Cancel first.
func (m *Manager) RemoveController(permitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byPermit, permitID)
	if jobID, ok := m.jobOfPermit[permitID]; ok {
		delete(m.jobOfPermit, permitID)
		if set, ok := m.permitsOfJob[jobID]; ok {
			delete(set, permitID)
			if len(set) == 0 {
				delete(m.permitsOfJob, jobID)
			}
		}
	}
}
