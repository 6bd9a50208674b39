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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactWriter persists stall events and probe observations under a
// step's "_stall" directory. Event writes are atomic replace (tmp file +
// rename), matching the config package's settings-file save pattern; probe
// writes are append-only, one JSON object per line.
type ArtifactWriter struct {
	dir string
}

// NewArtifactWriter targets stepDir/_stall for event.json and probe.jsonl.
func NewArtifactWriter(stepDir string) *ArtifactWriter {
	return &ArtifactWriter{dir: filepath.Join(stepDir, "_stall")}
}

// WriteEvent atomically replaces _stall/event.json with ev. Exactly-once per
// trigger is enforced by the Sentinel's own warned-key guard, not here; this
// method is safe to call repeatedly and always reflects the latest event.
func (w *ArtifactWriter) WriteEvent(ev Event) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("stall: creating artifact directory: %w", err)
	}

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("stall: marshaling event: %w", err)
	}

	path := filepath.Join(w.dir, "event.json")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("stall: writing temporary event file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("stall: renaming temporary event file: %w", err)
	}
	return nil
}

// ProbeObservation is one line of _stall/probe.jsonl.
type ProbeObservation struct {
	Class  ProbeClass `json:"class"`
	Digest string     `json:"digest"`
	Error  string     `json:"error,omitempty"`
}

// AppendProbe appends one observation to _stall/probe.jsonl.
func (w *ArtifactWriter) AppendProbe(obs ProbeObservation) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("stall: creating artifact directory: %w", err)
	}

	line, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("stall: marshaling probe observation: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(w.dir, "probe.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stall: opening probe log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("stall: appending probe observation: %w", err)
	}
	return nil
}

// Sink returns an EventSink that writes every event via WriteEvent, logging
// (not propagating) write failures — a stall event artifact is diagnostic,
// not a reason to change the already-decided abort outcome.
func (w *ArtifactWriter) Sink(onErr func(error)) EventSink {
	return func(ev Event) {
		if err := w.WriteEvent(ev); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
