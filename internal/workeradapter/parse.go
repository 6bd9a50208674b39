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

import "encoding/json"

// lineRecord is the line-oriented JSON shape adapters recognize for
// progress and patch records. Any line that fails to parse (or lacks a
// recognized "type") falls back to being treated as raw stdout text.
type lineRecord struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Percent *float64 `json:"percent"`
	File    string   `json:"file"`
	Diff    string   `json:"diff"`
}

// ParseLine attempts to interpret one line of stdout as a structured event.
// ok is false when the line is not recognized JSON, signaling the caller
// should fall back to emitting it as a raw EventStdout.
func ParseLine(line []byte) (Event, bool) {
	var rec lineRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, false
	}

	switch rec.Type {
	case "progress":
		return Event{Kind: EventProgress, Message: rec.Message, Percent: rec.Percent}, true
	case "patch":
		return Event{Kind: EventPatch, FilePath: rec.File, UnifiedDiff: rec.Diff}, true
	default:
		return Event{}, false
	}
}
