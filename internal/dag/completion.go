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

package dag

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// CompletionMarker is the closed set of outcomes a completion check scan
// can report.
type CompletionMarker string

const (
	MarkerComplete   CompletionMarker = "COMPLETE"
	MarkerIncomplete CompletionMarker = "INCOMPLETE"
	MarkerFail       CompletionMarker = "FAIL"
)

var markerPattern = regexp.MustCompile(`(?i)\b(complete|incomplete|fail)\b`)

// scanCompletionMarker applies last-line-wins word-boundary, case-insensitive
// matching over observations for one of COMPLETE/INCOMPLETE/FAIL. Any output
// with no recognized marker on its last matching line is treated as FAIL.
func scanCompletionMarker(observations []string) CompletionMarker {
	text := strings.Join(observations, "\n")
	matches := markerPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return MarkerFail
	}

	last := strings.ToUpper(matches[len(matches)-1])
	switch last {
	case "COMPLETE":
		return MarkerComplete
	case "INCOMPLETE":
		return MarkerIncomplete
	default:
		return MarkerFail
	}
}

// evalCustomCompletionPredicate lets a step override the default
// last-line-wins scan with an expr boolean expression evaluated against the
// check worker's observations, for checks whose output isn't a simple
// marker word (e.g. structured JSON test-summary output). Returns
// (marker, true) when predicate is non-empty and evaluates cleanly;
// (_, false) tells the caller to fall back to scanCompletionMarker. The
// executor does not call it, and StepSpec has no field that carries a
// predicate, so every completion check uses scanCompletionMarker.
func evalCustomCompletionPredicate(predicate string, observations []string) (CompletionMarker, bool) {
	if predicate == "" {
		return "", false
	}

	prog, err := expr.Compile(predicate, expr.Env(map[string]any{"observations": []string{}}), expr.AsBool())
	if err != nil {
		return "", false
	}
	result, err := expr.Run(prog, map[string]any{"observations": observations})
	if err != nil {
		return "", false
	}
	if ok, _ := result.(bool); ok {
		return MarkerComplete, true
	}
	return MarkerIncomplete, true
}
