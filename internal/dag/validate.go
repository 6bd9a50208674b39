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
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError reports every problem found while validating a definition,
// so a caller can surface all of them at once rather than one at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validate checks referential integrity of depends_on/inputs, acyclicity
// (Kahn's algorithm), uniqueness of output names, and relative-path safety
// of every step's workspace. On success it fixes the topological order
// (ties broken by step id) that the executor scans for ready steps. Validation runs before any step executes;
// there is no partial execution of an invalid definition.
func Validate(def *Definition) error {
	var problems []string

	outputOwner := make(map[string]string)
	for id, spec := range def.Steps {
		for _, out := range spec.Outputs {
			if owner, ok := outputOwner[out]; ok {
				problems = append(problems, fmt.Sprintf("output %q declared by both %q and %q", out, owner, id))
				continue
			}
			outputOwner[out] = id
		}
	}

	for id, spec := range def.Steps {
		for _, dep := range spec.DependsOn {
			if _, ok := def.Steps[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q depends_on unknown step %q", id, dep))
			}
		}
		for inputName, src := range spec.Inputs {
			if _, ok := def.Steps[src.From]; !ok {
				problems = append(problems, fmt.Sprintf("step %q input %q references unknown step %q", id, inputName, src.From))
				continue
			}
			if !dependsOn(spec, src.From) {
				problems = append(problems, fmt.Sprintf("step %q input %q reads from %q but does not depends_on it", id, inputName, src.From))
			}
		}
		if spec.CompletionCheck != nil && spec.CompletionCheck.MaxIterations < 2 {
			problems = append(problems, fmt.Sprintf("step %q completion_check.max_iterations must be >= 2", id))
		}
		if !safeRelativePath(spec.Workspace) {
			problems = append(problems, fmt.Sprintf("step %q workspace %q is not a safe relative path", id, spec.Workspace))
		}
	}

	if order, cycle := kahnOrder(def.Steps); cycle {
		problems = append(problems, "workflow graph contains a cycle")
	} else {
		def.order = order
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func dependsOn(spec StepSpec, id string) bool {
	for _, d := range spec.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// safeRelativePath accepts an empty path (a step with no workspace set, as
// the workflow YAML schema has no step workspace key) and rejects absolute
// paths and any path that doublestar would need ".." segments to escape,
// matching the teacher's path-permission checks in
// internal/permissions/paths.go.
func safeRelativePath(p string) bool {
	if p == "" {
		return true
	}
	if path.IsAbs(p) {
		return false
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	if !doublestar.ValidatePattern(cleaned) {
		return false
	}
	return true
}

// kahnOrder computes a topological order via Kahn's algorithm and reports
// whether the graph contains a cycle. Ties (multiple steps with in-degree
// zero at once) are broken by step id, giving the deterministic order the
// scheduler's ready-set pop follows. Declaration order is not available
// here (Steps is a map) and plays no part in it.
func kahnOrder(steps map[string]StepSpec) (order []string, cycle bool) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id := range steps {
		inDegree[id] = 0
	}
	for id, spec := range steps {
		for _, dep := range spec.DependsOn {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)

		var freed []string
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sortStrings(freed)
		queue = append(queue, freed...)
	}

	return order, len(order) != len(steps)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
