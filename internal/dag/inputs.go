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
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// inputResolver evaluates a step's inputs mapping against the outputs its
// dependencies produced, caching compiled programs the way
// pkg/workflow/expression.Evaluator does, generalized from bool-only
// condition expressions to arbitrary output values (an input may reference
// a producer's output directly by name, or derive a value from it via an
// expr expression such as `steps.fetch.outputs.body`).
type inputResolver struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newInputResolver() *inputResolver {
	return &inputResolver{cache: make(map[string]*vm.Program)}
}

// resolve builds the input value map for spec, given the current runtime
// state's per-step outputs. A plain InputSource (From/Name with no
// expression syntax) is a direct lookup; any input name whose source's Name
// contains an expr expression is compiled and evaluated against
// {"steps": {<id>: {"outputs": {...}}}}.
func (r *inputResolver) resolve(spec StepSpec, state *RuntimeState) (map[string]any, error) {
	stepsCtx := make(map[string]any, len(state.Steps))
	for id, s := range state.Steps {
		stepsCtx[id] = map[string]any{"outputs": s.Outputs}
	}
	evalCtx := map[string]any{"steps": stepsCtx}

	resolved := make(map[string]any, len(spec.Inputs))
	for name, src := range spec.Inputs {
		producer, ok := state.Steps[src.From]
		if !ok {
			return nil, fmt.Errorf("dag: input %q references unknown step %q", name, src.From)
		}
		if isPlainOutputName(src.Name) {
			resolved[name] = producer.Outputs[src.Name]
			continue
		}

		prog, err := r.compile(src.Name)
		if err != nil {
			return nil, fmt.Errorf("dag: compiling input %q expression: %w", name, err)
		}
		val, err := expr.Run(prog, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("dag: evaluating input %q: %w", name, err)
		}
		resolved[name] = val
	}
	return resolved, nil
}

func (r *inputResolver) compile(expression string) (*vm.Program, error) {
	r.mu.RLock()
	if p, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[expression] = prog
	r.mu.Unlock()
	return prog, nil
}

// isPlainOutputName reports whether name is a bare output identifier rather
// than an expr expression — i.e. it contains none of expr's operator or
// call-syntax characters.
func isPlainOutputName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			continue
		default:
			return false
		}
	}
	return name != ""
}
