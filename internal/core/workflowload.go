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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/foreman-run/foreman/internal/dag"
	"github.com/foreman-run/foreman/internal/stall"
	"github.com/foreman-run/foreman/internal/workeradapter"
)

// yamlStepSpec mirrors one entry of the workflow YAML schema's `steps` map
// (spec §6). Field names follow the schema's own snake_case rather than the
// Go struct field names they populate.
type yamlStepSpec struct {
	Worker                string              `yaml:"worker"`
	Instructions          string              `yaml:"instructions"`
	Capabilities          []string            `yaml:"capabilities"`
	DependsOn             []string            `yaml:"depends_on"`
	Inputs                map[string]string   `yaml:"inputs"`
	Outputs               []string            `yaml:"outputs"`
	Timeout               string              `yaml:"timeout"`
	MaxRetries            int                 `yaml:"max_retries"`
	MaxSteps              int                 `yaml:"max_steps"`
	MaxCommandTime        string              `yaml:"max_command_time"`
	OnFailure             string              `yaml:"on_failure"`
	CompletionCheck       *yamlCompletionSpec `yaml:"completion_check"`
	MaxIterations         int                 `yaml:"max_iterations"`
	OnIterationsExhausted string              `yaml:"on_iterations_exhausted"`
	StallPolicy           map[string]any      `yaml:"stall_policy"`
	Management            map[string]any      `yaml:"management"`
}

type yamlCompletionSpec struct {
	Worker       string   `yaml:"worker"`
	Instructions string   `yaml:"instructions"`
	Capabilities []string `yaml:"capabilities"`
}

// yamlDefinition mirrors the workflow YAML schema's top level.
type yamlDefinition struct {
	Name        string                  `yaml:"name"`
	Version     string                  `yaml:"version"`
	Timeout     string                  `yaml:"timeout"`
	Concurrency int                     `yaml:"concurrency"`
	ContextDir  string                  `yaml:"context_dir"`
	Steps       map[string]yamlStepSpec `yaml:"steps"`
}

// LoadWorkflowFile parses a workflow YAML file per the schema in spec.md §6
// and validates the resulting DAG before returning it — validation errors
// surface to the caller before any step runs, per spec.md §7's no-partial-
// execution policy for DAG definitions.
func LoadWorkflowFile(path string) (*dag.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: reading workflow file %s: %w", path, err)
	}
	def, err := ParseWorkflowYAML(data)
	if err != nil {
		return nil, fmt.Errorf("core: parsing workflow file %s: %w", path, err)
	}
	if err := dag.Validate(def); err != nil {
		return nil, fmt.Errorf("core: invalid workflow definition in %s: %w", path, err)
	}
	return def, nil
}

// ParseWorkflowYAML decodes raw workflow YAML into a dag.Definition without
// validating it (callers that need the no-partial-execution guarantee
// should use LoadWorkflowFile instead).
func ParseWorkflowYAML(data []byte) (*dag.Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	if raw.Version != "" && raw.Version != "1" {
		return nil, fmt.Errorf("unsupported workflow schema version %q", raw.Version)
	}

	def := &dag.Definition{
		Name:  raw.Name,
		Steps: make(map[string]dag.StepSpec, len(raw.Steps)),
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing workflow timeout %q: %w", raw.Timeout, err)
		}
		def.Timeout = d
	}
	def.Concurrency = raw.Concurrency

	for id, step := range raw.Steps {
		spec, err := convertStep(id, step)
		if err != nil {
			return nil, err
		}
		def.Steps[id] = spec
	}
	return def, nil
}

func convertStep(id string, step yamlStepSpec) (dag.StepSpec, error) {
	spec := dag.StepSpec{
		ID:           id,
		WorkerKind:   step.Worker,
		Instructions: step.Instructions,
		DependsOn:    step.DependsOn,
		Outputs:      step.Outputs,
		MaxRetries:   step.MaxRetries,
		Management:   step.Management,
	}

	for _, c := range step.Capabilities {
		cap, err := parseCapability(c)
		if err != nil {
			return dag.StepSpec{}, fmt.Errorf("step %s: %w", id, err)
		}
		spec.Capabilities = append(spec.Capabilities, cap)
	}

	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return dag.StepSpec{}, fmt.Errorf("step %s: parsing timeout %q: %w", id, step.Timeout, err)
		}
		spec.Timeout = d
	}

	if step.OnFailure != "" {
		spec.OnFailure = dag.FailureMode(step.OnFailure)
	} else {
		spec.OnFailure = dag.OnFailureAbort
	}

	if len(step.Inputs) > 0 {
		spec.Inputs = make(map[string]dag.InputSource, len(step.Inputs))
		for name, ref := range step.Inputs {
			from, output, err := splitInputRef(ref)
			if err != nil {
				return dag.StepSpec{}, fmt.Errorf("step %s: input %s: %w", id, name, err)
			}
			spec.Inputs[name] = dag.InputSource{From: from, Name: output}
		}
	}

	if step.CompletionCheck != nil {
		cc := &dag.CompletionCheck{
			WorkerKind:            step.CompletionCheck.Worker,
			Instructions:          step.CompletionCheck.Instructions,
			MaxIterations:         step.MaxIterations,
			OnIterationsExhausted: dag.OnIterationsContinue,
		}
		if step.OnIterationsExhausted != "" {
			cc.OnIterationsExhausted = dag.IterationsExhaustedMode(step.OnIterationsExhausted)
		}
		for _, c := range step.CompletionCheck.Capabilities {
			cap, err := parseCapability(c)
			if err != nil {
				return dag.StepSpec{}, fmt.Errorf("step %s: completion_check: %w", id, err)
			}
			cc.Capabilities = append(cc.Capabilities, cap)
		}
		spec.CompletionCheck = cc
	}

	if len(step.StallPolicy) > 0 {
		policy, err := parseStallPolicy(step.StallPolicy)
		if err != nil {
			return dag.StepSpec{}, fmt.Errorf("step %s: stall_policy: %w", id, err)
		}
		spec.StallPolicy = policy
	}

	return spec, nil
}

// parseStallPolicy converts a step's stall_policy mapping (spec §4.12) into
// a stall.Policy. Either sub-watcher, both, or neither may be present.
func parseStallPolicy(raw map[string]any) (*stall.Policy, error) {
	policy := &stall.Policy{}

	if v, ok := raw["no_output"]; ok {
		m, ok := toStringMap(v)
		if !ok {
			return nil, fmt.Errorf("no_output must be a mapping")
		}
		cfg, err := parseNoOutputConfig(m)
		if err != nil {
			return nil, fmt.Errorf("no_output: %w", err)
		}
		policy.NoOutput = cfg
	}

	if v, ok := raw["no_progress"]; ok {
		m, ok := toStringMap(v)
		if !ok {
			return nil, fmt.Errorf("no_progress must be a mapping")
		}
		cfg, err := parseNoProgressConfig(m)
		if err != nil {
			return nil, fmt.Errorf("no_progress: %w", err)
		}
		policy.NoProgress = cfg
	}

	if policy.NoOutput == nil && policy.NoProgress == nil {
		return nil, fmt.Errorf("must declare at least one of no_output or no_progress")
	}
	return policy, nil
}

func parseNoOutputConfig(m map[string]any) (*stall.NoOutputConfig, error) {
	timeoutStr, _ := m["timeout"].(string)
	if timeoutStr == "" {
		return nil, fmt.Errorf("timeout is required")
	}
	d, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timeout %q: %w", timeoutStr, err)
	}
	cfg := &stall.NoOutputConfig{Timeout: d}
	if src, ok := m["source"].(string); ok && src != "" {
		cfg.Source = stall.ActivitySource(src)
	}
	if action, ok := m["action"].(string); ok && action != "" {
		cfg.Action = stall.ActionPolicy(action)
	}
	return cfg, nil
}

func parseNoProgressConfig(m map[string]any) (*stall.NoProgressConfig, error) {
	cmd, _ := m["command"].(string)
	if cmd == "" {
		return nil, fmt.Errorf("command is required")
	}
	intervalStr, _ := m["interval"].(string)
	if intervalStr == "" {
		return nil, fmt.Errorf("interval is required")
	}
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return nil, fmt.Errorf("parsing interval %q: %w", intervalStr, err)
	}

	classExpr, _ := m["class_expr"].(string)
	summaryExpr, _ := m["summary_expr"].(string)
	if classExpr == "" || summaryExpr == "" {
		return nil, fmt.Errorf("class_expr and summary_expr are required")
	}
	classifier, err := stall.NewJQClassifier(classExpr, summaryExpr)
	if err != nil {
		return nil, err
	}

	cfg := &stall.NoProgressConfig{Command: cmd, Interval: interval, Classify: classifier.Classify}
	if n, ok := toInt(m["stall_threshold"]); ok {
		cfg.StallThreshold = n
	}
	if action, ok := m["action"].(string); ok && action != "" {
		cfg.Action = stall.ActionPolicy(action)
	}
	if onErr, ok := m["on_probe_error"].(string); ok && onErr != "" {
		cfg.OnProbeError = stall.ProbeErrorAction(onErr)
	}
	if n, ok := toInt(m["probe_error_threshold"]); ok {
		cfg.ProbeErrorThreshold = n
	}
	return cfg, nil
}

// toStringMap accepts the shapes yaml.v3 produces for a nested mapping
// decoded into an `any` field: map[string]any directly, or (less commonly)
// map[any]any.
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func parseCapability(name string) (workeradapter.Capability, error) {
	switch name {
	case "READ":
		return workeradapter.CapabilityRead, nil
	case "EDIT":
		return workeradapter.CapabilityEdit, nil
	case "RUN_TESTS":
		return workeradapter.CapabilityRunTests, nil
	case "RUN_COMMANDS":
		return workeradapter.CapabilityRunCommands, nil
	default:
		return "", fmt.Errorf("unknown capability %q", name)
	}
}

// splitInputRef parses a "stepId.outputName" input reference.
func splitInputRef(ref string) (step, output string, err error) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed input reference %q, expected stepId.outputName", ref)
}

// WorkflowWatcher watches a directory of workflow YAML files and reloads a
// definition whenever its file changes, for workflow hot-reload during
// iterative authoring. Distinct from WorkflowArtifacts, which writes
// process-owned state rather than watching externally-edited files.
type WorkflowWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWorkflowWatcher starts watching dir for writes to *.yaml/*.yml files,
// invoking onReload with the freshly parsed and validated definition each
// time. Parse/validate failures are logged and do not replace the last-good
// definition onReload was given.
func NewWorkflowWatcher(dir string, onReload func(path string, def *dag.Definition), logger *slog.Logger) (*WorkflowWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("core: starting workflow watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("core: watching workflow directory %s: %w", dir, err)
	}

	ww := &WorkflowWatcher{watcher: w, logger: logger}
	go ww.run(onReload)
	return ww, nil
}

func (ww *WorkflowWatcher) run(onReload func(path string, def *dag.Definition)) {
	for {
		select {
		case ev, ok := <-ww.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			def, err := LoadWorkflowFile(ev.Name)
			if err != nil {
				ww.logger.Warn("core: workflow reload failed", "path", ev.Name, "error", err)
				continue
			}
			onReload(ev.Name, def)
		case err, ok := <-ww.watcher.Errors:
			if !ok {
				return
			}
			ww.logger.Warn("core: workflow watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (ww *WorkflowWatcher) Close() error {
	return ww.watcher.Close()
}
