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

// ClaudeCodeBuilder translates tasks into invocations of the Claude Code CLI,
// mapping granted capabilities onto an MCP tool allowlist the way
// pkg/llm/providers/claudecode builds its --mcp-config for Foreman's own
// tool server.
type ClaudeCodeBuilder struct {
	// CLIPath overrides the default "claude" executable lookup.
	CLIPath string

	// MCPServerCommand is the command used to launch the MCP server that
	// exposes workspace tools to the CLI (mirrors claudecode.buildMCPConfig's
	// "foreman mcp-server" subprocess pattern).
	MCPServerCommand string
	MCPServerArgs    []string
}

// capabilityTools maps a granted capability onto the MCP tool names the
// allowlist exposes for it. A worker never receives tools beyond what its
// task's capabilities grant.
var capabilityTools = map[Capability][]string{
	CapabilityRead:        {"read_file", "list_directory", "search_files"},
	CapabilityEdit:        {"write_file", "apply_patch"},
	CapabilityRunTests:    {"run_tests"},
	CapabilityRunCommands: {"run_command"},
}

// Command implements CLIArgBuilder.
func (b *ClaudeCodeBuilder) Command() string {
	if b.CLIPath != "" {
		return b.CLIPath
	}
	return "claude"
}

// BuildArgs implements CLIArgBuilder, grounded on
// claudecode.Provider.buildCLIArgs: a --mcp-config flag carrying the
// capability-derived tool allowlist, plus --output-format stream-json so
// the CLI's line-oriented output matches workeradapter's ParseLine
// expectations, plus the task's instructions as the prompt.
func (b *ClaudeCodeBuilder) BuildArgs(task Task) []string {
	args := []string{"--output-format", "stream-json", "--print"}

	allowed := b.allowedTools(task)
	if len(allowed) > 0 {
		args = append(args, "--allowedTools", joinComma(allowed))
		args = append(args, "--mcp-config", b.buildMCPConfig())
	}

	args = append(args, "-p", task.Instructions)
	return args
}

func (b *ClaudeCodeBuilder) allowedTools(task Task) []string {
	var tools []string
	for _, cap := range task.Capabilities {
		tools = append(tools, capabilityTools[cap]...)
	}
	return tools
}

func (b *ClaudeCodeBuilder) buildMCPConfig() string {
	command := b.MCPServerCommand
	if command == "" {
		command = "foreman"
	}
	args := b.MCPServerArgs
	if args == nil {
		args = []string{"mcp-server"}
	}

	config := map[string]any{
		"mcpServers": map[string]any{
			"foreman": map[string]any{
				"command": command,
				"args":    args,
			},
		},
	}

	data, err := json.Marshal(config)
	if err != nil {
		return `{"mcpServers":{"foreman":{"command":"foreman","args":["mcp-server"]}}}`
	}
	return string(data)
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
