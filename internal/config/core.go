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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Transport selects the wire transport the supervisor core's IPC server
// listens on (spec §6).
type Transport string

const (
	TransportStdio  Transport = "stdio"
	TransportSocket Transport = "socket"
)

// CoreConfig holds the supervisor core process's own settings: the single
// `FOREMAN_` prefix spec.md §6 allows covers exactly transport selection,
// verbose logging, and maximum subworkflow nesting depth. Everything else
// the core needs (budget/breaker/backpressure tuning, worker kinds) is
// constructed in code rather than read from a config file, since spec.md
// scopes YAML config parsing out of this subsystem (§1).
type CoreConfig struct {
	Transport           Transport
	SocketPath          string
	Verbose             bool
	MaxSubworkflowDepth int
}

// DefaultCoreConfig returns the core's baseline settings before environment
// or flag overrides are applied.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		Transport:           TransportStdio,
		MaxSubworkflowDepth: 4,
	}
}

// LoadCore builds a CoreConfig from FOREMAN_TRANSPORT, FOREMAN_SOCKET,
// FOREMAN_VERBOSE, and FOREMAN_MAX_SUBWORKFLOW_DEPTH, layering the
// environment over DefaultCoreConfig (the core reads no config file of
// its own).
func LoadCore() (*CoreConfig, error) {
	cfg := DefaultCoreConfig()

	if v := os.Getenv("FOREMAN_TRANSPORT"); v != "" {
		t := Transport(strings.ToLower(v))
		if t != TransportStdio && t != TransportSocket {
			return nil, fmt.Errorf("config: FOREMAN_TRANSPORT must be %q or %q, got %q", TransportStdio, TransportSocket, v)
		}
		cfg.Transport = t
	}

	if v := os.Getenv("FOREMAN_SOCKET"); v != "" {
		cfg.SocketPath = v
	}

	if v := os.Getenv("FOREMAN_VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: FOREMAN_VERBOSE must be a bool, got %q", v)
		}
		cfg.Verbose = b
	}

	if v := os.Getenv("FOREMAN_MAX_SUBWORKFLOW_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: FOREMAN_MAX_SUBWORKFLOW_DEPTH must be a non-negative integer, got %q", v)
		}
		cfg.MaxSubworkflowDepth = n
	}

	return cfg, nil
}

// Validate checks the socket path is set whenever the socket transport is
// selected.
func (c *CoreConfig) Validate() error {
	if c.Transport == TransportSocket && c.SocketPath == "" {
		return fmt.Errorf("config: socket transport requires a socket path")
	}
	return nil
}
