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

// Command foreman-core runs the supervisory control plane as a standalone
// process: admission control, worker delegation, workflow execution, stall
// watching, and escalation, reachable over a line-delimited JSON IPC
// transport (stdio or a Unix socket).
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/foreman-run/foreman/internal/backpressure"
	"github.com/foreman-run/foreman/internal/breaker"
	"github.com/foreman-run/foreman/internal/budget"
	"github.com/foreman-run/foreman/internal/cancelctl"
	"github.com/foreman-run/foreman/internal/config"
	"github.com/foreman-run/foreman/internal/core"
	"github.com/foreman-run/foreman/internal/dag"
	"github.com/foreman-run/foreman/internal/escalation"
	"github.com/foreman-run/foreman/internal/gateway"
	"github.com/foreman-run/foreman/internal/log"
	"github.com/foreman-run/foreman/internal/permit"
	"github.com/foreman-run/foreman/internal/retrypolicy"
	"github.com/foreman-run/foreman/internal/supervisoripc"
	"github.com/foreman-run/foreman/internal/tracing"
	"github.com/foreman-run/foreman/internal/workeradapter"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		transportFlag string
		socketFlag    string
		verboseFlag   bool
		workflowFlag  string
		artifactsFlag string
		showVersion   bool
	)

	cmd := &cobra.Command{
		Use:           "foreman-core",
		Short:         "Run the foreman supervisory control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("foreman-core %s (commit: %s, built: %s)\n", version, commit, buildDate)
				return nil
			}
			return run(cmd.Flags(), transportFlag, socketFlag, verboseFlag, workflowFlag, artifactsFlag)
		},
	}

	cmd.Flags().StringVar(&transportFlag, "transport", "", "IPC transport: stdio or socket (env FOREMAN_TRANSPORT)")
	cmd.Flags().StringVar(&socketFlag, "socket", "", "Unix socket path, required when --transport=socket (env FOREMAN_SOCKET)")
	cmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose (debug) logging (env FOREMAN_VERBOSE)")
	cmd.Flags().StringVar(&workflowFlag, "workflow", "", "Run a single workflow file and exit, instead of serving the IPC transport")
	cmd.Flags().StringVar(&artifactsFlag, "artifacts-dir", "", "Directory to write workflow run artifacts into (required with --workflow)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run builds the supervisor's components and either executes a single
// workflow file (--workflow) or serves the IPC transport until a shutdown
// signal arrives. Returning a non-nil error here always corresponds to
// spec.md §6's exit code 1 (unrecoverable startup error); clean shutdown
// is exit code 0.
func run(flags *pflag.FlagSet, transportFlag, socketFlag string, verboseFlag bool, workflowFlag, artifactsFlag string) error {
	coreCfg, err := config.LoadCore()
	if err != nil {
		return err
	}
	if flags.Changed("transport") {
		coreCfg.Transport = config.Transport(strings.ToLower(transportFlag))
	}
	if flags.Changed("socket") {
		coreCfg.SocketPath = socketFlag
	}
	if flags.Changed("verbose") && verboseFlag {
		coreCfg.Verbose = true
	}
	if err := coreCfg.Validate(); err != nil {
		return err
	}

	logCfg := log.FromEnv()
	if coreCfg.Verbose {
		logCfg.Level = "debug"
		logCfg.AddSource = true
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	provider, err := setupTracing(coreCfg)
	if err != nil {
		return fmt.Errorf("foreman-core: setting up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("foreman-core: tracer shutdown", "error", err)
		}
	}()

	dispatcher, err := buildDispatcher(logger)
	if err != nil {
		return fmt.Errorf("foreman-core: building supervisor: %w", err)
	}

	if workflowFlag != "" {
		return runWorkflowOnce(dispatcher, workflowFlag, artifactsFlag)
	}

	return serve(dispatcher, coreCfg, logger)
}

// setupTracing registers the process-wide OpenTelemetry tracer provider that
// every otel.Tracer(name) call in internal/dag and internal/core resolves
// against. A console exporter is wired in verbose mode only (spec.md §6
// permits at most one FOREMAN_ environment prefix covering transport,
// verbose, and max-subworkflow-depth, so exporter selection rides on the
// existing --verbose/FOREMAN_VERBOSE toggle rather than adding a new knob).
func setupTracing(coreCfg *config.CoreConfig) (*tracing.OTelProvider, error) {
	cfg := tracing.Config{
		Enabled:        true,
		ServiceName:    "foreman-core",
		ServiceVersion: version,
		Sampling:       tracing.SamplingConfig{Enabled: true, Rate: 1.0, AlwaysSampleErrors: true},
	}
	if coreCfg.Verbose {
		cfg.Exporters = []tracing.ExporterConfig{{Type: "console"}}
	}

	processors, err := tracing.CreateExportersFromConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	opts := make([]sdktrace.TracerProviderOption, 0, len(processors))
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	return tracing.NewOTelProviderWithConfig(cfg, opts...)
}

// buildDispatcher wires the admission, delegation, and escalation
// subsystems into a single core.Dispatcher, the same composition
// internal/core/dispatch_test.go exercises against test doubles.
func buildDispatcher(logger *slog.Logger) (*core.Dispatcher, error) {
	b := budget.New(budget.Config{
		MaxConcurrency: 8,
		MaxRPS:         0,
		MaxAttempts:    3,
		Logger:         logger,
	})
	br := breaker.New(breaker.Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		Logger:           logger,
	})
	bp := backpressure.New(backpressure.Thresholds{Degrade: 0.7, Defer: 0.85, Reject: 0.97})
	cancels := cancelctl.New()

	gate := permit.NewGate(permit.Config{
		Budget:       b,
		Breakers:     br,
		Backpressure: bp,
		Cancels:      cancels,
		Logger:       logger,
	})

	gw := gateway.New(gateway.Config{Logger: logger})
	gw.Register("CLAUDE_CODE", workeradapter.NewCLIAdapter("CLAUDE_CODE", &workeradapter.ClaudeCodeBuilder{}, logger))

	escalationManager := escalation.NewManager(escalation.Config{}, escalation.WithLogger(logger))

	dispatcher := core.NewDispatcher(core.Config{
		Permits:    gate,
		Gateway:    gw,
		Escalation: escalationManager,
		Logger:     logger,
		Retry:      retrypolicy.DefaultConfig(),
	})

	return dispatcher, nil
}

// runWorkflowOnce loads a single workflow definition and runs it to
// completion, reporting its terminal status via the process exit code.
func runWorkflowOnce(dispatcher *core.Dispatcher, workflowPath, artifactsDir string) error {
	if artifactsDir == "" {
		return fmt.Errorf("foreman-core: --artifacts-dir is required with --workflow")
	}

	def, err := core.LoadWorkflowFile(workflowPath)
	if err != nil {
		return fmt.Errorf("foreman-core: loading workflow: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	state, err := dispatcher.RunWorkflow(ctx, def.Name, def, artifactsDir)
	if err != nil {
		return fmt.Errorf("foreman-core: running workflow %s: %w", def.Name, err)
	}

	fmt.Printf("workflow %s finished: %s\n", def.Name, state.Status)
	if state.Status != dag.WorkflowSucceeded {
		return fmt.Errorf("foreman-core: workflow %s finished with status %s", def.Name, state.Status)
	}
	return nil
}

// serve binds the IPC transport chosen by coreCfg.Transport to dispatcher
// and blocks until a shutdown signal is received.
func serve(dispatcher *core.Dispatcher, coreCfg *config.CoreConfig, logger *slog.Logger) error {
	reader, writer, closeTransport, err := openStream(coreCfg)
	if err != nil {
		return fmt.Errorf("foreman-core: opening %s transport: %w", coreCfg.Transport, err)
	}
	defer closeTransport()

	transport := supervisoripc.NewTransport(writer, supervisoripc.Config{Logger: logger})
	server := supervisoripc.NewServer(transport, dispatcher, logger)
	dispatcher.SetNotifier(supervisoripc.ServerNotifier{Server: server})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- transport.Run(ctx, reader) }()

	installSignalHandler(cancel)

	select {
	case <-ctx.Done():
		logger.Info("foreman-core: shutdown requested")
		cancel()
		return nil
	case err := <-runErr:
		if err != nil {
			logger.Error("foreman-core: transport loop exited", "error", err)
			return err
		}
		return nil
	}
}

// openStream returns the read/write halves of the chosen transport. For
// stdio, that's the process's own stdin/stdout. For socket, it listens on
// coreCfg.SocketPath and accepts exactly one connection (the supervisor
// serves a single scheduler peer per spec.md §4.13).
func openStream(coreCfg *config.CoreConfig) (r *bufio.Reader, w io.Writer, closeFn func(), err error) {
	switch coreCfg.Transport {
	case config.TransportStdio:
		return bufio.NewReader(os.Stdin), os.Stdout, func() {}, nil
	case config.TransportSocket:
		_ = os.Remove(coreCfg.SocketPath)
		ln, err := net.Listen("unix", coreCfg.SocketPath)
		if err != nil {
			return nil, nil, nil, err
		}
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			return nil, nil, nil, err
		}
		closeFn := func() {
			conn.Close()
			ln.Close()
			os.Remove(coreCfg.SocketPath)
		}
		return bufio.NewReader(conn), conn, closeFn, nil
	default:
		return nil, nil, nil, fmt.Errorf("foreman-core: unknown transport %q", coreCfg.Transport)
	}
}

// installSignalHandler cancels ctx on the first SIGINT/SIGTERM (polite
// shutdown) and force-exits with status 1 on a second one, per spec.md
// §6's "second polite signal forces exit".
func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "foreman-core: second signal received, forcing exit")
		os.Exit(1)
	}()
}
