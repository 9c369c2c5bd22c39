package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/internal/definition"
	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/internal/tracing"
	"github.com/petrijr/fluxgraph/pkg/api"
)

var (
	configPath string
	flowsDir   string
	logLevel   string
	logFormat  string
	output     string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fluxgraph",
	Short: "fluxgraph - graph-based workflow engine",
	Long: `fluxgraph runs flows defined as graphs of start, state, manual,
condition, parallel and end nodes.

Configuration is read from --config and FLUXGRAPH_* environment variables;
flow definitions are loaded from the YAML and JSON files in --flows.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	pf.StringVarP(&flowsDir, "flows", "f", "flows", "Directory holding flow definitions")
	pf.StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Override the configured log format (text, json)")
	pf.StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	pf.DurationVar(&timeout, "timeout", time.Minute, "How long to wait for the graph to go idle")

	rootCmd.AddCommand(validateCmd, runCmd, completeCmd, resumeCmd, terminateCmd, traceCmd, recoverCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, cfg.Prepare()
}

// session is an opened engine with every definition in --flows registered.
type session struct {
	engine   api.Engine
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func openSession(ctx context.Context, stderr io.Writer) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(stderr)

	s := &session{logger: logger, shutdown: func(context.Context) error { return nil }}
	if cfg.Tracing.Enabled {
		s.shutdown = tracing.Install(cfg.Tracing.ServiceName, tracing.NewLogExporter(logger))
	}

	eng, err := engine.Open(ctx, cfg, engine.OpenOptions{Logger: logger})
	if err != nil {
		_ = s.shutdown(ctx)
		return nil, err
	}
	s.engine = eng

	defs, err := definition.LoadDir(flowsDir)
	if err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("load flows: %w", err)
	}
	for _, def := range defs {
		if err := eng.RegisterDefinition(def); err != nil {
			s.close(ctx)
			return nil, err
		}
	}
	logger.DebugContext(ctx, "flows_registered", slog.Int("count", len(defs)), slog.String("dir", flowsDir))
	return s, nil
}

func (s *session) wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.engine.Wait(ctx)
}

func (s *session) close(ctx context.Context) {
	if err := s.engine.Close(); err != nil {
		s.logger.WarnContext(ctx, "engine_close_failed", slog.Any("error", err))
	}
	_ = s.shutdown(context.WithoutCancel(ctx))
}

// withSession opens a session, runs fn and closes the session again.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close(ctx)
	return fn(ctx, s)
}
