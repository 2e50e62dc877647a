package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/pkg/adapter"
	"github.com/conveyorhq/conveyor/pkg/breaker"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/obs"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/pipeline/handlers"
	"github.com/conveyorhq/conveyor/pkg/remote"
	pgstore "github.com/conveyorhq/conveyor/pkg/store/postgres"

	// Postgres driver for the checkpoint store.
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)
	root := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor — resilient batch data-integration runner",
		Long: `Conveyor executes DOT-graph integration pipelines.

Each node in the graph is a typed step (extract.http, transform,
export.file, or a custom adapter code). Edges carry boolean conditions
over step outcomes that control flow. Extraction steps checkpoint their
offset so interrupted runs resume without re-processing records.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initLogger(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	root.AddCommand(runCmd())
	root.AddCommand(resumeCmd())
	root.AddCommand(lintCmd())
	root.AddCommand(simulateCmd())
	root.AddCommand(graphCmd())
	return root
}

// ─── run ──────────────────────────────────────────────────────────────────────

type runFlags struct {
	configPath     string
	checkpointPath string
	dbDSN          string
	outputPath     string
	seed           string
	dryRun         bool
}

func runCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <pipeline.dot>",
		Short: "Execute a pipeline from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executePipeline(cmd.Context(), args[0], flags, "")
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML settings file (optional)")
	cmd.Flags().StringVar(&flags.checkpointPath, "checkpoint", "", "path to write/read checkpoint JSON (optional)")
	cmd.Flags().StringVar(&flags.dbDSN, "db", "", "postgres DSN for checkpoint persistence (optional)")
	cmd.Flags().StringVar(&flags.outputPath, "output", "", "path to write the run summary JSON (optional)")
	cmd.Flags().StringVar(&flags.seed, "seed", "", "initial seed value stored in the execution context")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "simulate every step instead of executing it")
	return cmd
}

// ─── resume ───────────────────────────────────────────────────────────────────

func resumeCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "resume <pipeline.dot>",
		Short: "Resume a pipeline from its stored checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.checkpointPath == "" && flags.dbDSN == "" {
				return fmt.Errorf("resume needs --checkpoint or --db")
			}
			return resumePipeline(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML settings file (optional)")
	cmd.Flags().StringVar(&flags.checkpointPath, "checkpoint", "", "checkpoint JSON to resume from")
	cmd.Flags().StringVar(&flags.dbDSN, "db", "", "postgres DSN holding the checkpoint")
	cmd.Flags().StringVar(&flags.outputPath, "output", "", "path to write the run summary JSON (optional)")
	return cmd
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <pipeline.dot>",
		Short: "Validate a pipeline DOT file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("OK: pipeline %q is valid (%d steps, %d edges)\n",
				p.Name, len(p.Steps), len(p.Edges))
			return nil
		},
	}
}

// ─── simulate ─────────────────────────────────────────────────────────────────

func simulateCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "simulate <pipeline.dot>",
		Short: "Walk the pipeline in dry-run mode without external writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.dryRun = true
			return executePipeline(cmd.Context(), args[0], flags, "")
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML settings file (optional)")
	cmd.Flags().StringVar(&flags.seed, "seed", "", "initial seed value stored in the execution context")
	return cmd
}

// ─── execution ────────────────────────────────────────────────────────────────

func executePipeline(ctx context.Context, dotFile string, flags runFlags, resumeFrom string) error {
	p, err := loadPipeline(dotFile)
	if err != nil {
		return err
	}
	settings, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	ec := pipeline.NewExecutionContext()
	if flags.seed != "" {
		ec.Set("seed", flags.seed)
	}

	return runEngine(ctx, p, ec, settings, flags, resumeFrom)
}

func resumePipeline(ctx context.Context, dotFile string, flags runFlags) error {
	p, err := loadPipeline(dotFile)
	if err != nil {
		return err
	}
	settings, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	var (
		ec       *pipeline.ExecutionContext
		lastStep string
	)
	if flags.dbDSN != "" {
		db, err := sql.Open("pgx", flags.dbDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()
		cp, err := pgstore.NewCheckpointStore(db).Load(ctx, p.Name)
		if err != nil {
			return fmt.Errorf("load checkpoint for %q: %w", p.Name, err)
		}
		ec = pipeline.NewExecutionContext()
		ec.RestoreCheckpoints(cp.Data)
		lastStep = cp.LastStepID
	} else {
		ec, lastStep, err = pipeline.LoadCheckpoint(flags.checkpointPath)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}
	slog.Info("resuming pipeline", "pipeline", p.Name, "from", lastStep)

	return runEngine(ctx, p, ec, settings, flags, lastStep)
}

// runEngine wires the runtime (breaker, client, observability, registries)
// from settings and executes the pipeline.
func runEngine(ctx context.Context, p *pipeline.Pipeline, ec *pipeline.ExecutionContext,
	settings config.Settings, flags runFlags, resumeFrom string) error {

	logger := slog.Default()
	tracker := obs.NewSpanTracker(obs.TrackerOptions{
		MaxActive:    settings.Observability.MaxActiveSpans,
		MaxCompleted: settings.Observability.MaxCompletedSpans,
		AbandonAfter: settings.Observability.AbandonAfter.Duration(),
	})
	metrics := obs.NewMetrics(settings.Observability.MaxHistogramSamples)

	br := breaker.New(breaker.Options{
		Enabled:          settings.Breaker.Enabled,
		FailureThreshold: settings.Breaker.FailureThreshold,
		FailureWindow:    settings.Breaker.FailureWindow.Duration(),
		ResetTimeout:     settings.Breaker.ResetTimeout.Duration(),
		SuccessThreshold: settings.Breaker.SuccessThreshold,
		IdleTTL:          settings.Breaker.IdleTTL.Duration(),
		MaxKeys:          settings.Breaker.MaxKeys,
	})
	client := remote.NewClient(br, tracker, metrics, logger)
	client.HTTP = &http.Client{Timeout: settings.HTTP.Timeout.Duration()}

	secrets := adapter.EnvResolver{Prefix: "CONVEYOR_"}
	registry := handlers.NewRegistry(client, secrets, logger)

	dispatcher := pipeline.NewDispatcher(registry, adapter.NewRegistry(), logger)
	dispatcher.Secrets = secrets
	dispatcher.Connections = secrets
	dispatcher.Tracker = tracker
	dispatcher.Metrics = metrics

	eng, err := pipeline.NewEngine(p, dispatcher, ec, flags.checkpointPath, retryDefaults(settings))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	eng.Tracker = tracker
	eng.Logger = logger
	eng.Sink = logSink(logger)
	eng.SetDryRun(flags.dryRun)

	sctx := signalContext(ctx)
	result, runErr := eng.Execute(sctx, resumeFrom)

	if flags.dbDSN != "" && !flags.dryRun && ec.Dirty() {
		if err := flushToStore(ctx, flags.dbDSN, p.Name, ec); err != nil {
			logger.Error("persist checkpoint", "pipeline", p.Name, "error", err)
		}
	}
	if result != nil {
		if err := writeRunSummary(flags.outputPath, result); err != nil {
			logger.Error("write run summary", "path", flags.outputPath, "error", err)
		}
		logger.Info("run finished", "run_id", result.RunID, "ok", result.OK, "fail", result.Fail)
	}
	return runErr
}

func retryDefaults(settings config.Settings) remote.RetryPolicy {
	return remote.RetryPolicy{
		Retries:           settings.HTTP.Retries,
		RetryDelay:        settings.HTTP.RetryDelay.Duration(),
		MaxRetryDelay:     settings.HTTP.MaxRetryDelay.Duration(),
		BackoffMultiplier: settings.HTTP.BackoffMultiplier,
		Timeout:           settings.HTTP.Timeout.Duration(),
		MaxBatchSize:      settings.HTTP.MaxBatchSize,
	}
}

// flushToStore persists the execution context's checkpoints to postgres
// after a run that left them dirty.
func flushToStore(ctx context.Context, dsn, pipelineName string, ec *pipeline.ExecutionContext) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	err = pgstore.NewCheckpointStore(db).Save(ctx, pgstore.Checkpoint{
		Pipeline:   pipelineName,
		LastStepID: ec.GetString("last_step"),
		Data:       ec.Checkpoints(),
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ec.ClearDirty()
	return nil
}

// logSink reports each failed record through the logger. Payloads are not
// logged whole; a record can be large and may carry sensitive fields.
func logSink(logger *slog.Logger) pipeline.RecordErrorSink {
	return func(_ context.Context, stepKey, message string, payload pipeline.Record) error {
		logger.Warn("record failed", "step", stepKey, "error", message, "fields", len(payload))
		return nil
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func loadPipeline(dotFile string) (*pipeline.Pipeline, error) {
	src, err := os.ReadFile(dotFile)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	p, err := pipeline.ParseDOT(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if lintErr := pipeline.ValidateErr(p); lintErr != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", lintErr)
	}
	return p, nil
}

// writeRunSummary writes the run result as JSON. An empty path is a no-op.
func writeRunSummary(path string, result *pipeline.RunResult) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// initLogger configures the process-wide slog default.
func initLogger(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[conveyor] interrupted, cancelling run")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
