package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/botflow-dev/botflow/internal/engine"
	"github.com/botflow-dev/botflow/internal/expressions"
	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/internal/logging"
	"github.com/botflow-dev/botflow/internal/matcher"
	"github.com/botflow-dev/botflow/internal/scheduler"
	"github.com/botflow-dev/botflow/internal/store"
	"github.com/botflow-dev/botflow/internal/validation"
	"github.com/botflow-dev/botflow/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := runServe(); err != nil {
		fmt.Fprintf(os.Stderr, "botflow: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewGoJQEngine()

	m := matcher.New(exprEngine, matcher.WithLogger(logger))
	guards := graph.NewGuardEvaluator(celEngine)
	interp := engine.NewInterpreter(guards, jqEngine, logger)

	recorder := store.NewRecorder(store.NewEventLog(st), logger)
	runnerOpts := []engine.RunnerOption{
		engine.WithLogger(logger),
		engine.WithEventRecorder(recorder),
	}
	if cfg.SuspendOnDelay {
		runnerOpts = append(runnerOpts, engine.WithSuspendOnDelay())
	}
	runner := engine.NewRunner(m, guards, interp, runnerOpts...)
	coordinator := engine.NewCoordinator(st, runner, logger)

	sched := scheduler.NewScheduler(st, coordinator, coordinator, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed broadcast recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	validator, err := validation.NewFlowValidator()
	if err != nil {
		return fmt.Errorf("flow validator: %w", err)
	}

	srv := mcp.NewBotflowServer(mcp.BotflowServerDeps{
		Runner:    coordinator,
		Store:     st,
		Validator: validator,
		Logger:    logger,
	})

	logger.Info("botflow serving on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.Bool("suspend_on_delay", cfg.SuspendOnDelay))
	return srv.Serve(ctx)
}

// newLogger builds the process logger: text to stderr (stdout carries the
// MCP transport) wrapped with correlation ID injection.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
