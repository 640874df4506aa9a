package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/taskgraph/internal/checkpoint"
	"github.com/me/taskgraph/internal/metrics"
	"github.com/me/taskgraph/internal/parser"
	"github.com/me/taskgraph/internal/scheduler"
	"github.com/me/taskgraph/internal/store"
	"github.com/me/taskgraph/internal/workspace"
	"github.com/me/taskgraph/pkg/model"
	"github.com/spf13/cobra"
)

// runFlags are the scheduling overrides shared by run and resume.
type runFlags struct {
	mode          string
	workspace     string
	maxParallel   int
	maxAttempts   int
	checkpointDir string
	db            string
	isolate       bool
	metricsAddr   string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "", "Execution mode: sequential, parallel, batched")
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "Workspace directory (overrides default_workspace)")
	cmd.Flags().IntVar(&f.maxParallel, "max-parallel", 0, "Maximum concurrent steps per batch (0 = unbounded)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Attempts per step before the retry policy gives up")
	cmd.Flags().StringVar(&f.checkpointDir, "checkpoint-dir", "", "Checkpoint directory")
	cmd.Flags().StringVar(&f.db, "db", "", "Run history database (default ~/.taskgraph/history.db)")
	cmd.Flags().BoolVar(&f.isolate, "isolate", false, "Give each step a private copy of the workspace")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
}

// apply copies explicitly set flags over the loaded config.
func (f *runFlags) apply(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode = f.mode
	}
	if flags.Changed("workspace") {
		cfg.Workspace = f.workspace
	}
	if flags.Changed("max-parallel") {
		cfg.MaxParallel = f.maxParallel
	}
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = f.maxAttempts
	}
	if flags.Changed("checkpoint-dir") {
		cfg.CheckpointDir = f.checkpointDir
	}
	if flags.Changed("db") {
		cfg.DBPath = f.db
	}
	if f.isolate {
		cfg.WorkspaceMode = string(workspace.ModeIsolated)
	}
	return cfg.Validate()
}

// engine wires a coordinator to the checkpoint store, run history and
// metrics sinks selected by the config.
type engine struct {
	coord       *scheduler.Coordinator
	checkpoints *checkpoint.FileStore
	history     *store.SQLiteStore
	metricsSrv  *http.Server
}

func openCheckpoints() (*checkpoint.FileStore, error) {
	return checkpoint.NewFileStore(cfg.CheckpointDir, logger, checkpoint.WithMaxCheckpoints(cfg.MaxCheckpoints))
}

func openHistory(ctx context.Context) (*store.SQLiteStore, error) {
	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Debug("database ready", "path", dbPath)
	return st, nil
}

func newEngine(ctx context.Context, metricsAddr string) (*engine, error) {
	cps, err := openCheckpoints()
	if err != nil {
		return nil, err
	}
	hist, err := openHistory(ctx)
	if err != nil {
		return nil, err
	}

	prom := metrics.NewPrometheus("taskgraph", true)
	e := &engine{checkpoints: cps, history: hist}
	e.coord = scheduler.NewCoordinator(cfg.NewRegistry(logger), cps, cfg.SchedulerConfig(), logger,
		scheduler.WithReporter(scheduler.MultiReporter{
			scheduler.NewLogReporter(logger),
			store.NewRecorder(hist, logger),
		}),
		scheduler.WithSink(metrics.Multi{metrics.NewLogSink(logger), prom}),
	)

	if metricsAddr != "" {
		e.metricsSrv = &http.Server{Addr: metricsAddr, Handler: prom.Handler()}
		go func() {
			logger.Info("metrics listening", "addr", metricsAddr)
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	return e, nil
}

// shutdownTimeout bounds how long Close waits for metrics scrapes in flight.
var shutdownTimeout = 5 * time.Second

// Close stops the metrics server and closes the run history. Failures are
// logged and returned.
func (e *engine) Close() error {
	var errs []error
	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.metricsSrv.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		} else {
			logger.Debug("metrics server stopped")
		}
	}
	if err := e.history.Close(); err != nil {
		logger.Error("close run history", "error", err)
		errs = append(errs, fmt.Errorf("close run history: %w", err))
	}
	return errors.Join(errs...)
}

// signalContext is cancelled on SIGINT or SIGTERM. A cancelled run still
// writes its final checkpoint and report.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// finishRun prints the report and turns a FAILED run into an error.
func finishRun(cmd *cobra.Command, report *model.RunReport, err error) error {
	if report != nil {
		fmt.Fprint(cmd.OutOrStdout(), report.Summary())
	}
	if err != nil {
		return err
	}
	if report.Status == model.RunStatusFailed {
		return fmt.Errorf("run %s failed", report.RunID)
	}
	return nil
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow file",
		Long: `Run executes a YAML or JSON workflow. Steps whose dependencies are
satisfied run together in a batch; a checkpoint is written after each batch.
The command exits non-zero when the workflow is invalid or the run FAILED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd); err != nil {
				return err
			}
			wf, err := parser.New(logger).ParseFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			e, err := newEngine(ctx, flags.metricsAddr)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.coord.Run(ctx, wf)
			return finishRun(cmd, report, err)
		},
	}
	flags.register(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	var flags runFlags
	var checkpointID string

	cmd := &cobra.Command{
		Use:   "resume <workflow>",
		Short: "Resume a run from a checkpoint",
		Long: `Resume restores the run state saved in a checkpoint (the newest one by
default) and continues the workflow from the next batch. Steps that already
completed are not run again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd); err != nil {
				return err
			}
			wf, err := parser.New(logger).ParseFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			e, err := newEngine(ctx, flags.metricsAddr)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.coord.Resume(ctx, wf, checkpointID)
			return finishRun(cmd, report, err)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "latest", "Checkpoint id to resume from")
	return cmd
}
