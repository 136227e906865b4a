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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/me/stagerun/internal/cluster"
	"github.com/me/stagerun/internal/config"
	"github.com/me/stagerun/internal/executor"
	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/observability"
	"github.com/me/stagerun/internal/pipeline"
	"github.com/me/stagerun/internal/sink"
	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/pkg/model"
)

func newRunCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run every pending job of a pipeline",
		Long: `Expands the pipeline into jobs, skips the ones whose done-flag already
exists, and runs the rest on the configured executor. A timing summary is
printed when the run ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cmd, args[0], quiet)
		},
	}

	cmd.Flags().String("executor", "", "Executor to use (sequential, pooled, batch); overrides the config file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the timing summary")

	return cmd
}

func runPipeline(ctx context.Context, cmd *cobra.Command, path string, quiet bool) (err error) {
	p, err := pipeline.Load(path)
	if err != nil {
		return err
	}
	flags := graph.OSFlags{}
	g, err := p.Build(flags)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	runLogger := logger.With("run_id", runID)

	timings, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeSink()) }()

	metrics := observability.NewMetrics()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			runLogger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				runLogger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	reg := newRegistry(cfg)
	defer reg.Close()

	exec, err := reg.Get(cfg.Executor)
	if err != nil {
		return err
	}

	runLogger.Info("starting run", "pipeline", path, "executor", exec.Type(), "jobs", g.Len())
	runErr := exec.Run(ctx, &executor.Env{
		RunID:   runID,
		Logger:  logger,
		Flags:   flags,
		Sink:    timings,
		Metrics: metrics,
	}, g)

	if !quiet {
		records, err := listTimings(context.WithoutCancel(ctx), timings, runID)
		if err != nil {
			runLogger.Warn("read timings failed", "error", err)
		}
		sink.PrintSummary(cmd.OutOrStdout(), runID, records)
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w", runID, runErr)
	}
	runLogger.Info("run complete", "completed", g.DoneCount())
	return nil
}

// openSink returns the SQLite sink when a database is configured and an
// in-memory one otherwise.
func openSink(ctx context.Context, c config.Config) (sink.Sink, func() error, error) {
	if c.DBPath == "" {
		return &sink.Memory{}, func() error { return nil }, nil
	}
	s, err := sink.NewSQLiteSink(c.DBPath, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("migrate timing database: %w", err)
	}
	return s, s.Close, nil
}

func listTimings(ctx context.Context, s sink.Sink, runID string) ([]model.Timing, error) {
	switch s := s.(type) {
	case *sink.SQLiteSink:
		return s.List(ctx, runID)
	case *sink.Memory:
		return s.Records(), nil
	}
	return nil, nil
}

// newRegistry registers a factory for every executor. Only the one a run asks
// for is built, so an unused pool or cluster client never starts.
func newRegistry(c config.Config) *executor.Registry {
	reg := executor.NewRegistry(logger)
	cmdWork := work.NewCommand(c.LogDir, logger)

	reg.Register(model.ExecutorTypeSequential, func() (executor.Executor, func(), error) {
		return executor.NewSequential(cmdWork, logger), nil, nil
	})

	reg.Register(model.ExecutorTypePooled, func() (executor.Executor, func(), error) {
		pooled, err := executor.NewPooled(executor.PoolConfig{
			Workers:      c.Pool.PoolWorkers(),
			PollInterval: c.Pool.PollInterval,
			Strict:       c.Pool.Strict,
			MaxRetry:     c.Pool.MaxRetry,
			RetryInitial: c.Pool.RetryInitial,
			RetryMax:     c.Pool.RetryMax,
		}, cmdWork, logger)
		if err != nil {
			return nil, nil, err
		}
		return pooled, pooled.Close, nil
	})

	reg.Register(model.ExecutorTypeBatch, func() (executor.Executor, func(), error) {
		var (
			sched   cluster.Scheduler
			release func()
		)
		if c.Batch.Local {
			local := cluster.NewLocal(cmdWork, cluster.ProcessProbe{}, nil, logger)
			sched, release = local, local.Close
		} else {
			caller := cluster.NewHTTPRPCCaller(cluster.ClientConfig{
				Endpoint: c.Batch.Endpoint,
				Token:    c.Batch.Token,
				Timeout:  c.Batch.RequestTimeout,
			}, logger)
			sched = cluster.NewRPCClient(caller, logger)
		}
		batch, err := executor.NewBatch(executor.BatchConfig{
			Budget:             c.Batch.Budget,
			PollInterval:       c.Batch.PollInterval,
			PendingTimeout:     c.Batch.PendingTimeout,
			InactiveTimeout:    c.Batch.InactiveTimeout,
			InactiveCPUPercent: c.Batch.InactiveCPUPercent,
			InactiveSamples:    c.Batch.InactiveSamples,
			MaxRetry:           c.Batch.MaxRetry,
			RetryInitial:       c.Batch.RetryInitial,
			RetryMax:           c.Batch.RetryMax,
			PurgeWorkDir:       c.Batch.PurgeWorkDir,
		}, sched, logger)
		if err != nil {
			if release != nil {
				release()
			}
			return nil, nil, err
		}
		return batch, release, nil
	})

	return reg
}
