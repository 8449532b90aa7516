package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/api"
	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/config"
	"github.com/ChuLiYu/eegflow/internal/jobstore"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/server"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal/memsignal"
	"github.com/ChuLiYu/eegflow/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the eegflow HTTP and gRPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

// stack is the in-process service graph shared by serve and batch.
type stack struct {
	registry *prometheus.Registry
	metrics  *metrics.Collector
	sessions *session.Service
	pool     *worker.Pool
	batch    *batch.Orchestrator
	analysis *analysis.Engine
}

func newStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)
	backend := memsignal.New()

	sessions := session.NewService(session.NewRegistry(session.Options{
		Timeout:       cfg.Session.Timeout,
		SweepInterval: cfg.Session.SweepInterval,
		UndoDepth:     cfg.Session.UndoDepth,
		Logger:        logger,
		Metrics:       m,
	}), backend, m, logger)

	pool := worker.NewPool(cfg.Jobs.QueueSize, logger)
	if err := pool.Start(cfg.Jobs.MaxConcurrent); err != nil {
		sessions.Registry().Close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	return &stack{
		registry: reg,
		metrics:  m,
		sessions: sessions,
		pool:     pool,
		batch: batch.New(batch.Options{
			Sessions: sessions, Pool: pool, Metrics: m, Logger: logger,
		}),
		analysis: analysis.New(analysis.Options{
			Sessions: sessions, TF: backend, Pool: pool, Metrics: m, Logger: logger,
			BatchSize: cfg.Analysis.BatchSize,
		}),
	}, nil
}

// close stops the pool first so running units observe cancellation, then
// releases every session.
func (s *stack) close() {
	s.pool.Stop()
	s.sessions.Registry().Close()
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var store *jobstore.Store
	if cfg.JobStore.Path != "" {
		store = jobstore.New(cfg.JobStore.Path, cfg.JobStore.Backups)
		restoreJobs(store, st.batch, logger)
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		gatherer = st.registry
	}
	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Sessions: st.sessions,
			Batch:    st.batch,
			Analysis: st.analysis,
			Gatherer: gatherer,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, st.registry)
	}

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		grpcSrv = server.NewGRPCServer(server.NewServer(st.batch, st.analysis, logger))
	}

	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	persistDone := make(chan error, 1)
	if store != nil {
		go func() {
			persistDone <- store.Persist(persistCtx, cfg.JobStore.Interval, st.batch.Records, logger)
		}()
	} else {
		persistDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("Metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if grpcSrv != nil {
		g.Go(func() error {
			logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		cleanupLoop(gctx, cfg.Jobs.CleanupInterval, cfg.Jobs.Retention, st, logger)
		return nil
	})
	g.Go(func() error {
		drainResults(gctx, st.pool, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		st.pool.Stop()
		shutdownServers(logger, httpSrv, metricsSrv, grpcSrv)
		return nil
	})

	err = g.Wait()
	stopPersist()
	if perr := <-persistDone; err == nil {
		err = perr
	}
	logger.Info("Server stopped")
	return err
}

// restoreJobs loads the last batch snapshot. A corrupted or incompatible
// file is logged and ignored.
func restoreJobs(store *jobstore.Store, orch *batch.Orchestrator, logger *slog.Logger) {
	data, err := store.Load()
	if err != nil {
		logger.Warn("Job snapshot ignored", "path", store.Path(), "error", err)
		return
	}
	if n := orch.Restore(data.Batch); n > 0 {
		logger.Info("Job snapshot loaded", "path", store.Path(), "jobs", n, "saved_at", data.SavedAt)
	}
}

func cleanupLoop(ctx context.Context, interval, retention time.Duration, st *stack, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b := st.batch.Cleanup(retention)
			a := st.analysis.Cleanup(retention)
			if b+a > 0 {
				logger.Info("Expired jobs removed", "batch", b, "analysis", a)
			}
		}
	}
}

// drainResults keeps the pool's result channel empty.
func drainResults(ctx context.Context, pool *worker.Pool, logger *slog.Logger) {
	for {
		res, err := pool.ReceiveResult(ctx)
		if err != nil {
			return
		}
		if !res.Success {
			logger.Warn("Job unit failed", "jobID", res.JobID, "error", res.Error, "duration", res.Duration)
		}
	}
}

func shutdownServers(logger *slog.Logger, httpSrv, metricsSrv *http.Server, grpcSrv *grpc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range []*http.Server{httpSrv, metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("HTTP shutdown forced", "addr", srv.Addr, "error", err)
			srv.Close()
		}
	}

	if grpcSrv == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn("gRPC shutdown forced")
		grpcSrv.Stop()
	}
}
