package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courseforge/internal/artifact"
	"courseforge/internal/config"
	"courseforge/internal/logging"
	"courseforge/internal/pipeline"
	"courseforge/internal/queue"
	"courseforge/internal/stages"
	"courseforge/internal/store"
	"courseforge/internal/telemetry"
	"courseforge/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	q := queue.New(cfg)

	artifacts, err := artifact.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init artifact store", zap.Error(err))
	}

	pipe, err := pipeline.New(st, artifacts, logger, stages.Build(cfg, artifacts, logger)...)
	if err != nil {
		logger.Fatal("build pipeline", zap.Error(err))
	}

	pool := worker.New(cfg, q, st, pipe, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker pool starting",
			zap.Int("workers", cfg.WorkerCount),
			zap.Duration("visibility", cfg.VisibilityTimeout),
			zap.Strings("stages", pipe.StageNames()))
		return pool.Run(gctx)
	})
	g.Go(func() error {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
		go func() {
			<-gctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
