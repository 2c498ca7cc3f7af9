package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sqlcoord/internal/app"
	"github.com/SirClappington/sqlcoord/internal/config"
	"github.com/SirClappington/sqlcoord/internal/logging"
)

// The scheduler process dispatches due jobs and runs maintenance. Any number
// may run; job claims and the maintenance lock keep them from colliding.
func main() {
	cfg, cfgErr := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("start", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	g.Go(func() error { return a.RunMaintenance(gctx) })
	if err := g.Wait(); err != nil {
		logger.Error("scheduler exited", zap.Error(err))
		return
	}
	logger.Info("scheduler stopped")
}
