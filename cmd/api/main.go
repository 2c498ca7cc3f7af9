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
	"github.com/SirClappington/sqlcoord/internal/httpapi"
	"github.com/SirClappington/sqlcoord/internal/logging"
)

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
	g.Go(func() error { return httpapi.New(a).ListenAndServe(gctx, cfg.APIAddr) })
	g.Go(func() error { return a.Cache.Run(gctx) })
	if err := g.Wait(); err != nil {
		logger.Error("api exited", zap.Error(err))
		return
	}
	logger.Info("api stopped")
}
