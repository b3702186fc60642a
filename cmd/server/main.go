// Package main runs the MarkDrop HTTP API together with the job manager.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dharsanguruparan/markdrop/internal/api"
	"github.com/dharsanguruparan/markdrop/internal/app"
	"github.com/dharsanguruparan/markdrop/internal/config"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/signing"
)

func main() {
	cfg, err := config.Load(os.Getenv("MARKDROP_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{ServiceName: "markdrop-server"})
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	if err := a.Manager.Start(ctx); err != nil {
		logger.CtxError(ctx, "start job manager: %v", err)
		os.Exit(1)
	}

	mode := os.Getenv("GIN_MODE")
	var opts []api.Option
	if a.Artifacts != nil {
		opts = append(opts, api.WithPresigner(a.Artifacts))
	}
	if a.History != nil {
		opts = append(opts, api.WithHistory(a.History))
	}
	srv := api.New(cfg.API, a.Manager, signing.NewSigner(cfg.SigningKey()), mode, opts...)
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Manager.Shutdown(shutdownCtx); err != nil {
		logger.CtxWarn(ctx, "job manager shutdown: %v", err)
	}
	if runErr != nil {
		logger.CtxError(ctx, "server stopped: %v", runErr)
		a.Close()
		os.Exit(1)
	}
	logger.CtxInfo(ctx, "server exited")
}
