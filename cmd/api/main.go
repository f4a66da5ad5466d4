package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wardkeep.org/internal/app"
	"wardkeep.org/internal/config"
	"wardkeep.org/internal/obs"
)

// Set via -ldflags at build time.
var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load("wardkeep-api", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Build{Version: version, Commit: commit})
	if err != nil {
		obs.Error("startup failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	if err := a.Close(context.Background()); err != nil {
		obs.Error("close failed", map[string]any{"error": err.Error()})
	}
	if runErr != nil {
		obs.Error("server stopped", map[string]any{"error": runErr.Error()})
		os.Exit(1)
	}
	obs.Info("stopped", nil)
}
