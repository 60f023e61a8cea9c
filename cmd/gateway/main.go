// Command gateway runs the RetailEdge API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/retailedge/gateway/internal/config"
	"github.com/retailedge/gateway/internal/gateway"
	"github.com/retailedge/gateway/internal/observability"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Log.Level,
		Format: cfg.Observability.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gateway", observability.String("version", version))

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble gateway: %w", err)
	}

	watcher, err := config.NewWatcher(configPath,
		func(next *config.Config) {
			if err := gw.Reload(next); err != nil {
				logger.Error("configuration reload rejected", observability.Error(err))
			}
		},
		func(err error) {
			logger.Error("configuration reload failed", observability.Error(err))
		},
	)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gw.Run(ctx)
}
