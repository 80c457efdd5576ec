package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"kraken-chat/go-backend/internal/app"
	"kraken-chat/go-backend/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	transport := flag.String("transport", "", "Transport backend override: go-waku | mock")
	metricsAddr := flag.String("metrics-addr", "", "Metrics/health listen address override")
	email := flag.String("email", "", "Synthetic email credential override (optional)")
	rawID := flag.String("raw-id", "", "Native identity credential override (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("kraken-chatd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromPath(*configPath, config.Overrides{
		DataDir:          *dataDir,
		TransportBackend: *transport,
		MetricsAddr:      *metricsAddr,
	})
	if err != nil {
		log.Fatalf("kraken-chatd failed to load config: %v", err)
	}

	logger := app.DefaultLogger(cfg.LogLevel)
	runtime := app.New(app.Options{Config: cfg, Logger: logger, Email: *email, RawID: *rawID})

	logger.Info("kraken-chatd starting", "version", version)
	if err := runtime.Run(ctx); err != nil {
		log.Fatalf("kraken-chatd failed: %v", err)
	}
	logger.Info("kraken-chatd stopped")
}
