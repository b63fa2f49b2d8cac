package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/chunkserver"
	"github.com/YechenGu/curve/internal/config"
	"github.com/YechenGu/curve/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/chunkserver.example.yaml", "path to chunkserver config")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cs, err := chunkserver.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create chunkserver", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cs.Start(ctx); err != nil {
		cs.Stop()
		logger.Fatal("failed to start chunkserver", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.Stringer("signal", sig))

	cs.Stop()
}
