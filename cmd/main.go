package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/config"
	"github.com/murachue/nosteen-sub000/internal/logger"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"     // Set via -X main.version=...
	commit  = "unknown" // Set via -X main.commit=...
	date    = "unknown" // Set via -X main.date=...
)

func main() {
	config.SetVersion(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received termination signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	code := Execute(ctx)
	_ = logger.Shutdown()
	os.Exit(code)
}
