package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/metrics"
	"autonomous-trader/internal/trace"
)

func main() {
	if err := initializeSystem(); err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer trace.Shutdown(context.Background())

	cfg, err := loadConfig(ctx)
	if err != nil {
		os.Exit(1)
	}
	compressOldLogs(ctx)

	app, err := bootstrap(ctx, cfg)
	if err != nil {
		logger.ErrorWithErr(ctx, "Bootstrap failed", err)
		os.Exit(1)
	}
	defer app.Close(ctx)

	if cfg.Metrics.Listen != "" {
		go metrics.Serve(ctx, cfg.Metrics.Listen)
	}

	// SIGINT/SIGTERM drain the loop; SIGUSR1 clears an operator halt.
	stopc := make(chan os.Signal, 1)
	signal.Notify(stopc, syscall.SIGINT, syscall.SIGTERM)
	resumec := make(chan os.Signal, 1)
	signal.Notify(resumec, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-stopc:
				logger.Info(ctx, "Shutdown signal received, draining")
				cancel()
				return
			case <-resumec:
				logger.Info(ctx, "Resume signal received")
				app.Controller.ResumeFromHalt()
			}
		}
	}()

	if err := app.Controller.Run(ctx); err != nil && err != context.Canceled {
		logger.ErrorWithErr(ctx, "Loop exited with error", err)
	}
}
