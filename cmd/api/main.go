package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portfolio-api/app"
	"portfolio-api/internal/observability"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so every deferred cleanup has executed
// before main exits.
func run() int {
	logger := observability.NewLogger()

	runtime, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		logger.Error("bootstrap_failed", map[string]any{"error": err.Error()})
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeperDone := runtime.Sweeper.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", runtime.Config.Port),
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	exitCode := serve(ctx, stop, logger, server, 15*time.Second)

	<-sweeperDone

	if err := runtime.Close(); err != nil {
		logger.Error("close_failed", map[string]any{"error": err.Error()})
		exitCode = 1
	}

	return exitCode
}

// serve runs the server until ctx is cancelled or the listener fails, then
// shuts it down. A listener failure also calls stop so background work ends.
func serve(ctx context.Context, stop context.CancelFunc, logger *observability.Logger, server *http.Server, shutdownTimeout time.Duration) int {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	exitCode := 0
	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server_failed", map[string]any{"error": err.Error()})
			exitCode = 1
		}
		stop()
	case <-ctx.Done():
		logger.Info("server_shutdown", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
		exitCode = 1
	}

	return exitCode
}
