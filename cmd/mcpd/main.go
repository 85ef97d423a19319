// Command mcpd runs the JSON-RPC-over-SSE server with the reference handler
// set mounted. Configuration comes from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joeshaw/envdecode"

	"github.com/MegaGrindStone/mcpd"
	"github.com/MegaGrindStone/mcpd/servers/prompts"
	"github.com/MegaGrindStone/mcpd/servers/resources"
	"github.com/MegaGrindStone/mcpd/servers/sampling"
	"github.com/MegaGrindStone/mcpd/servers/tools"
)

type config struct {
	Host              string        `env:"MCPD_HOST,default=127.0.0.1"`
	Port              int           `env:"MCPD_PORT,default=12000"`
	HeartbeatInterval time.Duration `env:"MCPD_HEARTBEAT_INTERVAL,default=30s"`
	ShutdownTimeout   time.Duration `env:"MCPD_SHUTDOWN_TIMEOUT,default=5s"`
	LogLevel          string        `env:"MCPD_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpd.NewServer(mcpd.Info{Name: "mcpd", Version: "1.0.0"},
		mcpd.WithLogger(logger),
		mcpd.WithHeartbeatInterval(cfg.HeartbeatInterval),
		mcpd.WithStreamNotifications(),
		mcpd.WithOnShutdown(stop),
	)

	prompts.NewServer(prompts.WithLogger(logger)).Register(srv.Router())
	resources.NewServer(resources.WithLogger(logger)).Register(srv.Router())
	sampling.NewServer(srv.StreamSupervisor(), sampling.WithLogger(logger)).Register(srv.Router())
	tools.NewServer(tools.WithLogger(logger)).Register(srv.Router())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", srv.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
