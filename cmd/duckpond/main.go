// Command duckpond runs the conversational-agent backend: one long-lived
// agent session, memory recall on every turn, and a streaming HTTP edge.
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

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/becomeliminal/duckpond/config"
	"github.com/becomeliminal/duckpond/observability"
	"github.com/becomeliminal/duckpond/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "duckpond:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("duckpond", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("DUCKPOND_CONFIG"), "path to a YAML config file")
	addr := flags.String("addr", "", "HTTP listen address (overrides DUCKPOND_ADDR)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: text or json")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logger := observability.SetupLogging(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingOptions{
		ServiceName: "duckpond",
		Version:     version,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}

	app, err := build(cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(app.engine, app.sessions, app.transcripts, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("duckpond: listening", "addr", cfg.Server.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcHealth *server.GRPCHealth
	if cfg.Server.GRPCHealthAddr != "" {
		grpcHealth, err = server.ListenGRPCHealth(cfg.Server.GRPCHealthAddr, logger)
		if err != nil {
			errc <- err
		} else {
			go func() {
				if err := grpcHealth.Serve(); err != nil {
					errc <- fmt.Errorf("grpc health: %w", err)
				}
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("duckpond: shutting down")
	case runErr = <-errc:
		logger.Error("duckpond: server failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("duckpond: http shutdown", "err", err)
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	app.close(shutdownCtx, logger)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("duckpond: tracing shutdown", "err", err)
	}
	return runErr
}
