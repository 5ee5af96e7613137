// Command console is the Sentinel operator console daemon. It loads a YAML
// configuration file, opens the PostgreSQL backing store and the change-feed
// listener, starts an operator session against the backend relay, exposes
// the console HTTP API, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sentinel-hids/console/internal/api"
	"github.com/sentinel-hids/console/internal/changefeed"
	"github.com/sentinel-hids/console/internal/config"
	"github.com/sentinel-hids/console/internal/scope"
	"github.com/sentinel-hids/console/internal/session"
	"github.com/sentinel-hids/console/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/console.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("sentinel console starting",
		slog.String("operator_id", cfg.OperatorID),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL backing store ──────────────────────────────────────────
	db, err := store.New(ctx, cfg.DSN)
	if err != nil {
		logger.Error("failed to open backing store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("backing store connected")

	// ── Change feed ───────────────────────────────────────────────────────
	feed := changefeed.NewManager(logger)
	listener := changefeed.NewListener(db.Pool(), feed, logger, nil)

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := listener.Run(ctx); err != nil {
			logger.Error("change-feed listener stopped", slog.Any("error", err))
		}
	}()

	// ── Scope registry with persisted selection ───────────────────────────
	sel, err := scope.OpenSelectionStore(cfg.SelectionDBPath)
	if err != nil {
		logger.Error("failed to open selection store", slog.Any("error", err))
		os.Exit(1)
	}
	defer sel.Close()

	scopes := scope.NewRegistry(cfg.OperatorID, sel, logger)

	// ── Operator session ──────────────────────────────────────────────────
	sess := session.New(session.Options{
		OperatorID:     cfg.OperatorID,
		RelayURL:       cfg.RelayURL,
		CommandTimeout: cfg.CommandTimeout.Std(),
		LogBufferSize:  cfg.LogBufferSize,
	}, db, feed, scopes, logger)

	if err := sess.Open(ctx); err != nil {
		logger.Error("failed to open session", slog.Any("error", err))
		os.Exit(1)
	}
	defer sess.Close()

	// ── HTTP API server ───────────────────────────────────────────────────
	var secret []byte
	if cfg.JWTSecretPath != "" {
		raw, err := os.ReadFile(cfg.JWTSecretPath)
		if err != nil {
			logger.Error("failed to read JWT secret", slog.Any("error", err))
			os.Exit(1)
		}
		secret = []byte(strings.TrimSpace(string(raw)))
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("jwt_secret_path not configured; API authentication disabled (dev mode)")
	}

	srv := api.NewServer(sess, cfg.AlertCategories, cfg.NetworkCategories, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(srv, secret),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel() // stops the change-feed listener

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	select {
	case <-listenerDone:
	case <-shutdownCtx.Done():
		logger.Warn("change-feed listener drain timed out")
	}

	logger.Info("sentinel console exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
