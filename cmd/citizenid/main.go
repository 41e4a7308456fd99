package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencivic/citizenid/internal/config"
	"github.com/opencivic/citizenid/internal/platform/privacylog"
	"github.com/opencivic/citizenid/internal/server"
	"github.com/opencivic/citizenid/internal/storage"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen-addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dbPath := flag.String("db-path", "", "SQLite credential store path; empty keeps credentials in memory")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	flag.Parse()
	if *showVersion {
		fmt.Printf("citizenid version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := newLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		logger.Error("citizenid failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if len(cfg.ChallengeSecret) == 0 {
		// Startup proceeds so the operator sees the 500s and the log, but
		// no challenge will ever be issued unsigned.
		logger.Warn("no challenge signing secret configured; auth endpoints will refuse to issue challenges")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("citizenid failed to open credential store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	handler := server.New(cfg, store, logger, nil)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("citizenid starting",
			"addr", cfg.ListenAddr,
			"relying_party", cfg.RelyingPartyID,
			"durable_store", cfg.DatabasePath != "",
			"version", version,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("citizenid shutdown", "error", err)
		}
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("citizenid failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("citizenid stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(base))
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.DatabasePath == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenSQLite(ctx, cfg.DatabasePath)
}
