// Package main is the entrypoint for the linwin control-plane server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/api"
	"github.com/linwinbackup/linwin/internal/config"
	"github.com/linwinbackup/linwin/internal/crypto"
	"github.com/linwinbackup/linwin/internal/registry"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()

	cfg := config.LoadServerConfig()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("environment", string(cfg.Environment)).
		Msg("starting linwin server")

	keys, err := crypto.LoadOrCreateKeyPair(cfg.KeyDir)
	if err != nil {
		logger.Error().Err(err).Str("key_dir", cfg.KeyDir).Msg("failed to load server keypair")
		return 1
	}

	var store registry.Store
	switch cfg.Registry {
	case config.RegistryMemory:
		store = registry.NewMemoryStore()
		logger.Warn().Msg("using in-memory registry, clients are forgotten on restart")
	default:
		store, err = registry.NewSQLiteStore(cfg.DataDir, logger)
		if err != nil {
			logger.Error().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to open registry database")
			return 1
		}
	}
	defer store.Close()

	router, err := api.NewRouter(api.Config{
		RateLimit: cfg.RateLimit,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}, store, keys, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
		return 1
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return 1
	}

	logger.Info().Msg("server stopped gracefully")
	return 0
}
