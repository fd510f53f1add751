// Command phe-query runs the token-gated query service. It keeps the
// plaintext dataset and an encrypted billing column, and reaches the
// decryption authority over HTTP for every decrypt.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/phe"
	"github.com/luxfi/phe/internal/authority"
	"github.com/luxfi/phe/internal/dataset"
	"github.com/luxfi/phe/internal/engine"
	"github.com/luxfi/phe/internal/storage"
	"github.com/luxfi/phe/internal/token"
	"github.com/luxfi/phe/membership"
	"github.com/luxfi/phe/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr          = flag.String("addr", ":"+envOr("PORT", "5000"), "HTTP API address")
		authorityURL  = flag.String("authority", envOr("AUTHORITY_URL", "http://localhost:5001"), "decryption authority base URL")
		redisHost     = flag.String("redis-host", envOr("REDIS_HOST", "localhost"), "Redis host")
		redisPort     = flag.String("redis-port", envOr("REDIS_PORT", "6379"), "Redis port")
		redisPassword = flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
		redisDB       = flag.Int("redis-db", 0, "Redis database number")
		datasetPath   = flag.String("dataset", "", "CSV dataset to load; empty loads the persisted copy")
		storageKind   = flag.String("storage", "file", "persistence backend (file, memory, redis)")
		storagePath   = flag.String("storage-path", "./data", "directory for the file backend")
		levels        = flag.Int("levels", 1, "membership filter levels")
		hashFamily    = flag.String("hash", "sha224", "membership hash family (sha224, blake2b)")
		workers       = flag.Int("workers", 0, "parallel encryption workers; 0 uses every CPU")
		logLevel      = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authority.
	client := authority.NewClient(*authorityURL, nil)
	pk, err := fetchPublicKey(ctx, client, logger)
	if err != nil {
		return err
	}
	logger.Info("authority key loaded", "key_id", pk.ID(), "authority", client.BaseURL())

	// Tokens.
	tokens, err := token.NewManager(token.RedisConfig{
		Addr:     net.JoinHostPort(*redisHost, *redisPort),
		Password: *redisPassword,
		DB:       *redisDB,
	})
	if err != nil {
		return fmt.Errorf("connect token store: %w", err)
	}
	defer tokens.Close()

	// Storage.
	var store storage.Storage
	switch *storageKind {
	case "file":
		store, err = storage.NewFileStorage(*storagePath)
	case "memory":
		store = storage.NewMemoryStorage(256)
	case "redis":
		store = storage.NewRedisStorageFromClient(tokens.Client())
	default:
		err = fmt.Errorf("unknown storage backend %q", *storageKind)
	}
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer store.Close()

	// Engine.
	family, err := membership.ParseHashFamily(*hashFamily)
	if err != nil {
		return err
	}
	cfg := engine.DefaultConfig()
	cfg.Levels = *levels
	cfg.Filter.Family = family
	if *workers > 0 {
		cfg.Workers = *workers
	}
	eng, err := engine.New(cfg, phe.NewPublicContext(pk), client, store, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	rows, err := loadRows(ctx, *datasetPath, store)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := eng.Bootstrap(ctx, rows); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.Info("dataset ready", "rows", len(rows), "took", time.Since(start))

	// HTTP API.
	scfg := server.DefaultConfig(*addr)
	q, err := server.NewQuery(scfg, eng, client, tokens, logger)
	if err != nil {
		return err
	}
	httpServer := server.NewHTTPServer(scfg, q.Handler())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("query service listening", "addr", scfg.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// fetchPublicKey waits for the authority to come up.
func fetchPublicKey(ctx context.Context, client *authority.Client, logger *slog.Logger) (*phe.PublicKey, error) {
	const attempts = 10
	delay := 500 * time.Millisecond
	var lastErr error
	for i := 1; i <= attempts; i++ {
		pk, err := client.PublicKey(ctx)
		if err == nil {
			return pk, nil
		}
		lastErr = err
		logger.Warn("authority not ready", "attempt", i, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
	return nil, fmt.Errorf("fetch public key after %d attempts: %w", attempts, lastErr)
}

// loadRows reads the dataset from path, or from the persisted copy when
// path is empty. A missing persisted copy starts an empty table.
func loadRows(ctx context.Context, path string, store storage.Storage) ([]dataset.Row, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open dataset: %w", err)
		}
		defer f.Close()
		rows, _, err := dataset.ReadCSV(f)
		if err != nil {
			return nil, fmt.Errorf("read dataset %s: %w", path, err)
		}
		return rows, nil
	}

	data, err := store.Get(ctx, storage.DatasetCSV)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load persisted dataset: %w", err)
	}
	rows, _, err := dataset.ReadCSV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read persisted dataset: %w", err)
	}
	return rows, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
