// Command phe-authority runs the decryption authority. It generates the key
// pair at startup and is the only process that ever holds the secret key.
//
//	phe-authority -addr :5001 -security 112
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

	"github.com/luxfi/phe"
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
		addr     = flag.String("addr", ":"+envOr("PORT", "5001"), "HTTP server address")
		level    = flag.Int("security", int(phe.Security112), "security level in bits (112, 128, 192)")
		keyBits  = flag.Int("key-bits", 0, "override the modulus size")
		scale    = flag.Int64("scale", phe.DefaultParameters.Scale, "fixed-point scale for amounts")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	params, err := phe.ParametersForLevel(phe.SecurityLevel(*level))
	if err != nil {
		return err
	}
	if *keyBits > 0 {
		params.KeyBits = *keyBits
	}
	params.Scale = *scale

	logger.Info("generating key pair", "key_bits", params.KeyBits, "shares", params.Shares, "threshold", params.Threshold)
	start := time.Now()
	cc, err := phe.NewCryptoContext(params)
	if err != nil {
		return fmt.Errorf("generate keys: %w", err)
	}
	logger.Info("key pair ready", "key_id", cc.PublicKey().ID(), "took", time.Since(start))

	cfg := server.DefaultConfig(*addr)
	auth, err := server.NewAuthority(cfg, cc, logger)
	if err != nil {
		return err
	}
	httpServer := server.NewHTTPServer(cfg, auth.Handler())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authority listening", "addr", cfg.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	logger.Info("authority stopped")
	return nil
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
