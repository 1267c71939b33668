// Package main is the entry point of the analytics query server. It loads
// configuration from the environment, wires the query core and serves the
// tenant-scoped HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"duck-analytics/internal/api"
	"duck-analytics/internal/app"
	"duck-analytics/internal/config"
	internaldb "duck-analytics/internal/db"
	"duck-analytics/internal/metrics"
	"duck-analytics/internal/middleware"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// writeDB: single connection for serialized status and table writes.
	// readDB: small pool for concurrent reads.
	writeDB, readDB, err := internaldb.OpenPair(cfg.MetaDBPath, 4)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer writeDB.Close()
	defer readDB.Close()
	if err := internaldb.Migrate(writeDB); err != nil {
		return fmt.Errorf("migrate metadata store: %w", err)
	}

	m := metrics.New()
	core, err := app.New(ctx, app.Deps{
		Cfg:     cfg,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("wire application: %w", err)
	}

	var validator middleware.TokenValidator
	if cfg.JWTSecret != "" {
		validator = middleware.NewSharedSecretValidator(cfg.JWTSecret)
	}
	router := newRouter(routerConfig{
		Handler:     api.NewHandler(core.Query, core.Tables, logger),
		Validator:   validator,
		RateLimiter: middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}),
		CORSOrigins: cfg.CORSAllowedOrigins,
		Metrics:     m,
		Ready:       func(ctx context.Context) error { return core.Engine.DB().PingContext(ctx) },
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Blocking queries hold the connection for up to SyncTimeout.
		WriteTimeout: cfg.SyncTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		tlsEnabled := cfg.TLSCertFile != ""
		logger.Info("query server listening", "addr", cfg.ListenAddr, "tls", tlsEnabled)
		logger.Info("try: " + exampleQueryCommand(cfg.ListenAddr, tlsEnabled))
		var err error
		if tlsEnabled {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = core.Close(context.Background())
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return core.Close(shutdownCtx)
}

// exampleQueryCommand returns a curl command that runs a trivial HogQL
// query against the server listening on listenAddr. Wildcard and empty hosts
// become localhost.
func exampleQueryCommand(listenAddr string, tls bool) string {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	return fmt.Sprintf(`curl -X POST %s://%s/api/environments/1/query -d '{"query":{"kind":"HogQLQuery","query":"select 1"}}'`,
		scheme, dialAddr(listenAddr))
}

func dialAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
