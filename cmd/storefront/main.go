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

	"github.com/spf13/pflag"

	"github.com/nhalm/storekit"
	"github.com/nhalm/storekit/cache"
	"github.com/nhalm/storekit/internal/config"
	"github.com/nhalm/storekit/internal/storefront"
	"github.com/nhalm/storekit/internal/upstream"
	"github.com/nhalm/storekit/sanitize"
	"github.com/nhalm/storekit/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts config.Options
	pflag.StringVar(&opts.EnvFile, "env-file", "", "env file to load before the environment (default: ./.env if present)")
	pflag.StringVar(&opts.ListenAddr, "addr", "", "listen address, overrides LISTEN_ADDR")
	pflag.StringVar(&opts.RoutesFile, "routes", "", "YAML file of per-route rate limits, overrides RATE_LIMIT_ROUTES_FILE")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := newStore(cfg.Redis)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := upstream.New(upstream.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		APIKey:     cfg.Upstream.APIKey,
		ResellerID: cfg.Upstream.ResellerID,
		RPS:        cfg.Upstream.RPS,
		Burst:      cfg.Upstream.Burst,
		Timeout:    cfg.Upstream.Timeout,
	})
	if err != nil {
		return err
	}

	srv, err := storefront.New(storefront.Config{
		Upstream: client,
		Store:    st,
		Auth: storekit.AuthConfig{
			SecretKey:      cfg.Auth.SecretKey,
			AllowedOrigins: cfg.Auth.AllowedOrigins,
			RequireAuth:    cfg.Auth.RequireAuth,
		},
		RateLimit:    cfg.RateLimit,
		Cache:        cache.Config{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries},
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	var handler http.Handler = srv
	if cfg.Production() {
		handler = sanitize.New()(handler)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("storefront listening",
		"addr", cfg.ListenAddr,
		"env", cfg.Env,
		"require_auth", cfg.Auth.RequireAuth,
		"allowed_origins", len(cfg.Auth.AllowedOrigins),
		"rate_limit", fmt.Sprintf("%d/%s", cfg.RateLimit.Max, cfg.RateLimit.Window),
		"route_limits", len(cfg.RateLimit.Routes),
		"redis", cfg.Redis.URL != "",
		"cache_ttl", cfg.Cache.TTL,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("storefront stopped")
	return nil
}

// newStore returns the Redis store when REDIS_URL is set. The memory store
// only limits correctly with a single instance.
func newStore(cfg config.RedisConfig) (store.Store, error) {
	if cfg.URL == "" {
		slog.Warn("REDIS_URL not set, rate limits are per instance")
		return store.NewMemory(), nil
	}
	st, err := store.NewRedis(store.RedisConfig{
		URL:      cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
