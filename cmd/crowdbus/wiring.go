package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"crowdbus/internal/config"
	"crowdbus/internal/db"
	"crowdbus/internal/metrics"
	"crowdbus/internal/routes"
	"crowdbus/internal/store"
)

// loadRoutes reads ROUTES_FILE when set, else the database.
func loadRoutes(ctx context.Context, cfg *config.Config) (*routes.Table, error) {
	if cfg.RoutesFile != "" {
		t, err := routes.LoadFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.RoutesFile).Int("routes", t.Len()).Msg("routes loaded")
		return t, nil
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("no route source: set ROUTES_FILE or DATABASE_URL/PGDATABASE")
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return nil, fmt.Errorf("db ping %s: %w", db.Redact(cfg.DatabaseURL), err)
	}
	rs, err := db.FetchRoutes(ctx, sqlDB)
	if err != nil {
		return nil, fmt.Errorf("fetch routes: %w", err)
	}
	t, err := routes.New(rs)
	if err != nil {
		return nil, err
	}
	log.Info().Str("db", db.Redact(cfg.DatabaseURL)).Int("routes", t.Len()).Msg("routes loaded")
	return t, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.RedisStore, error) {
	return store.NewRedis(ctx, store.RedisOptions{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		KeyPrefix:     cfg.RedisPrefix,
		CheckInterval: cfg.ConnectivityCheck,
	})
}

// startMetrics serves /metrics until ctx is cancelled. It returns nil when
// METRICS_ADDR is empty.
func startMetrics(ctx context.Context, cfg *config.Config) *metrics.Collector {
	if cfg.MetricsAddr == "" {
		return nil
	}
	mcol := metrics.NewCollector(cfg.StaleWindow, cfg.ScheduleTick, cfg.StatusRefresh)
	srv := mcol.Serve(cfg.MetricsAddr)
	go func() {
		<-ctx.Done()
		// Shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return mcol
}
