package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vlsync/internal/config"
	"vlsync/internal/infrastructure"
	"vlsync/internal/store"
	"vlsync/internal/sync"
	"vlsync/internal/updates"
	"vlsync/internal/vpp"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	listenAddr := flag.String("listen", ":9402", "metrics listen address")
	syncInterval := flag.Duration("sync-interval", time.Hour, "interval between full asset syncs")
	catalogInterval := flag.Duration("catalog-interval", 4*time.Hour, "interval between update catalog syncs")
	once := flag.Bool("once", false, "run one sync of everything and exit")
	flag.Parse()

	if err := run(*configPath, *listenAddr, *syncInterval, *catalogInterval, *once); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string, syncInterval, catalogInterval time.Duration, once bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Warn("Failed to load config, using defaults", "error", err)
		cfg = config.Default()
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Warn("Failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}
	defer infrastructure.CloseLogFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := sync.InitializeMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	cache := vpp.NewLocationCache(dataStore, cfg.API, logger)
	if vppMetrics, err := vpp.InitializeMetrics(providers.Meter); err != nil {
		logger.Warn("client metrics disabled", "error", err)
	} else {
		cache.SetMetrics(vppMetrics)
	}
	engine, err := sync.NewEngine(sync.EngineParams{
		Store:   dataStore,
		Clients: sync.NewLocationProvider(cache),
		Sink:    sync.NewLogSink(logger),
		Config:  cfg.Sync,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	catalogSyncer := updates.NewSyncer(dataStore, updates.NewHTTPFetcher(cfg.Updates), logger)
	if updateMetrics, err := updates.InitializeMetrics(providers.Meter); err != nil {
		logger.Warn("catalog metrics disabled", "error", err)
	} else {
		catalogSyncer.SetMetrics(updateMetrics)
	}

	if providers.PrometheusHTTP != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", providers.PrometheusHTTP)
		server := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
		logger.Info("metrics server listening", "addr", listenAddr)
	}

	logger.Info("daemon started",
		slog.String("database", cfg.Database.Driver),
		slog.Duration("sync_interval", syncInterval),
		slog.Duration("catalog_interval", catalogInterval))

	syncAll := func() {
		if err := catalogSyncer.Sync(ctx); err != nil {
			logger.Error("update catalog sync failed", "error", err)
		}
		syncLocations(ctx, dataStore, engine, logger)
	}

	syncAll()
	if once {
		return nil
	}

	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()
	catalogTicker := time.NewTicker(catalogInterval)
	defer catalogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping")
			return nil
		case <-syncTicker.C:
			syncLocations(ctx, dataStore, engine, logger)
		case <-catalogTicker.C:
			if err := catalogSyncer.Sync(ctx); err != nil {
				logger.Error("update catalog sync failed", "error", err)
			}
		}
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore(), nil
	case "postgres", "postgresql":
		return store.NewPGStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func syncLocations(ctx context.Context, dataStore store.Store, engine *sync.Engine, logger *slog.Logger) {
	tokens, err := dataStore.ServerTokens(ctx)
	if err != nil {
		logger.Error("could not list locations", "error", err)
		return
	}
	for _, token := range tokens {
		if ctx.Err() != nil {
			return
		}
		if err := engine.SyncAssets(ctx, token.InfoID); err != nil {
			logger.Error("asset sync failed",
				"location_id", token.InfoID,
				"location_name", token.LocationName,
				"error", err)
		}
	}
}
