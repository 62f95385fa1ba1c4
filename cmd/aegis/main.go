package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"aegis/internal/agent"
	"aegis/internal/config"
	"aegis/internal/control"
	"aegis/internal/council"
	"aegis/internal/detector"
	"aegis/internal/engine"
	"aegis/internal/hardener"
	"aegis/internal/knowledge"
	"aegis/internal/memory"
	"aegis/internal/patterns"
	"aegis/internal/provider"
	"aegis/internal/proxy"
	"aegis/internal/storage"
	"aegis/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/aegis.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting aegis",
		"version", "0.1.0",
		"proxy_listen", cfg.Proxy.Listen,
		"control_listen", cfg.Control.Listen,
		"session_store", cfg.Session.Store,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry degrades gracefully when the collector is unreachable.
	tp, err := telemetry.NewProvider(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		tp = telemetry.NoopProvider()
	}

	// Upstream adapters double as council seats and proxy backends.
	adapters, err := provider.BuildAll(cfg.Providers)
	if err != nil {
		slog.Error("failed to build provider adapters", "error", err)
		os.Exit(1)
	}
	slog.Info("provider adapters ready", "count", len(adapters))

	// Audit persistence
	var sqliteStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		dataDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
		sqliteStore, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to initialize SQLite storage", "error", err)
			os.Exit(1)
		}
		slog.Info("SQLite storage enabled", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)
		go retentionLoop(ctx, sqliteStore, cfg.Storage.RetentionDays)
	}

	// Session memory
	var sessionStore memory.Store
	var redisSessions *memory.RedisStore
	switch cfg.Session.Store {
	case "redis":
		redisSessions, err = memory.NewRedisStore(memory.RedisConfig{
			Addr:      cfg.Session.Redis.Addr,
			Password:  cfg.Session.Redis.Password,
			DB:        cfg.Session.Redis.DB,
			KeyPrefix: cfg.Session.Redis.KeyPrefix,
		}, cfg.Session.TTL)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		sessionStore = redisSessions
		slog.Info("using Redis session store", "addr", cfg.Session.Redis.Addr)
	default:
		sessionStore = memory.NewMemoryStore()
		slog.Info("using in-memory session store")
	}
	sessions := memory.NewManager(sessionStore, cfg.Session.TTL, logger)
	go sessions.Run(ctx)

	// Knowledge store: Redis vector backend when an embedder is
	// available, file backend otherwise.
	knowledgeStore := buildKnowledgeStore(cfg, adapters)
	if knowledgeStore != nil {
		if n, err := knowledge.Seed(ctx, knowledgeStore); err != nil {
			slog.Warn("knowledge seeding failed", "error", err)
		} else if n > 0 {
			slog.Info("knowledge base seeded", "documents", n)
		}
	}

	// Pattern library, enriched with literal phrases from the catalog.
	lib := patterns.NewLibrary()
	seedLibrary(lib)

	cncl := council.New(adapters, council.Options{
		Timeout:          cfg.CouncilTimeout(),
		Parallel:         cfg.Council.Parallel,
		FallbackProvider: cfg.Council.FallbackProvider,
		BlockThreshold:   cfg.Risk.BlockThreshold,
		FlagThreshold:    cfg.Risk.FlagThreshold,
	}, logger)

	hard := hardener.New(cncl, lib, logger)
	det := detector.New(lib, knowledgeStore, logger)

	var recorder engine.Recorder
	var actionStore agent.ActionStore
	if sqliteStore != nil {
		recorder = sqliteStore
		actionStore = sqliteStore
	}

	eng := engine.New(det, cncl, hard, knowledgeStore, sessions, recorder, logger)
	agents := agent.New(cncl, actionStore, logger)
	hub := control.NewHub(logger)

	proxyHandler := proxy.New(cfg, eng, adapters, logger)
	proxyHandler.SetPublisher(hub)
	if sqliteStore != nil {
		proxyHandler.SetEvents(sqliteStore)
	}

	controlHandler := control.New(eng, sqliteStore, agents, sessions, hub, cfg.Control.Auth, logger)

	proxyServer := &http.Server{
		Addr:         cfg.Proxy.Listen,
		Handler:      proxyHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // council rounds can exceed any small bound
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:        cfg.Control.Listen,
			Handler:     controlHandler,
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 60 * time.Second,
		}
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("proxy server starting", "addr", cfg.Proxy.Listen)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()
	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if redisSessions != nil {
		if err := redisSessions.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}
	}
	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			slog.Error("SQLite close error", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("aegis stopped")
}

func setupLogging(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildKnowledgeStore picks the backend. The Redis vector index needs
// an embedder; the openai adapter provides one when configured.
func buildKnowledgeStore(cfg *config.Config, adapters map[string]provider.Adapter) knowledge.Store {
	if cfg.Knowledge.Backend == "redis" {
		if embedder, ok := adapters["openai"].(knowledge.Embedder); ok {
			store, err := knowledge.NewRedisStore(knowledge.RedisConfig{
				Addr:      cfg.Knowledge.Redis.Addr,
				Password:  cfg.Knowledge.Redis.Password,
				DB:        cfg.Knowledge.Redis.DB,
				KeyPrefix: cfg.Knowledge.Redis.KeyPrefix,
			}, embedder)
			if err == nil {
				slog.Info("using Redis knowledge store", "addr", cfg.Knowledge.Redis.Addr)
				return store
			}
			slog.Warn("Redis knowledge store unavailable, falling back to files", "error", err)
		} else {
			slog.Warn("no embedder available for vector search, falling back to files")
		}
	}

	store, err := knowledge.NewFileStore(cfg.Knowledge.Dir)
	if err != nil {
		slog.Warn("file knowledge store unavailable, retrieval disabled", "error", err)
		return nil
	}
	slog.Info("using file knowledge store", "dir", cfg.Knowledge.Dir)
	return store
}

// seedLibrary registers literal example phrases from the attack catalog
// under the closest pattern family.
func seedLibrary(lib *patterns.Library) {
	families := map[string]string{
		knowledge.CategoryPromptInjection:   patterns.FamilyRecursiveInstruction,
		knowledge.CategoryJailbreak:         patterns.FamilyJailbreakPersona,
		knowledge.CategoryAdversarialAttack: patterns.FamilyEncoding,
		knowledge.CategoryManipulation:      patterns.FamilySocialEngineering,
		knowledge.CategoryDeception:         patterns.FamilySocialEngineering,
		knowledge.CategoryPolicyBypass:      patterns.FamilyPolicyPuppetry,
		knowledge.CategoryModelExtraction:   patterns.FamilyPromptExtraction,
		knowledge.CategoryBackdoor:          patterns.FamilyBackdoor,
		knowledge.CategoryDataPoisoning:     patterns.FamilyContextPoisoning,
	}
	seeded := 0
	for _, entry := range knowledge.Catalog() {
		family, ok := families[entry.Category]
		if !ok {
			continue
		}
		for _, example := range entry.Examples {
			lib.SeedPhrase(family, example, 0.8)
			seeded++
		}
	}
	slog.Info("pattern library ready", "seeded_phrases", seeded)
}

// retentionLoop sweeps expired audit rows once a day.
func retentionLoop(ctx context.Context, store *storage.SQLiteStore, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.Cleanup(retentionDays)
			if err != nil {
				slog.Error("retention sweep failed", "error", err)
				continue
			}
			if events, err := store.CleanupEvents(retentionDays); err == nil {
				deleted += events
			}
			if deleted > 0 {
				slog.Info("retention sweep complete", "deleted_rows", deleted)
			}
		}
	}
}
