package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/persona-relay/backend/internal/config"
	"github.com/zhouzirui/persona-relay/backend/internal/handler"
	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/middleware"
	"github.com/zhouzirui/persona-relay/backend/internal/service/assembler"
	"github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/service/executor"
	"github.com/zhouzirui/persona-relay/backend/internal/service/handoff"
	"github.com/zhouzirui/persona-relay/backend/internal/service/memory"
	"github.com/zhouzirui/persona-relay/backend/internal/service/orchestrator"
	"github.com/zhouzirui/persona-relay/backend/internal/service/persona"
	"github.com/zhouzirui/persona-relay/backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("persona relay stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Persona registry
	source, closeSource, err := newPersonaSource(cfg.Persona)
	if err != nil {
		return err
	}
	defer closeSource.Close()

	registry := persona.NewRegistry(source, persona.Options{
		DefaultID:    cfg.Persona.DefaultID,
		DefaultModel: cfg.AI.Model,
		Logger:       logger,
	})
	// 加载失败不阻止启动，/healthz 与每个轮次都会报告 service_unavailable
	if err := registry.Load(ctx); err != nil {
		logger.Error("persona registry load failed", zap.Error(err))
	}
	if cfg.Persona.Source == "file" && cfg.Persona.Watch {
		watcher := persona.NewWatcher(registry, cfg.Persona.File, 0, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("persona file watch disabled", zap.String("path", cfg.Persona.File), zap.Error(err))
		}
	}
	go reloadOnHangup(ctx, registry, logger)

	// Session state
	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// Long-term memory
	provider, closeMemory, err := memory.New(memory.Config{
		Backend:     cfg.Memory.Backend,
		Mode:        cfg.Memory.Mode,
		IndexPath:   cfg.Memory.IndexPath,
		SearchLimit: cfg.Memory.SearchLimit,
		GraphURL:    cfg.Memory.GraphURL,
		GraphAPIKey: cfg.Memory.GraphAPIKey,
		CacheSize:   cfg.Memory.CacheSize,
		CacheTTL:    cfg.Memory.CacheTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("init memory: %w", err)
	}
	defer closeMemory.Close()

	policy, err := memory.ParseDropPolicy(cfg.Memory.DropPolicy)
	if err != nil {
		return err
	}
	writer := memory.NewWriter(provider, memory.WriterOptions{
		QueueSize: cfg.Memory.QueueSize,
		Workers:   cfg.Memory.Workers,
		Timeout:   cfg.Memory.WriteTimeout,
		Policy:    policy,
		Logger:    logger,
		Metrics:   metrics,
	})

	// Inference
	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return fmt.Errorf("init chat model: %w", err)
	}
	exec := executor.New(chatModel, executor.Options{
		StartTimeout: cfg.Stream.StartTimeout,
		IdleTimeout:  cfg.Stream.IdleTimeout,
		Logger:       logger,
		Tracer:       tel.Tracer,
	})

	var classifier handoff.Classifier
	if cfg.Handoff.Fallback {
		modelID := cfg.Handoff.ClassifierModel
		if modelID == "" {
			modelID = cfg.AI.Model
		}
		chain, err := handoff.NewChainClassifier(ctx, chatModel, handoff.ClassifierOptions{
			ModelID:   modelID,
			MaxTokens: cfg.Handoff.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("init handoff classifier: %w", err)
		}
		classifier = chain
	}
	resolver := handoff.NewResolver(registry, classifier, handoff.Options{
		Fallback: cfg.Handoff.Fallback,
		Timeout:  cfg.Handoff.Timeout,
		Logger:   logger,
		Tracer:   tel.Tracer,
	})

	contextAssembler := assembler.New(provider, store, registry, assembler.Options{
		MaxContextTokens:    cfg.Context.MaxTokens,
		ReservedForResponse: cfg.Context.ReservedTokens,
		HistoryWindow:       cfg.Context.HistoryWindow,
		SearchTimeout:       cfg.Memory.SearchTimeout,
		IncludeRoster:       cfg.Context.IncludeRoster,
		Logger:              logger,
		Tracer:              tel.Tracer,
	})

	var maxTokens int
	if cfg.AI.MaxTokens != nil {
		maxTokens = *cfg.AI.MaxTokens
	}
	turns := orchestrator.New(orchestrator.Deps{
		Registry:  registry,
		Store:     store,
		Assembler: contextAssembler,
		Executor:  exec,
		Resolver:  resolver,
		Memory:    writer,
	}, orchestrator.Options{
		MaxTokens: maxTokens,
		Logger:    logger,
		Tracer:    tel.Tracer,
		Metrics:   metrics,
	})

	router := handler.NewRouter(handler.Deps{
		Registry: registry,
		Store:    store,
		Runner:   turns,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           otelhttp.NewHandler(router, "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("persona relay listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("persona_source", cfg.Persona.Source),
		zap.String("memory_backend", cfg.Memory.Backend),
		zap.String("store", cfg.Store.Driver))
	serveErr := runServer(ctx, srv, cfg.Server.ShutdownTimeout)

	// 先停止接收轮次，再排空记忆写队列
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := writer.Close(drainCtx); err != nil {
		logger.Warn("memory writer drain incomplete", zap.Error(err))
	}
	stats := writer.Stats()
	logger.Info("memory writer stopped",
		zap.Int64("written", stats.Written),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dropped", stats.Dropped))
	if err := tel.Shutdown(drainCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return serveErr
}

func newPersonaSource(cfg config.PersonaConfig) (persona.Source, io.Closer, error) {
	switch cfg.Source {
	case "file":
		return persona.FileSource{Path: cfg.File}, io.NopCloser(nil), nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open persona database: %w", err)
		}
		return persona.SQLSource{DB: db}, db, nil
	default:
		return persona.SeedSource{}, io.NopCloser(nil), nil
	}
}

func newStore(ctx context.Context, cfg config.StoreConfig) (chat.Store, error) {
	if cfg.Driver == "sqlite" {
		store, err := chat.OpenSQLStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	}
	return chat.NewMemoryStore(), nil
}

// reloadOnHangup re-reads the persona catalogue on SIGHUP.
func reloadOnHangup(ctx context.Context, registry *persona.Registry, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := registry.Load(ctx); err != nil {
				logger.Error("persona reload failed, keeping previous catalogue", zap.Error(err))
				continue
			}
			logger.Info("persona catalogue reloaded", zap.Int("active", len(registry.ListActive())))
		}
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
