// Command recalld runs the memory engine as an HTTP service.
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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"

	"github.com/recallhq/recall/memory"
	"github.com/recallhq/recall/memory/catalog"
	"github.com/recallhq/recall/memory/embedder/cache"
	"github.com/recallhq/recall/memory/embedder/mock"
	"github.com/recallhq/recall/memory/embedder/openai"
	"github.com/recallhq/recall/memory/extract/claude"
	"github.com/recallhq/recall/memory/store/chromem"
	"github.com/recallhq/recall/memory/store/redisrec"
	"github.com/recallhq/recall/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := memory.LoadConfig(os.Getenv("RECALL_CONFIG"))
	if err != nil {
		return err
	}

	embedder, closeEmbedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	defer closeEmbedder()

	var index *chromem.Store
	if cfg.VectorPath != "" {
		index, err = chromem.NewPersistent(cfg.VectorPath)
	} else {
		logger.Warn("no vector_path configured, semantic store is in-memory only")
		index, err = chromem.New()
	}
	if err != nil {
		return err
	}
	index.SetLogger(logger)

	recency, err := redisrec.New(redisrec.Options{
		URL:      cfg.RedisURL,
		Capacity: cfg.RecencyCapacity,
		TTL:      cfg.RecencyTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer recency.Close()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}

	opts := []memory.Option{memory.WithLogger(logger)}
	if cfg.ExtractModel != "" {
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return fmt.Errorf("extract_model is set but ANTHROPIC_API_KEY is missing")
		}
		client := anthropic.NewClient(option.WithAPIKey(key))
		opts = append(opts, memory.WithExtractor(
			claude.New(&client, cfg.ExtractModel, claude.WithLogger(logger))))
		logger.Info("llm fact extraction enabled", "model", cfg.ExtractModel)
	}

	engine, err := memory.NewEngine(cfg, embedder, index, recency, cat, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(engine, cfg, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("recall listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// buildEmbedder selects the embedding provider. A missing endpoint is a
// fatal configuration error unless the mock is explicitly requested.
func buildEmbedder(cfg *memory.Config) (memory.Embedder, func(), error) {
	if os.Getenv("RECALL_EMBEDDER") == "mock" {
		return mock.NewWithDimensions(cfg.EmbedderDims), func() {}, nil
	}

	if cfg.EmbedderEndpoint == "" {
		return nil, nil, fmt.Errorf("embedder_endpoint is required (set RECALL_EMBEDDER_ENDPOINT, or RECALL_EMBEDDER=mock for local testing)")
	}
	base, err := openai.New(openai.Config{
		BaseURL:    cfg.EmbedderEndpoint,
		APIKey:     cfg.EmbedderAPIKey,
		Model:      cfg.EmbedderModel,
		Dimensions: cfg.EmbedderDims,
	})
	if err != nil {
		return nil, nil, err
	}

	cached, err := cache.New(base, cfg.EmbedderCacheSize)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

func logLevel() slog.Level {
	switch os.Getenv("RECALL_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
