package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/events"
	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/indexer"
	"github.com/hyperjump/tanya/internal/ingestion"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/objectstore"
	"github.com/hyperjump/tanya/internal/provider"
	"github.com/hyperjump/tanya/internal/registry"
	"github.com/hyperjump/tanya/internal/status"
	"github.com/hyperjump/tanya/internal/storage"
	"github.com/hyperjump/tanya/internal/vector"
	"github.com/hyperjump/tanya/internal/watcher"
)

const eventGCInterval = 10 * time.Minute

// Components holds initialized services.
type Components struct {
	Storage     *storage.SQLiteStorage
	Vectors     *vector.SQLiteStore
	Objects     *objectstore.BadgerStore
	EventLog    *events.BadgerLog
	Events      *events.Service
	Embedder    embedding.Embedder
	Adapter     *indexer.Adapter
	Registry    *registry.Registry
	Status      *status.Aggregator
	Coordinator *ingestion.Coordinator
	Chat        *chat.Service
}

// Close stops background work and releases every store, consumers first.
func (c *Components) Close() {
	if c.Coordinator != nil {
		c.Coordinator.Stop()
	}
	if c.Events != nil {
		_ = c.Events.Close()
	}
	if c.EventLog != nil {
		_ = c.EventLog.Close()
	}
	if c.Adapter != nil {
		_ = c.Adapter.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Vectors != nil {
		_ = c.Vectors.Close()
	}
	if c.Objects != nil {
		_ = c.Objects.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func providerOptions(cfg *config.Config) provider.Options {
	return provider.Options{
		BaseURL:        cfg.Provider.BaseURL,
		Token:          cfg.Provider.Token,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		ChatModel:      cfg.Provider.ChatModel,
		Dimensions:     cfg.Provider.Dimensions,
		Timeout:        cfg.Provider.Timeout,
	}
}

// newProviders returns the embedder and generator. In mock mode both run
// in-process without network access.
func newProviders(cfg *config.Config, logger *zap.Logger) (embedding.Embedder, provider.Generator, error) {
	if cfg.Provider.Mock {
		emb := embedding.NewMockEmbedder(cfg.Provider.Dimensions)
		return embedding.NewCachedEmbedder(emb, cfg.Provider.CacheSize), provider.ExtractiveGenerator{}, nil
	}
	limiter := provider.NewRateLimiter(cfg.Provider.RequestsPerSecond, cfg.Provider.Burst)
	opts := providerOptions(cfg)
	emb, err := provider.NewEmbedder(opts, limiter, provider.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	gen, err := provider.NewGenerator(opts, limiter, logger)
	if err != nil {
		_ = emb.Close()
		return nil, nil, fmt.Errorf("failed to initialize generator: %w", err)
	}
	return embedding.NewCachedEmbedder(emb, cfg.Provider.CacheSize), gen, nil
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if c.Vectors, err = vector.NewSQLiteStore(cfg.Storage.VectorDatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	if c.Objects, err = objectstore.Open(cfg.Storage.ObjectStorePath, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	if c.EventLog, err = events.OpenLog(cfg.Storage.EventStorePath, cfg.Events.Retention, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}
	go c.EventLog.RunGC(ctx, eventGCInterval)

	hub := events.NewHub(cfg.Events.SubscriberBuffer)
	c.Events = events.NewService(c.EventLog, hub,
		events.WithLogger(logger),
		events.WithQueueSize(cfg.Events.QueueSize),
		events.WithDefaultLimit(cfg.Events.DefaultQueryLimit),
	)

	var gen provider.Generator
	if c.Embedder, gen, err = newProviders(cfg, logger); err != nil {
		return nil, err
	}

	c.Adapter = indexer.NewAdapter(c.Vectors, c.Embedder, indexer.NewProfileChunker(cfg.Chunking.Profiles),
		indexer.WithLogger(logger),
		indexer.WithKeywordDir(cfg.Storage.KeywordIndexPath),
		indexer.WithEmbedBatchSize(cfg.Ingestion.EmbedBatchSize),
	)
	if c.Registry, err = registry.New(ctx, c.Storage, c.Adapter, registry.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to initialize collection registry: %w", err)
	}
	if err = c.Registry.Seed(ctx, cfg.Collections.Static, cfg.Collections.Aliases); err != nil {
		return nil, fmt.Errorf("failed to seed collections: %w", err)
	}
	c.Status = status.NewAggregator(c.Storage, c.Registry, c.Adapter)

	if c.Coordinator, err = ingestion.New(c.Storage, c.Objects, c.Adapter, c.Registry, cfg.Ingestion,
		ingestion.WithLogger(logger),
		ingestion.WithEvents(c.Events),
		ingestion.WithProgress(c.Status),
		ingestion.WithWorkDir(cfg.Storage.WorkDir),
	); err != nil {
		return nil, err
	}
	if err = c.Coordinator.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start ingestion: %w", err)
	}

	c.Chat = chat.New(c.Registry, c.Adapter, gen, cfg.Chat,
		chat.WithLogger(logger),
		chat.WithEvents(c.Events),
	)

	logger.Info("components initialized",
		zap.Int("collections", len(c.Registry.List())),
		zap.Int("workers", cfg.Ingestion.Workers),
		zap.Int("dimensions", c.Embedder.Dimensions()),
	)
	return c, nil
}

// supportedExtensions are the file extensions uploads and inboxes accept.
func supportedExtensions() []string {
	return extract.SupportedExtensions()
}

// inboxSink uploads a file dropped into an inbox to its collection and
// indexes it. The collection must already exist.
func inboxSink(coord *ingestion.Coordinator, logger *zap.Logger) watcher.Sink {
	return func(ctx context.Context, collection, path string) error {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := coord.Upload(ctx, ingestion.UploadRequest{
			Collection: collection,
			Kind:       models.UnitKindDocument,
			Source:     filepath.Base(path),
			Content:    content,
			AutoIndex:  true,
		})
		if err != nil {
			return err
		}
		logger.Info("inbox file ingested",
			zap.String("path", path),
			zap.String("unit_id", res.Unit.ID),
			zap.Bool("changed", res.Created || res.Changed),
		)
		return nil
	}
}
