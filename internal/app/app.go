// Package app wires configuration, providers, storage and the HTTP
// server into a runnable application.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archivum-ai/archivum/db"
	"github.com/archivum-ai/archivum/internal/archives"
	"github.com/archivum-ai/archivum/internal/chat"
	"github.com/archivum-ai/archivum/internal/config"
	"github.com/archivum-ai/archivum/internal/embed"
	"github.com/archivum-ai/archivum/internal/log"
	"github.com/archivum-ai/archivum/internal/rag"
	"github.com/archivum-ai/archivum/internal/store"
)

// App is the dependency container. Components are built lazily on
// first use so commands that never touch the database or a provider
// do not pay for them.
type App struct {
	Config *config.Config
	Logger log.Logger

	poolOnce sync.Once
	pool     *pgxpool.Pool
	poolErr  error

	embedOnce sync.Once
	embedder  *embed.Provider

	chatOnce     sync.Once
	orchestrator *chat.Orchestrator

	catalogOnce sync.Once
	catalog     *archives.Client
}

// New loads configuration and builds the container.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	return &App{Config: cfg, Logger: logger}, nil
}

// Pool returns the shared database pool, opening it and running
// migrations on first call. Fails when no database URL is set.
func (a *App) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	a.poolOnce.Do(func() {
		if a.Config.DatabaseURL == "" {
			a.poolErr = fmt.Errorf("database url not set: %w", config.ErrMissingDatabase)
			return
		}
		if err := db.Migrate(a.Config.DatabaseURL, a.Logger); err != nil {
			a.poolErr = fmt.Errorf("migrate: %w", err)
			return
		}
		a.pool, a.poolErr = store.NewPool(ctx, a.Config.DatabaseURL)
	})
	return a.pool, a.poolErr
}

// Embedder returns the embedding provider. It is built even without
// credentials; calls then fail with the provider's not-configured
// error.
func (a *App) Embedder() *embed.Provider {
	a.embedOnce.Do(func() {
		a.embedder = embed.New(embed.Config{
			APIKey:     a.Config.OpenAIAPIKey,
			BaseURL:    a.Config.OpenAIBaseURL,
			Model:      a.Config.EmbedderModel,
			Dimensions: a.Config.EmbeddingDimensions,
		})
	})
	return a.embedder
}

// Assembler builds the retrieval context assembler, or a degraded one
// when retrieval credentials are missing.
func (a *App) Assembler(ctx context.Context) *rag.Assembler {
	if !a.Config.RetrievalConfigured() {
		a.Logger.Info("retrieval not configured, chat runs without context")
		return rag.New(nil, nil, a.Logger)
	}

	pool, err := a.Pool(ctx)
	if err != nil {
		a.Logger.Warn("database unavailable, chat runs without context", "error", err)
		return rag.New(nil, nil, a.Logger)
	}

	s := store.New(pool, a.Config.EmbeddingDimensions, a.Logger)
	return rag.New(a.Embedder(), s, a.Logger, rag.WithTopK(a.Config.TopK))
}

// Orchestrator returns the chat orchestrator.
func (a *App) Orchestrator(ctx context.Context) *chat.Orchestrator {
	a.chatOnce.Do(func() {
		a.orchestrator = chat.New(chat.Config{
			APIKey:      a.Config.GroqAPIKey,
			BaseURL:     a.Config.GroqBaseURL,
			Model:       a.Config.ModelName,
			Temperature: a.Config.Temperature,
			MaxTokens:   a.Config.MaxTokens,
		}, a.Assembler(ctx), a.Logger)
	})
	return a.orchestrator
}

// Catalog returns the National Archives client.
func (a *App) Catalog() *archives.Client {
	a.catalogOnce.Do(func() {
		a.catalog = archives.New(a.Config.ArchivesBaseURL, a.Logger)
	})
	return a.catalog
}

// Close releases held resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
