package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archivum-ai/archivum/internal/api"
	"github.com/archivum-ai/archivum/internal/store"
)

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	var pool *pgxpool.Pool
	var docStore api.DocumentStore
	if a.Config.DatabaseURL != "" {
		p, err := a.Pool(ctx)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		pool = p
		docStore = store.New(pool, a.Config.EmbeddingDimensions, a.Logger)
	} else {
		a.Logger.Warn("no database configured, document storage disabled")
	}

	srv := api.NewServer(api.ServerConfig{
		Logger:   a.Logger,
		Chat:     a.Orchestrator(ctx),
		Embedder: a.Embedder(),
		Store:    docStore,
		Catalog:  a.Catalog(),
		Pool:     pool,
	})

	httpServer := &http.Server{
		Addr:              a.Config.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat responses stream for as long as the
		// model generates.
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", "addr", a.Config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
