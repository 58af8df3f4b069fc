// Package store persists documents and their embeddings in PostgreSQL
// with pgvector, and answers nearest-neighbor queries by cosine
// distance.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/archivum-ai/archivum/internal/log"
)

// ErrDimensionMismatch is returned before any SQL executes when a
// vector's length does not match the store's configured dimensions.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StorageError reports a failure talking to the database. Op names
// the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Document is a stored record with its embedding.
type Document struct {
	ID        string
	Title     string
	Content   string
	Metadata  map[string]string
	Embedding []float32
	CreatedAt time.Time
}

// SimilarityResult is a document returned from a nearest query.
// Similarity is 1 minus the cosine distance, so 1.0 means identical
// direction and 0 means orthogonal.
type SimilarityResult struct {
	Document
	Similarity float64
}

// queryTimeout caps vector searches so a slow index scan cannot block
// callers indefinitely.
const queryTimeout = 10 * time.Second

// Store provides document persistence and vector search. Safe for
// concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
	logger     log.Logger
}

// NewPool opens a tuned pgx connection pool and registers pgvector
// types on every connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool, dimensions int, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, dimensions: dimensions, logger: logger}
}

// Upsert inserts a document or, when the ID already exists, replaces
// its title, content, metadata and embedding. Re-upserting identical
// content leaves the row unchanged.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	if err := s.checkDimensions(doc.Embedding); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return &StorageError{Op: "upsert", Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	const q = `
		INSERT INTO documents (id, title, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`

	vec := pgvector.NewVector(doc.Embedding)
	if _, err := s.pool.Exec(ctx, q, doc.ID, doc.Title, doc.Content, metadataJSON, vec); err != nil {
		return &StorageError{Op: "upsert", Err: err}
	}

	s.logger.Debug("upserted document", "id", doc.ID, "content_length", len(doc.Content))
	return nil
}

// Nearest returns up to limit documents ordered by increasing cosine
// distance from the query vector. An empty store yields an empty
// result, not an error.
func (s *Store) Nearest(ctx context.Context, embedding []float32, limit int) ([]SimilarityResult, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if err := s.checkDimensions(embedding); err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		SELECT id, title, content, metadata, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM documents
		ORDER BY embedding <=> $1
		LIMIT $2`

	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(queryCtx, q, vec, limit)
	if err != nil {
		return nil, &StorageError{Op: "nearest", Err: err}
	}
	defer rows.Close()

	results := make([]SimilarityResult, 0, limit)
	for rows.Next() {
		var (
			r            SimilarityResult
			metadataJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Content, &metadataJSON, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, &StorageError{Op: "nearest", Err: fmt.Errorf("scan row: %w", err)}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
				s.logger.Warn("failed to parse metadata", "document_id", r.ID, "error", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "nearest", Err: err}
	}

	return results, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents`)
	if err := row.Scan(&count); err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return count, nil
}

// Delete removes a document by ID. Deleting an absent ID is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	s.logger.Debug("deleted document", "id", id)
	return nil
}

func (s *Store) checkDimensions(embedding []float32) error {
	if s.dimensions > 0 && len(embedding) != s.dimensions {
		return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, s.dimensions, len(embedding))
	}
	return nil
}
