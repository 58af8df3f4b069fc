// Package rag assembles retrieval context for chat generation. It
// embeds the user's query, finds the nearest stored documents, and
// renders them into a text block for the system prompt.
//
// Retrieval is strictly best-effort: any failure, missing
// configuration, or empty corpus yields an empty context rather than
// an error, so chat continues without grounding.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/archivum-ai/archivum/internal/log"
	"github.com/archivum-ai/archivum/internal/store"
)

// DefaultTopK is the number of documents retrieved when no option
// overrides it.
const DefaultTopK = 3

// documentSeparator joins rendered documents in the context block.
const documentSeparator = "\n\n---\n\n"

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher answers nearest-neighbor queries.
type Searcher interface {
	Nearest(ctx context.Context, embedding []float32, limit int) ([]store.SimilarityResult, error)
}

// Assembler builds retrieval context. A nil embedder or searcher
// marks retrieval as unconfigured and every query yields an empty
// context.
type Assembler struct {
	embedder Embedder
	searcher Searcher
	topK     int
	logger   log.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTopK sets how many documents a query retrieves. Values below 1
// are ignored.
func WithTopK(k int) Option {
	return func(a *Assembler) {
		if k >= 1 {
			a.topK = k
		}
	}
}

// New creates an Assembler. embedder or searcher may be nil when
// retrieval credentials are absent.
func New(embedder Embedder, searcher Searcher, logger log.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &Assembler{
		embedder: embedder,
		searcher: searcher,
		topK:     DefaultTopK,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Context returns the rendered context block for query, or "" when
// retrieval is unconfigured, finds nothing, or fails. It never
// returns an error.
func (a *Assembler) Context(ctx context.Context, query string) string {
	if a.embedder == nil || a.searcher == nil {
		a.logger.Debug("retrieval not configured, skipping context")
		return ""
	}

	embedding, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.logger.Warn("query embedding failed, continuing without context", "error", err)
		return ""
	}

	results, err := a.searcher.Nearest(ctx, embedding, a.topK)
	if err != nil {
		a.logger.Warn("document search failed, continuing without context", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	rendered := make([]string, len(results))
	for i, r := range results {
		rendered[i] = fmt.Sprintf("Title: %s\nContent: %s", r.Title, r.Content)
	}

	a.logger.Debug("assembled retrieval context", "documents", len(results))
	return strings.Join(rendered, documentSeparator)
}
