package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/archivum-ai/archivum/internal/embed"
	"github.com/archivum-ai/archivum/internal/log"
	"github.com/archivum-ai/archivum/internal/store"
)

// Embedder produces vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentStore persists documents for retrieval.
type DocumentStore interface {
	Upsert(ctx context.Context, doc store.Document) error
}

type embeddingsHandler struct {
	embedder Embedder
	store    DocumentStore
	logger   log.Logger
}

type embeddingsRequest struct {
	Text     string           `json:"text,omitempty"`
	Texts    []string         `json:"texts,omitempty"`
	Document *documentPayload `json:"document,omitempty"`
}

type documentPayload struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// create handles POST /api/embeddings. The body selects one of three
// operations: embed a single text, embed a batch, or store a document
// with its embedding.
func (h *embeddingsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", h.logger)
		return
	}

	switch {
	case req.Text != "":
		vec, err := h.embedder.Embed(r.Context(), req.Text)
		if err != nil {
			h.writeEmbedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"embedding": vec}, h.logger)

	// A present-but-empty texts array is a valid empty batch.
	case req.Texts != nil:
		vectors, err := h.embedder.EmbedBatch(r.Context(), req.Texts)
		if err != nil {
			h.writeEmbedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"embeddings": vectors}, h.logger)

	case req.Document != nil:
		if err := h.storeDocument(r.Context(), req.Document); err != nil {
			h.writeEmbedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true}, h.logger)

	default:
		writeError(w, http.StatusBadRequest, "Invalid request body", h.logger)
	}
}

// storeDocument embeds title and content together so retrieval can
// match either.
func (h *embeddingsHandler) storeDocument(ctx context.Context, doc *documentPayload) error {
	if h.store == nil {
		return errors.New("document store not configured")
	}
	vec, err := h.embedder.Embed(ctx, doc.Title+"\n"+doc.Content)
	if err != nil {
		return err
	}
	return h.store.Upsert(ctx, store.Document{
		ID:        doc.ID,
		Title:     doc.Title,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		Embedding: vec,
	})
}

func (h *embeddingsHandler) writeEmbedError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("embeddings request failed", "error", err,
		"request_id", requestIDFromContext(r.Context()))

	var provErr *embed.ProviderError
	switch {
	case errors.Is(err, embed.ErrNotConfigured):
		writeError(w, http.StatusInternalServerError, "Embedding provider not configured", h.logger)
	case errors.As(err, &provErr):
		writeError(w, http.StatusInternalServerError, provErr.Message, h.logger)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to process embeddings", h.logger)
	}
}
