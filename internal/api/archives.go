package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/archivum-ai/archivum/internal/archives"
	"github.com/archivum-ai/archivum/internal/log"
)

// Catalog answers National Archives queries.
type Catalog interface {
	Search(ctx context.Context, params archives.SearchParams) (*archives.SearchResponse, error)
	Document(ctx context.Context, id string) (*archives.Document, error)
}

type archivesHandler struct {
	catalog Catalog
	logger  log.Logger
}

// get handles GET /api/archives. With an id parameter it fetches a
// single record; otherwise it forwards the search parameters to the
// catalog and passes the response through.
func (h *archivesHandler) get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if id := q.Get("id"); id != "" {
		doc, err := h.catalog.Document(r.Context(), id)
		if err != nil {
			if errors.Is(err, archives.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Document not found", h.logger)
				return
			}
			h.logger.Error("catalog document fetch failed", "error", err, "id", id)
			writeError(w, http.StatusInternalServerError, "Failed to fetch from Archives API", h.logger)
			return
		}
		writeJSON(w, http.StatusOK, doc, h.logger)
		return
	}

	params := archives.SearchParams{
		Query: q.Get("q"),
		Rows:  intParam(q.Get("rows"), 20),
		Start: intParam(q.Get("start"), 0),
		Sort:  q.Get("sort"),
	}

	resp, err := h.catalog.Search(r.Context(), params)
	if err != nil {
		h.logger.Error("catalog search failed", "error", err, "query", params.Query)
		writeError(w, http.StatusInternalServerError, "Failed to fetch from Archives API", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// intParam parses s, falling back to def on empty or malformed input.
func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
