package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/archivum-ai/archivum/internal/chat"
	"github.com/archivum-ai/archivum/internal/log"
	"github.com/archivum-ai/archivum/internal/stream"
)

// ChatService runs one chat turn and returns the reply stream.
type ChatService interface {
	Chat(ctx context.Context, messages []chat.Message) (*chat.Stream, error)
}

type chatHandler struct {
	service ChatService
	logger  log.Logger
}

type chatRequest struct {
	Messages []chat.Message `json:"messages"`
}

// send handles POST /api/chat. The response body is the framed delta
// stream; every failure before the first upstream chunk is a clean
// JSON error with no partial output.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Messages are required", h.logger)
		return
	}

	s, err := h.service.Chat(r.Context(), req.Messages)
	if err != nil {
		var vErr *chat.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Reason, h.logger)
			return
		}
		h.logger.Error("chat failed before streaming", "error", err,
			"request_id", requestIDFromContext(r.Context()))
		if errors.Is(err, chat.ErrNotConfigured) {
			writeError(w, http.StatusInternalServerError, "Generation provider not configured", h.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to process chat request", h.logger)
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	sw := stream.NewWriter(w)

	for delta, err := range s.Deltas() {
		if err != nil {
			// Status is already committed, so signal the failure
			// in-band and cut the stream without a done marker.
			h.logger.Error("stream interrupted", "error", err,
				"request_id", requestIDFromContext(r.Context()))
			_ = sw.Metadata(map[string]string{"error": "stream interrupted"})
			return
		}
		if delta == "" {
			continue
		}
		if err := sw.Delta(delta); err != nil {
			h.logger.Debug("client went away", "error", err)
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	if err := sw.Done(); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}
}
