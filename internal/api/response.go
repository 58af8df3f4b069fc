package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/archivum-ai/archivum/internal/log"
)

// writeJSON encodes into a buffer first so headers go out only after
// encoding succeeds, letting encode failures still produce a 500.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common here.
		logger.Debug("failed to write response body", "error", err)
	}
}

// writeError emits the {"error": message} shape every endpoint uses
// for failures.
func writeError(w http.ResponseWriter, status int, message string, logger log.Logger) {
	writeJSON(w, status, map[string]string{"error": message}, logger)
}
