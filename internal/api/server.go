// Package api exposes the HTTP surface: chat streaming, embeddings,
// and National Archives catalog passthrough.
package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archivum-ai/archivum/internal/log"
)

// ServerConfig carries the dependencies for the HTTP server. Optional
// fields may be nil; the corresponding endpoint then reports its
// failure mode instead of being absent.
type ServerConfig struct {
	Logger      log.Logger
	Chat        ChatService   // required
	Embedder    Embedder      // required
	Store       DocumentStore // optional: nil disables document storage
	Catalog     Catalog       // required
	Pool        *pgxpool.Pool // optional: enables database readiness checks
	CORSOrigins []string
	TrustProxy  bool
	RateBurst   int // 0 means the default of 60
}

// Server is the JSON/stream HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires routes and the middleware stack.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ch := &chatHandler{service: cfg.Chat, logger: logger}
	eh := &embeddingsHandler{embedder: cfg.Embedder, store: cfg.Store, logger: logger}
	ah := &archivesHandler{catalog: cfg.Catalog, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", ch.send)
	mux.HandleFunc("POST /api/embeddings", eh.create)
	mux.HandleFunc("GET /api/archives", ah.get)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery, RequestID, Logging, CORS, RateLimit, routes.
	// RequestID precedes Logging so request_id appears in log
	// attributes; CORS precedes RateLimit so preflight always gets
	// its headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
