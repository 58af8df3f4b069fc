package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/archivum-ai/archivum/internal/api"
	"github.com/archivum-ai/archivum/internal/archives"
	"github.com/archivum-ai/archivum/internal/chat"
	"github.com/archivum-ai/archivum/internal/embed"
	"github.com/archivum-ai/archivum/internal/log"
	"github.com/archivum-ai/archivum/internal/rag"
	"github.com/archivum-ai/archivum/internal/store"
	"github.com/archivum-ai/archivum/internal/stream"
	"github.com/archivum-ai/archivum/internal/testutil"
)

// memoryStore is an in-memory DocumentStore and rag.Searcher standing
// in for PostgreSQL.
type memoryStore struct {
	docs []store.Document
}

func (m *memoryStore) Upsert(ctx context.Context, doc store.Document) error {
	for i, d := range m.docs {
		if d.ID == doc.ID {
			m.docs[i] = doc
			return nil
		}
	}
	m.docs = append(m.docs, doc)
	return nil
}

func (m *memoryStore) Nearest(ctx context.Context, embedding []float32, limit int) ([]store.SimilarityResult, error) {
	results := make([]store.SimilarityResult, 0, limit)
	for _, d := range m.docs {
		if len(results) == limit {
			break
		}
		results = append(results, store.SimilarityResult{Document: d, Similarity: 0.9})
	}
	return results, nil
}

type deps struct {
	groq    *testutil.FakeChatCompletions
	docs    *memoryStore
	handler http.Handler
}

// newTestServer wires the full handler with fake upstreams.
func newTestServer(t *testing.T, groqDeltas []string, groqStatus int) *deps {
	t.Helper()

	openaiSrv := testutil.FakeEmbeddings(t, testutil.ConstantEmbedding([]float64{0.1, 0.2, 0.3}))
	groq := testutil.NewFakeChatCompletions(t, groqDeltas, groqStatus)

	docs := &memoryStore{}
	provider := embed.New(embed.Config{APIKey: "sk-test", BaseURL: openaiSrv.URL, Model: "text-embedding-3-small", Dimensions: 3})
	assembler := rag.New(provider, docs, log.NewNop())
	orchestrator := chat.New(chat.Config{
		APIKey:      "gsk-test",
		BaseURL:     groq.Server.URL,
		Model:       "llama-3.1-70b-versatile",
		Temperature: 0.7,
		MaxTokens:   1000,
	}, assembler, log.NewNop())

	catalogSrv := httptest.NewServer(http.HandlerFunc(fakeCatalog))
	t.Cleanup(catalogSrv.Close)

	srv := api.NewServer(api.ServerConfig{
		Logger:   log.NewNop(),
		Chat:     orchestrator,
		Embedder: provider,
		Store:    docs,
		Catalog:  archives.New(catalogSrv.URL, log.NewNop()),
	})

	return &deps{groq: groq, docs: docs, handler: srv.Handler()}
}

func fakeCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("naId"); id != "" {
		if id != "1667751" {
			fmt.Fprint(w, `{"opaResponse":{}}`)
			return
		}
		fmt.Fprint(w, `{"opaResponse":{"content":{"id":"1667751","title":"Apollo 11 Flight Plan"}}}`)
		return
	}
	if q.Get("q") == "explode" {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	resp := map[string]any{"response": map[string]any{
		"docs":     []map[string]any{{"id": "42", "title": q.Get("q")}},
		"numFound": 1,
		"start":    0,
	}}
	json.NewEncoder(w).Encode(resp)
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("response is not error JSON: %v", err)
	}
	return body["error"]
}

func TestChatEndpoint_StreamsFramedReply(t *testing.T) {
	d := newTestServer(t, []string{"The Louisiana ", "Purchase doubled ", "the nation"}, http.StatusOK)

	rec := postJSON(t, d.handler, "/api/chat", `{"messages":[{"role":"user","content":"1803?"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	r := stream.NewReassembler()
	r.Feed(rec.Body.Bytes())
	r.Flush()

	if got := r.Text(); got != "The Louisiana Purchase doubled the nation" {
		t.Errorf("reassembled text = %q", got)
	}
	if !r.Completed() {
		t.Error("stream missing completion marker")
	}
}

func TestChatEndpoint_UsesRetrievedContext(t *testing.T) {
	d := newTestServer(t, []string{"ok"}, http.StatusOK)
	d.docs.Upsert(context.Background(), store.Document{
		ID: "doc-1", Title: "Treaty of Paris", Content: "ended the war",
	})

	postJSON(t, d.handler, "/api/chat", `{"messages":[{"role":"user","content":"treaty?"}]}`)

	prompt := d.groq.SystemPrompt()
	if !strings.Contains(prompt, "Title: Treaty of Paris\nContent: ended the war") {
		t.Errorf("system prompt missing retrieved document: %q", prompt)
	}
}

func TestChatEndpoint_Validation(t *testing.T) {
	d := newTestServer(t, nil, http.StatusOK)

	tests := []struct {
		name string
		body string
	}{
		{"missing messages", `{}`},
		{"empty messages", `{"messages":[]}`},
		{"malformed json", `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, d.handler, "/api/chat", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if got := errorBody(t, rec); got != "Messages are required" {
				t.Errorf("error = %q", got)
			}
		})
	}
}

func TestChatEndpoint_UpstreamFailureHasNoPartialBytes(t *testing.T) {
	d := newTestServer(t, nil, http.StatusServiceUnavailable)

	rec := postJSON(t, d.handler, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorBody(t, rec); got != "Failed to process chat request" {
		t.Errorf("error = %q", got)
	}
	if strings.Contains(rec.Body.String(), "0:") {
		t.Errorf("error response carries stream frames: %s", rec.Body.String())
	}
}

func TestChatEndpoint_UpstreamDiesMidStream(t *testing.T) {
	d := newTestServer(t, []string{"partial "}, http.StatusOK)
	d.groq.Truncate = true

	rec := postJSON(t, d.handler, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "0:partial \n") {
		t.Errorf("delivered deltas missing from body: %q", body)
	}
	if !strings.Contains(body, `8:{"error":"stream interrupted"}`) {
		t.Errorf("body missing in-band error record: %q", body)
	}
	if strings.Contains(body, `{"done":true}`) {
		t.Errorf("interrupted stream carries done marker: %q", body)
	}

	r := stream.NewReassembler()
	r.Feed(rec.Body.Bytes())
	r.Flush()
	if got := r.Text(); got != "partial " {
		t.Errorf("reassembled text = %q, want %q", got, "partial ")
	}
	if r.Completed() {
		t.Error("Completed() = true for an interrupted stream")
	}
}

func TestChatEndpoint_GenerationUnconfigured(t *testing.T) {
	orchestrator := chat.New(chat.Config{Model: "m"}, nil, log.NewNop())
	srv := api.NewServer(api.ServerConfig{
		Logger:   log.NewNop(),
		Chat:     orchestrator,
		Embedder: embed.New(embed.Config{Model: "m"}),
		Catalog:  archives.New("http://127.0.0.1:0", log.NewNop()),
	})

	rec := postJSON(t, srv.Handler(), "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	d := newTestServer(t, nil, http.StatusOK)

	t.Run("single text", func(t *testing.T) {
		rec := postJSON(t, d.handler, "/api/embeddings", `{"text":"hello"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Embedding) != 3 {
			t.Errorf("embedding length = %d", len(resp.Embedding))
		}
	})

	t.Run("batch", func(t *testing.T) {
		rec := postJSON(t, d.handler, "/api/embeddings", `{"texts":["a","b"]}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Embeddings) != 2 {
			t.Errorf("got %d embeddings", len(resp.Embeddings))
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		rec := postJSON(t, d.handler, "/api/embeddings", `{"texts":[]}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Embeddings json.RawMessage `json:"embeddings"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(resp.Embeddings) != "[]" {
			t.Errorf("embeddings = %s, want []", resp.Embeddings)
		}
	})

	t.Run("store document", func(t *testing.T) {
		rec := postJSON(t, d.handler, "/api/embeddings",
			`{"document":{"id":"d1","title":"Bill of Rights","content":"first ten amendments"}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Success bool `json:"success"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || !resp.Success {
			t.Errorf("response = %s", rec.Body.String())
		}
		if len(d.docs.docs) != 1 || d.docs.docs[0].ID != "d1" {
			t.Errorf("document not stored: %+v", d.docs.docs)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		for _, body := range []string{`{}`, `not json`} {
			rec := postJSON(t, d.handler, "/api/embeddings", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("body %q: status = %d, want 400", body, rec.Code)
			}
			if got := errorBody(t, rec); got != "Invalid request body" {
				t.Errorf("error = %q", got)
			}
		}
	})
}

func TestArchivesEndpoint(t *testing.T) {
	d := newTestServer(t, nil, http.StatusOK)

	t.Run("search passthrough", func(t *testing.T) {
		rec := getPath(t, d.handler, "/api/archives?q=apollo&rows=5&start=10&sort=naId%20asc")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp archives.SearchResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Response.NumFound != 1 || resp.Response.Docs[0].Title != "apollo" {
			t.Errorf("response = %+v", resp.Response)
		}
	})

	t.Run("document by id", func(t *testing.T) {
		rec := getPath(t, d.handler, "/api/archives?id=1667751")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var doc archives.Document
		if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.Title != "Apollo 11 Flight Plan" {
			t.Errorf("title = %q", doc.Title)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := getPath(t, d.handler, "/api/archives?id=0")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
		if got := errorBody(t, rec); got != "Document not found" {
			t.Errorf("error = %q", got)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		rec := getPath(t, d.handler, "/api/archives?q=explode")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		if got := errorBody(t, rec); got != "Failed to fetch from Archives API" {
			t.Errorf("error = %q", got)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	d := newTestServer(t, nil, http.StatusOK)

	rec := getPath(t, d.handler, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}

	rec = getPath(t, d.handler, "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("/ready status = %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	d := newTestServer(t, nil, http.StatusOK)

	rec := getPath(t, d.handler, "/api/archives?q=x")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	d := newTestServer(t, nil, http.StatusOK)

	rec := getPath(t, d.handler, "/api/chat")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/chat status = %d, want 405", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	groq := testutil.NewFakeChatCompletions(t, nil, http.StatusOK)
	srv := api.NewServer(api.ServerConfig{
		Logger:    log.NewNop(),
		Chat:      chat.New(chat.Config{APIKey: "k", BaseURL: groq.Server.URL, Model: "m"}, nil, log.NewNop()),
		Embedder:  embed.New(embed.Config{Model: "m"}),
		Catalog:   archives.New("http://127.0.0.1:0", log.NewNop()),
		RateBurst: 1,
	})

	var last int
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/api/embeddings", strings.NewReader(`{}`))
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}

// Exercise the streamed body through a real HTTP server so chunked
// writes and flushes run for real.
func TestChatEndpoint_OverRealConnection(t *testing.T) {
	d := newTestServer(t, []string{"line one\n", "line two"}, http.StatusOK)

	srv := httptest.NewServer(d.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	r := stream.NewReassembler()
	buf := make([]byte, 7) // deliberately awkward read size
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			r.Feed(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	r.Flush()

	if got := r.Text(); got != "line one\nline two" {
		t.Errorf("reassembled = %q", got)
	}
	if !r.Completed() {
		t.Error("completion marker missing")
	}
}
