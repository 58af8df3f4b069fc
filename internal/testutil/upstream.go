package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// EmbeddingFunc maps an input text to its vector. Used by
// FakeEmbeddings to produce deterministic responses.
type EmbeddingFunc func(text string) []float64

// ConstantEmbedding returns an EmbeddingFunc producing the same
// vector for every input.
func ConstantEmbedding(vec []float64) EmbeddingFunc {
	return func(string) []float64 { return vec }
}

// FakeEmbeddings serves an OpenAI-shaped /embeddings endpoint backed
// by fn. The server is closed when the test finishes.
func FakeEmbeddings(t *testing.T, fn EmbeddingFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var inputs []string
		switch in := req.Input.(type) {
		case string:
			inputs = []string{in}
		case []any:
			for _, v := range in {
				if s, ok := v.(string); ok {
					inputs = append(inputs, s)
				}
			}
		}

		type datum struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		var data []datum
		for i, text := range inputs {
			data = append(data, datum{Index: i, Embedding: fn(text)})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// FakeChatCompletions serves an OpenAI-shaped streaming
// /chat/completions endpoint that emits the given deltas as SSE
// chunks followed by [DONE]. LastRequest captures the most recent
// decoded request body for assertions. Setting Truncate drops the
// connection after the deltas instead of sending [DONE], so tests
// can simulate an upstream dying mid-stream.
type FakeChatCompletions struct {
	Server      *httptest.Server
	LastRequest *ChatRequest
	Truncate    bool
}

// ChatRequest is the subset of the upstream request tests assert on.
type ChatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []ChatMessage `json:"messages"`
}

// ChatMessage is one entry of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewFakeChatCompletions starts the fake server. Status controls the
// response code; non-200 responses carry an OpenAI-shaped error body
// and no stream.
func NewFakeChatCompletions(t *testing.T, deltas []string, status int) *FakeChatCompletions {
	t.Helper()

	f := &FakeChatCompletions{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.LastRequest = &req

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"message":"upstream failure","type":"server_error"}}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range deltas {
			chunk := map[string]any{
				"id":     "chatcmpl-test",
				"object": "chat.completion.chunk",
				"model":  req.Model,
				"choices": []map[string]any{
					{"index": 0, "delta": map[string]any{"content": delta}},
				},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
		if f.Truncate {
			panic(http.ErrAbortHandler)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(f.Server.Close)
	return f
}

// SystemPrompt returns the system message content of the captured
// request, or "" when none was sent.
func (f *FakeChatCompletions) SystemPrompt() string {
	if f.LastRequest == nil {
		return ""
	}
	for _, m := range f.LastRequest.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}
