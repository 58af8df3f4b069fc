// Package chat orchestrates a single chat turn: validate the request,
// fetch retrieval context, build the system prompt, and stream the
// model's reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/archivum-ai/archivum/internal/log"
)

// ErrNotConfigured is returned before any network call when the
// generation provider has no API key.
var ErrNotConfigured = errors.New("generation provider not configured")

// ValidationError reports a request the orchestrator refused.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// UpstreamError reports a generation failure with the upstream HTTP
// status when one was received.
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("generation: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("generation: %s", e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// State tracks a chat turn through its lifecycle.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateContextFetched
	StateGenerating
	StateStreaming
	StateComplete
	StateErrored
)

var stateNames = [...]string{
	"received", "validated", "context_fetched",
	"generating", "streaming", "complete", "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextProvider supplies retrieval context for a query. An empty
// string means no grounding is available.
type ContextProvider interface {
	Context(ctx context.Context, query string) string
}

// Config carries generation settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Orchestrator runs chat turns against an OpenAI-compatible
// completion endpoint.
type Orchestrator struct {
	client     oai.Client
	assembler  ContextProvider
	cfg        Config
	logger     log.Logger
	configured bool
}

// New creates an Orchestrator. assembler may be nil when retrieval is
// unavailable; turns then run without context.
func New(cfg Config, assembler ContextProvider, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Orchestrator{
		client:     oai.NewClient(opts...),
		assembler:  assembler,
		cfg:        cfg,
		logger:     logger,
		configured: cfg.APIKey != "",
	}
}

const promptPreamble = "You are a helpful assistant for history students researching primary sources from the U.S. National Archives."

// systemPrompt renders the instruction message, inlining retrieval
// context when present.
func systemPrompt(retrievalContext string) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\n")
	if retrievalContext != "" {
		b.WriteString("Use the following context from primary source documents to answer questions:\n\n")
		b.WriteString(retrievalContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Provide accurate, well-sourced answers based on the primary sources. If the context doesn't contain relevant information, say so. Always cite specific documents when possible.")
	return b.String()
}

// validate rejects requests that cannot produce a turn.
func validate(messages []Message) error {
	if len(messages) == 0 {
		return &ValidationError{Reason: "Messages are required"}
	}
	for i, m := range messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return &ValidationError{Reason: fmt.Sprintf("message %d has unknown role %q", i, m.Role)}
		}
		if m.Content == "" {
			return &ValidationError{Reason: fmt.Sprintf("message %d has empty content", i)}
		}
	}
	return nil
}

// searchQuery returns the content of the last user message, the text
// retrieval runs against.
func searchQuery(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// Chat runs one turn. It returns a Stream once the upstream has
// produced its first chunk; any failure up to that point is returned
// as an error with no partial output.
func (o *Orchestrator) Chat(ctx context.Context, messages []Message) (*Stream, error) {
	state := StateReceived
	advance := func(next State) {
		o.logger.Debug("chat state", "from", state, "to", next)
		state = next
	}

	if err := validate(messages); err != nil {
		advance(StateErrored)
		return nil, err
	}
	advance(StateValidated)

	if !o.configured {
		advance(StateErrored)
		return nil, ErrNotConfigured
	}

	var retrievalContext string
	if o.assembler != nil {
		retrievalContext = o.assembler.Context(ctx, searchQuery(messages))
	}
	advance(StateContextFetched)

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(o.cfg.Model),
		Messages:    buildMessages(systemPrompt(retrievalContext), messages),
		Temperature: param.NewOpt(o.cfg.Temperature),
		MaxTokens:   param.NewOpt(int64(o.cfg.MaxTokens)),
	}

	advance(StateGenerating)
	upstream := o.client.Chat.Completions.NewStreaming(ctx, params)

	// Pull the first chunk before handing the stream out so a
	// synchronous upstream failure surfaces as an error instead of a
	// truncated body.
	s := &Stream{upstream: upstream, state: StateGenerating, logger: o.logger}
	if upstream.Next() {
		s.first = deltaOf(upstream.Current())
		s.hasFirst = true
	} else if err := upstream.Err(); err != nil {
		_ = upstream.Close()
		return nil, wrapUpstreamError(err)
	}

	s.state = StateStreaming
	return s, nil
}

func buildMessages(system string, messages []Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	out = append(out, oai.SystemMessage(system))
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, oai.AssistantMessage(m.Content))
		case RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

func deltaOf(chunk oai.ChatCompletionChunk) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func wrapUpstreamError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{Status: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return &UpstreamError{Message: err.Error(), Err: err}
}

// Stream yields the model's reply incrementally. The first upstream
// chunk is already buffered when Chat returns.
type Stream struct {
	upstream *ssestream.Stream[oai.ChatCompletionChunk]
	first    string
	hasFirst bool
	state    State
	logger   log.Logger
}

// Deltas iterates over text deltas. A non-nil error ends the
// iteration; callers must not continue after one.
func (s *Stream) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.hasFirst {
			s.hasFirst = false
			if !yield(s.first, nil) {
				return
			}
		}
		for s.upstream.Next() {
			if !yield(deltaOf(s.upstream.Current()), nil) {
				return
			}
		}
		if err := s.upstream.Err(); err != nil {
			s.state = StateErrored
			yield("", wrapUpstreamError(err))
			return
		}
		s.state = StateComplete
	}
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() State { return s.state }

// Close releases the upstream connection. Safe to call after Deltas
// finishes.
func (s *Stream) Close() error {
	return s.upstream.Close()
}
