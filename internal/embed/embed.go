// Package embed turns text into dense vectors using an
// OpenAI-compatible embeddings API.
package embed

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"golang.org/x/sync/errgroup"
)

// ErrNotConfigured is returned before any network call when the
// provider has no API key.
var ErrNotConfigured = errors.New("embedding provider not configured")

// ProviderError reports an upstream failure from the embeddings API.
// Status carries the upstream HTTP status when one was received, zero
// otherwise.
type ProviderError struct {
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("embedding provider: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("embedding provider: %s", e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// batchConcurrency bounds parallel requests in EmbedBatch.
const batchConcurrency = 8

// Provider issues embedding requests for a fixed model.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
	configured bool
}

// Config carries the settings a Provider needs.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// New builds a Provider. A missing API key is not an error here;
// Embed and EmbedBatch report ErrNotConfigured before any network I/O.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client:     oai.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		configured: cfg.APIKey != "",
	}
}

// Embed returns the vector for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.configured {
		return nil, ErrNotConfigured
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(p.model),
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, wrapProviderError(err)
	}
	if len(resp.Data) == 0 {
		return nil, &ProviderError{Message: "empty embedding response"}
	}

	vec := toFloat32(resp.Data[0].Embedding)
	if p.dimensions > 0 && len(vec) != p.dimensions {
		return nil, &ProviderError{Message: fmt.Sprintf("expected %d dimensions, got %d", p.dimensions, len(vec))}
	}
	return vec, nil
}

// EmbedBatch embeds every text concurrently and returns vectors in
// input order. Any failure fails the whole batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !p.configured {
		return nil, ErrNotConfigured
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(ctx, text)
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return vectors, nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func wrapProviderError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Status: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return &ProviderError{Message: err.Error(), Err: err}
}
