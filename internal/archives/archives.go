// Package archives is a client for the U.S. National Archives catalog
// API.
package archives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/archivum-ai/archivum/internal/log"
)

// ErrNotFound is returned when the catalog has no document for an ID.
var ErrNotFound = errors.New("document not found")

// SearchParams are forwarded to the catalog as query parameters.
// Zero values are omitted.
type SearchParams struct {
	Query string
	Rows  int
	Start int
	Sort  string
}

// Document is a catalog record. Fields beyond the identifying ones
// stay in Metadata untyped, since the catalog schema varies by record
// type.
type Document struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Date        string         `json:"date,omitempty"`
	Creator     string         `json:"creator,omitempty"`
	Type        string         `json:"type,omitempty"`
	URL         string         `json:"url,omitempty"`
	Thumbnail   string         `json:"thumbnail,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SearchResponse mirrors the catalog's search envelope.
type SearchResponse struct {
	Response struct {
		Docs     []Document `json:"docs"`
		NumFound int        `json:"numFound"`
		Start    int        `json:"start"`
	} `json:"response"`
}

// Client talks to the catalog API with client-side rate limiting. The
// catalog asks integrators to stay under a modest request rate.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  log.Logger
}

// New creates a Client. baseURL must not have a trailing slash.
func New(baseURL string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

// Search queries the catalog and returns its response envelope
// unchanged.
func (c *Client) Search(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	q := url.Values{}
	if params.Query != "" {
		q.Set("q", params.Query)
	}
	if params.Rows > 0 {
		q.Set("rows", strconv.Itoa(params.Rows))
	}
	if params.Start > 0 {
		q.Set("start", strconv.Itoa(params.Start))
	}
	if params.Sort != "" {
		q.Set("sort", params.Sort)
	}

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}

	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &resp, nil
}

// Document fetches a single record by its national archives ID.
func (c *Client) Document(ctx context.Context, id string) (*Document, error) {
	q := url.Values{}
	q.Set("naId", id)

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		OpaResponse struct {
			Content *Document `json:"content"`
		} `json:"opaResponse"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode document response: %w", err)
	}
	if envelope.OpaResponse.Content == nil {
		return nil, ErrNotFound
	}
	return envelope.OpaResponse.Content, nil
}

func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.baseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("catalog returned error", "status", resp.StatusCode, "url", reqURL)
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
