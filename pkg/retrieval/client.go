package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Option configures a retrieval Client.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL overrides the retrieval API base URL.
func WithBaseURL(base string) Option {
	return func(o *options) { o.baseURL = base }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// Client implements Retriever against the knowledge-retrieval HTTP API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClient creates a retrieval client. baseURL must point at the retrieval
// service root.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	o := &options{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: o.baseURL,
		client:  o.httpClient,
	}
}

type retrieveRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type retrieveResponse struct {
	Documents []Document `json:"documents"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Retrieve implements Retriever.
func (c *Client) Retrieve(ctx context.Context, sourceID, query string, maxResults int) ([]Document, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("retrieval: source id must not be empty")
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	body, err := json.Marshal(retrieveRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/knowledge-sources/" + url.PathEscape(sourceID) + "/retrieve"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("retrieval: %s (status %d)", apiErr.Error.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("retrieval: unexpected status %d", resp.StatusCode)
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("retrieval: decode response: %w", err)
	}
	return out.Documents, nil
}
