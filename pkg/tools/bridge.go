// Package tools resolves model-issued tool calls. The stream protocol
// permits exactly one tool: knowledge-base document retrieval.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shuttlebay/voicelink/pkg/retrieval"
)

// ToolRetrieveKBDocs is the single tool the model may invoke.
const ToolRetrieveKBDocs = "retrieve_kb_docs"

// InputSchema is the JSON schema declared for the retrieval tool in the
// prompt-start configuration.
const InputSchema = `{"type":"object","properties":{"query":{"type":"string","description":"Free-text query to run against the knowledge base"},"maxResults":{"type":"integer","description":"Maximum number of documents to return"}},"required":["query"]}`

// Query is the normalized tool input.
type Query struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// ParseToolPayload normalizes the tool-call payload. The model runtime is
// not consistent about the shape it sends, so four forms are accepted: a
// JSON-encoded string under "content", a nested object under "input.json",
// a JSON-encoded string under "input", or a bare object that already carries
// a "query" field.
func ParseToolPayload(input map[string]any) (Query, error) {
	if input == nil {
		return Query{}, fmt.Errorf("tool payload is empty")
	}

	if raw, ok := input["content"].(string); ok && raw != "" {
		return parseQueryJSON([]byte(raw))
	}
	if inner, ok := input["input"].(map[string]any); ok {
		if obj, ok := inner["json"].(map[string]any); ok {
			return queryFromObject(obj)
		}
	}
	if raw, ok := input["input"].(string); ok && raw != "" {
		return parseQueryJSON([]byte(raw))
	}
	if _, ok := input["query"]; ok {
		return queryFromObject(input)
	}
	return Query{}, fmt.Errorf("unrecognized tool payload shape")
}

func parseQueryJSON(data []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, fmt.Errorf("decode tool payload: %w", err)
	}
	if q.Query == "" {
		return Query{}, fmt.Errorf("tool payload is missing query")
	}
	return q, nil
}

func queryFromObject(obj map[string]any) (Query, error) {
	query, _ := obj["query"].(string)
	if query == "" {
		return Query{}, fmt.Errorf("tool payload is missing query")
	}
	q := Query{Query: query}
	switch v := obj["maxResults"].(type) {
	case float64:
		q.MaxResults = int(v)
	case int:
		q.MaxResults = v
	}
	return q, nil
}

// KnowledgeBridge resolves retrieval tool calls against a set of knowledge
// sources selected by agent variant.
type KnowledgeBridge struct {
	retriever  retrieval.Retriever
	variants   map[string][]string
	maxResults int
	logger     *slog.Logger
}

// NewKnowledgeBridge creates a bridge. variants maps an agent variant name
// to the knowledge-source IDs queried for it.
func NewKnowledgeBridge(retriever retrieval.Retriever, variants map[string][]string, maxResults int, logger *slog.Logger) *KnowledgeBridge {
	if maxResults <= 0 {
		maxResults = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBridge{
		retriever:  retriever,
		variants:   variants,
		maxResults: maxResults,
		logger:     logger,
	}
}

// Resolve handles one tool call. Unsupported tool names fail hard; payload
// problems and empty target sets resolve to diagnostic values so the model
// can react in conversation instead of the session dying.
func (b *KnowledgeBridge) Resolve(ctx context.Context, variant, toolName string, input map[string]any) (any, error) {
	if toolName != ToolRetrieveKBDocs {
		return nil, fmt.Errorf("tools: unsupported tool %q", toolName)
	}

	q, err := ParseToolPayload(input)
	if err != nil {
		b.logger.Warn("tool payload did not parse", "variant", variant, "error", err)
		return map[string]any{
			"error":   "invalid_tool_payload",
			"message": err.Error(),
		}, nil
	}
	if q.MaxResults <= 0 {
		q.MaxResults = b.maxResults
	}

	sources := b.variants[variant]
	if b.retriever == nil {
		sources = nil
	}
	if len(sources) == 0 {
		b.logger.Warn("no knowledge sources configured", "variant", variant)
		return map[string]any{
			"agentVariant": variant,
			"sources":      []string{},
			"totalResults": 0,
			"message":      "no knowledge sources configured for this agent variant",
		}, nil
	}

	// Query every source concurrently; a failed source is skipped, not fatal.
	// Results keep the configured source order.
	var wg sync.WaitGroup
	perSource := make([][]retrieval.Document, len(sources))
	for i, sourceID := range sources {
		wg.Add(1)
		go func(i int, sourceID string) {
			defer wg.Done()
			docs, err := b.retriever.Retrieve(ctx, sourceID, q.Query, q.MaxResults)
			if err != nil {
				b.logger.Warn("knowledge source query failed", "source", sourceID, "error", err)
				return
			}
			perSource[i] = docs
		}(i, sourceID)
	}
	wg.Wait()

	results := make([]retrieval.Document, 0)
	for _, docs := range perSource {
		results = append(results, docs...)
	}

	return map[string]any{
		"agentVariant": variant,
		"sources":      sources,
		"totalResults": len(results),
		"results":      results,
	}, nil
}
