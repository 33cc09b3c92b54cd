// Package retrieval defines the knowledge-retrieval collaborator boundary:
// free-text queries against named knowledge sources, returning scored
// documents. The service behind it is opaque.
package retrieval

import (
	"context"
)

// Metadata locates a retrieved document in its source.
type Metadata struct {
	Source   string `json:"source,omitempty"`
	Location string `json:"location,omitempty"`
	Title    string `json:"title,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Document is a single retrieval hit.
type Document struct {
	Content  string   `json:"content"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Retriever queries one knowledge source.
type Retriever interface {
	Retrieve(ctx context.Context, sourceID, query string, maxResults int) ([]Document, error)
}
