package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shuttlebay/voicelink/pkg/retrieval"
)

func TestParseToolPayload_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    Query
		wantErr bool
	}{
		{
			name:  "json string under content",
			input: map[string]any{"content": `{"query":"luggage policy","maxResults":3}`},
			want:  Query{Query: "luggage policy", MaxResults: 3},
		},
		{
			name: "object under input.json",
			input: map[string]any{"input": map[string]any{
				"json": map[string]any{"query": "departure times", "maxResults": float64(2)},
			}},
			want: Query{Query: "departure times", MaxResults: 2},
		},
		{
			name:  "json string under input",
			input: map[string]any{"input": `{"query":"wheelchair access"}`},
			want:  Query{Query: "wheelchair access"},
		},
		{
			name:  "bare object with query",
			input: map[string]any{"query": "airport stop", "maxResults": float64(7)},
			want:  Query{Query: "airport stop", MaxResults: 7},
		},
		{
			name:    "nil payload",
			input:   nil,
			wantErr: true,
		},
		{
			name:    "content is not json",
			input:   map[string]any{"content": "not json"},
			wantErr: true,
		},
		{
			name:    "missing query",
			input:   map[string]any{"content": `{"maxResults":3}`},
			wantErr: true,
		},
		{
			name:    "unrecognized shape",
			input:   map[string]any{"something": "else"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseToolPayload(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

type fakeRetriever struct {
	mu    sync.Mutex
	calls []retrieveCall
	docs  map[string][]retrieval.Document
	errs  map[string]error
}

type retrieveCall struct {
	sourceID   string
	query      string
	maxResults int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, sourceID, query string, maxResults int) ([]retrieval.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, retrieveCall{sourceID: sourceID, query: query, maxResults: maxResults})
	f.mu.Unlock()
	if err := f.errs[sourceID]; err != nil {
		return nil, err
	}
	return f.docs[sourceID], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doc(content string, score float64) retrieval.Document {
	return retrieval.Document{Content: content, Score: score}
}

func TestKnowledgeBridge_UnsupportedToolIsFatal(t *testing.T) {
	b := NewKnowledgeBridge(&fakeRetriever{}, nil, 5, discardLogger())

	_, err := b.Resolve(context.Background(), "booking", "book_flight", map[string]any{"query": "x"})
	if err == nil {
		t.Fatal("expected error for unsupported tool")
	}
}

func TestKnowledgeBridge_BadPayloadIsDiagnosticNotFatal(t *testing.T) {
	b := NewKnowledgeBridge(&fakeRetriever{}, map[string][]string{"booking": {"kb-1"}}, 5, discardLogger())

	result, err := b.Resolve(context.Background(), "booking", ToolRetrieveKBDocs, map[string]any{"content": "garbage"})
	if err != nil {
		t.Fatalf("bad payload must not be fatal: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["error"] != "invalid_tool_payload" {
		t.Fatalf("result = %v", result)
	}
}

func TestKnowledgeBridge_NoSourcesConfigured(t *testing.T) {
	r := &fakeRetriever{}
	b := NewKnowledgeBridge(r, map[string][]string{}, 5, discardLogger())

	result, err := b.Resolve(context.Background(), "unknown-variant", ToolRetrieveKBDocs, map[string]any{"query": "parking"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m := result.(map[string]any)
	if m["totalResults"] != 0 {
		t.Fatalf("totalResults = %v", m["totalResults"])
	}
	if len(r.calls) != 0 {
		t.Fatal("retriever must not be queried without sources")
	}
}

func TestKnowledgeBridge_AggregatesInSourceOrder(t *testing.T) {
	r := &fakeRetriever{
		docs: map[string][]retrieval.Document{
			"kb-a": {doc("a1", 0.9), doc("a2", 0.8)},
			"kb-b": {doc("b1", 0.95)},
		},
	}
	b := NewKnowledgeBridge(r, map[string][]string{"booking": {"kb-a", "kb-b"}}, 5, discardLogger())

	result, err := b.Resolve(context.Background(), "booking", ToolRetrieveKBDocs, map[string]any{"query": "schedules"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m := result.(map[string]any)
	docs := m["results"].([]retrieval.Document)
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	want := []string{"a1", "a2", "b1"}
	for i := range want {
		if docs[i].Content != want[i] {
			t.Fatalf("docs[%d] = %q, want %q (source order must be preserved)", i, docs[i].Content, want[i])
		}
	}
	if m["totalResults"] != 3 {
		t.Fatalf("totalResults = %v", m["totalResults"])
	}
}

func TestKnowledgeBridge_FailedSourceSkipped(t *testing.T) {
	r := &fakeRetriever{
		docs: map[string][]retrieval.Document{
			"kb-good": {doc("only", 0.7)},
		},
		errs: map[string]error{
			"kb-bad": errors.New("upstream 500"),
		},
	}
	b := NewKnowledgeBridge(r, map[string][]string{"booking": {"kb-bad", "kb-good"}}, 5, discardLogger())

	result, err := b.Resolve(context.Background(), "booking", ToolRetrieveKBDocs, map[string]any{"query": "stops"})
	if err != nil {
		t.Fatalf("a failing source must not be fatal: %v", err)
	}
	m := result.(map[string]any)
	docs := m["results"].([]retrieval.Document)
	if len(docs) != 1 || docs[0].Content != "only" {
		t.Fatalf("docs = %v", docs)
	}
	if len(r.calls) != 2 {
		t.Fatalf("retriever calls = %d, want 2", len(r.calls))
	}
}

func TestKnowledgeBridge_MaxResultsDefault(t *testing.T) {
	r := &fakeRetriever{}
	b := NewKnowledgeBridge(r, map[string][]string{"booking": {"kb-1"}}, 8, discardLogger())

	if _, err := b.Resolve(context.Background(), "booking", ToolRetrieveKBDocs, map[string]any{"query": "fees"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(r.calls) != 1 || r.calls[0].maxResults != 8 {
		t.Fatalf("calls = %+v, want default max results 8", r.calls)
	}

	if _, err := b.Resolve(context.Background(), "booking", ToolRetrieveKBDocs, map[string]any{"query": "fees", "maxResults": float64(2)}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.calls[1].maxResults != 2 {
		t.Fatalf("calls = %+v, want explicit max results 2", r.calls)
	}
}
