package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Retrieve(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"documents": []map[string]any{
				{"content": "Shuttles run every 20 minutes.", "score": 0.92, "metadata": map[string]any{"source": "kb-schedules", "title": "Frequency"}},
				{"content": "Last departure is 23:40.", "score": 0.81},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	docs, err := c.Retrieve(context.Background(), "kb-schedules", "how often do shuttles run", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if gotPath != "/v1/knowledge-sources/kb-schedules/retrieve" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody["query"] != "how often do shuttles run" || gotBody["max_results"] != float64(3) {
		t.Fatalf("body = %v", gotBody)
	}

	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Content != "Shuttles run every 20 minutes." || docs[0].Score != 0.92 {
		t.Fatalf("docs[0] = %+v", docs[0])
	}
	if docs[0].Metadata.Source != "kb-schedules" || docs[0].Metadata.Title != "Frequency" {
		t.Fatalf("docs[0].Metadata = %+v", docs[0].Metadata)
	}
}

func TestClient_Retrieve_DefaultMaxResults(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"documents": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.Retrieve(context.Background(), "kb-1", "q", 0); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if gotBody["max_results"] != float64(5) {
		t.Fatalf("max_results = %v, want 5", gotBody["max_results"])
	}
}

func TestClient_Retrieve_EmptySourceID(t *testing.T) {
	c := NewClient("http://unused", "")
	if _, err := c.Retrieve(context.Background(), "", "q", 1); err == nil {
		t.Fatal("expected error for empty source id")
	}
}

func TestClient_Retrieve_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "source not permitted"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	_, err := c.Retrieve(context.Background(), "kb-1", "q", 1)
	if err == nil {
		t.Fatal("expected API error")
	}
	if got := err.Error(); got != "retrieval: source not permitted (status 403)" {
		t.Fatalf("err = %q", got)
	}
}

func TestClient_Retrieve_OpaqueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream fell over"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	if _, err := c.Retrieve(context.Background(), "kb-1", "q", 1); err == nil {
		t.Fatal("expected error on non-200 without envelope")
	}
}
