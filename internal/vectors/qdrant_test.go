package vectors

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/knowledgebase/internal/testutil"
)

func TestPayloadRoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"contentId":   "doc-1",
		"dimensions":  384,
		"count":       int64(7),
		"score":       0.5,
		"approx":      float32(0.25),
		"indexed":     true,
		"unsupported": []string{"dropped"},
	}

	converted := toQdrantPayload(payload)
	if _, ok := converted["unsupported"]; ok {
		t.Error("unsupported value types should be dropped")
	}

	back := fromQdrantPayload(converted)
	tests := []struct {
		key  string
		want interface{}
	}{
		{"contentId", "doc-1"},
		{"dimensions", int64(384)},
		{"count", int64(7)},
		{"score", 0.5},
		{"approx", 0.25},
		{"indexed", true},
	}
	for _, tt := range tests {
		if got := back[tt.key]; got != tt.want {
			t.Errorf("%s = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
		}
	}
}

func TestBuildFilter(t *testing.T) {
	if f := buildFilter(nil); f != nil {
		t.Error("empty filter should be nil")
	}
	if f := buildFilter(map[string]interface{}{"n": 1}); f != nil {
		t.Error("filter without string conditions should be nil")
	}

	f := buildFilter(map[string]interface{}{"contentId": "doc-1", "n": 1})
	if f == nil || len(f.Must) != 1 {
		t.Fatalf("filter = %v, want one condition", f)
	}
	field := f.Must[0].GetField()
	if field.GetKey() != "contentId" {
		t.Errorf("key = %q, want contentId", field.GetKey())
	}
	if field.GetMatch().GetKeyword() != "doc-1" {
		t.Errorf("keyword = %q, want doc-1", field.GetMatch().GetKeyword())
	}
}

func TestToFloat32(t *testing.T) {
	got := toFloat32([]float64{0.5, -1, 2})
	want := []float32{0.5, -1, 2}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Host != "localhost" || cfg.Port != 6334 || cfg.Collection != "kb_embeddings" {
		t.Errorf("DefaultConfig = %+v", cfg)
	}
}

// Integration: needs a running Qdrant.
func TestIndex_UpsertSearch(t *testing.T) {
	host := testutil.RequireEnv(t, "KB_TEST_QDRANT_HOST")
	port := 6334
	if p, err := strconv.Atoi(os.Getenv("KB_TEST_QDRANT_PORT")); err == nil {
		port = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idx, err := NewIndex(Config{Host: host, Port: port, Collection: "kb_test_" + uuid.NewString()[:8]})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	defer func() {
		idx.client.DeleteCollection(ctx, idx.Collection())
		idx.Close()
	}()

	near := uuid.NewString()
	far := uuid.NewString()
	if err := idx.Upsert(ctx, near, []float64{1, 0, 0}, map[string]interface{}{"contentId": "a"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Upsert(ctx, far, []float64{0, 1, 0}, map[string]interface{}{"contentId": "b"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Upserts are applied asynchronously by default
	var results []SearchResult
	for i := 0; i < 20; i++ {
		results, err = idx.Search(ctx, []float64{0.9, 0.1, 0}, 2, nil)
		if err == nil && len(results) == 2 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 || results[0].ID != near {
		t.Errorf("nearest = %v, want %s", results, near)
	}

	if err := idx.Delete(ctx, []string{far}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}
