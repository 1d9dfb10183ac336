package modelprovider

import (
	"context"
	"fmt"
	"math"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/vectors"
)

// TextEmbeddingProviderID is the id of the embedding provider.
const TextEmbeddingProviderID = "text-embedding"

// Embedder turns text into a vector. PseudoEmbedder and embeddings.Service
// implement it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	ModelName() string
	Dimensions() int
}

// BatchEmbedder embeds many texts at once, vectors in input order.
// embeddings.Service and PseudoEmbedder implement it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// BatchItem is one content for ProcessBatch.
type BatchItem struct {
	Content     any    `json:"content"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId"`
}

// Index is a similarity index over embedding outputs. vectors.Index
// implements it.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float64, payload map[string]interface{}) error
	Search(ctx context.Context, vector []float64, limit uint64, filter map[string]interface{}) ([]vectors.SearchResult, error)
}

// Match is one SearchSimilar hit.
type Match struct {
	OutputID  string  `json:"outputId"`
	ContentID string  `json:"contentId"`
	Score     float32 `json:"score"`
}

// TextEmbeddingProvider embeds text content and stores the vector in the
// hash store.
type TextEmbeddingProvider struct {
	outputs
	embedder Embedder
	index    Index
}

var _ Provider = (*TextEmbeddingProvider)(nil)

// NewTextEmbeddingProvider creates the provider. A nil embedder means a
// PseudoEmbedder of the default size.
func NewTextEmbeddingProvider(c *codec.Codec, hashes *hashstore.Store, embedder Embedder, opts ...Option) *TextEmbeddingProvider {
	if embedder == nil {
		embedder = NewPseudoEmbedder(0)
	}
	return &TextEmbeddingProvider{
		outputs:  newOutputs(TextEmbeddingProviderID, c, hashes, opts),
		embedder: embedder,
	}
}

// WithIndex mirrors every new vector into idx.
func (p *TextEmbeddingProvider) WithIndex(idx Index) *TextEmbeddingProvider {
	p.index = idx
	return p
}

// ProcessContent embeds content and records {embeddingHash, metadata}.
func (p *TextEmbeddingProvider) ProcessContent(ctx context.Context, content any, contentType, contentID string) (string, error) {
	text, err := contentText(content)
	if err != nil {
		return "", err
	}

	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed %s: %w", contentID, err)
	}
	return p.storeVector(ctx, vec, contentType, contentID)
}

// ProcessBatch embeds every item and returns output ids in item order. The
// embedder is called once when it supports batches. Nothing is stored when
// embedding fails; a storage failure part way returns the ids stored so far.
func (p *TextEmbeddingProvider) ProcessBatch(ctx context.Context, items []BatchItem) ([]string, error) {
	texts := make([]string, len(items))
	for i, item := range items {
		text, err := contentText(item.Content)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		texts[i] = text
	}

	var vecs [][]float64
	if be, ok := p.embedder.(BatchEmbedder); ok {
		var err error
		if vecs, err = be.EmbedBatch(ctx, texts); err != nil {
			return nil, fmt.Errorf("embed batch of %d: %w", len(texts), err)
		}
	} else {
		vecs = make([][]float64, len(texts))
		for i, text := range texts {
			vec, err := p.embedder.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embed %s: %w", items[i].ContentID, err)
			}
			vecs[i] = vec
		}
	}
	if len(vecs) != len(items) {
		return nil, fmt.Errorf("%w: got %d vectors for %d items", core.ErrEmbeddingFailed, len(vecs), len(items))
	}

	ids := make([]string, 0, len(items))
	for i, item := range items {
		contentType := item.ContentType
		if contentType == "" {
			contentType = "text"
		}
		id, err := p.storeVector(ctx, vecs[i], contentType, item.ContentID)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	p.log.WithField("count", len(ids)).Debug("batch embedded")
	return ids, nil
}

func (p *TextEmbeddingProvider) storeVector(ctx context.Context, vec []float64, contentType, contentID string) (string, error) {
	metadata := map[string]any{
		"modelName":  p.embedder.ModelName(),
		"dimensions": len(vec),
	}
	hash, err := p.hashes.Store(ctx, vec, "embedding", metadata)
	if err != nil {
		return "", err
	}

	out := p.newOutput(contentType, contentID, metadata)
	out.EmbeddingHash = hash
	if err := p.save(ctx, out); err != nil {
		return "", err
	}

	if p.index != nil {
		payload := map[string]interface{}{
			"contentId":   contentID,
			"contentType": contentType,
			"model":       p.embedder.ModelName(),
		}
		// Index failures do not fail the output
		if err := p.index.Upsert(ctx, out.ID, vec, payload); err != nil {
			p.log.WithError(err).Warn("indexing output %s failed", out.ID)
		}
	}

	p.log.WithFields(map[string]interface{}{
		"output":  out.ID,
		"content": contentID,
	}).Debug("embedding stored")
	return out.ID, nil
}

// Vector returns the embedding of an output, or nil, nil when the output or
// its vector is missing.
func (p *TextEmbeddingProvider) Vector(ctx context.Context, outputID string) ([]float64, error) {
	out, err := p.GetOutput(ctx, outputID)
	if err != nil || out == nil {
		return nil, err
	}
	pv, err := p.hashes.Retrieve(ctx, out.EmbeddingHash)
	if err != nil || pv == nil {
		return nil, err
	}
	return toVector(pv.Value)
}

// CalculateSimilarity returns the cosine similarity of two outputs'
// vectors. It returns nil when either vector is missing or their lengths
// differ. Failures are logged and also yield nil.
func (p *TextEmbeddingProvider) CalculateSimilarity(ctx context.Context, outputID1, outputID2 string) *float64 {
	a, err := p.Vector(ctx, outputID1)
	if err != nil {
		p.log.WithError(err).Warn("loading vector %s failed", outputID1)
		return nil
	}
	b, err := p.Vector(ctx, outputID2)
	if err != nil {
		p.log.WithError(err).Warn("loading vector %s failed", outputID2)
		return nil
	}
	return CosineSimilarity(a, b)
}

// SearchSimilar embeds text and asks the index for the nearest outputs.
func (p *TextEmbeddingProvider) SearchSimilar(ctx context.Context, text string, limit int) ([]Match, error) {
	if p.index == nil {
		return nil, core.ErrIndexUnavailable
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := p.index.Search(ctx, vec, uint64(limit), nil)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		contentID, _ := r.Payload["contentId"].(string)
		matches = append(matches, Match{OutputID: r.ID, ContentID: contentID, Score: r.Score})
	}
	return matches, nil
}

// CosineSimilarity returns nil for missing or unequal-length vectors and 0
// when either has zero magnitude. The result is clamped to [-1, 1] against
// rounding.
func CosineSimilarity(a, b []float64) *float64 {
	if a == nil || b == nil || len(a) != len(b) {
		return nil
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	sim := 0.0
	if normA != 0 && normB != 0 {
		sim = dot / (math.Sqrt(normA) * math.Sqrt(normB))
		sim = math.Max(-1, math.Min(1, sim))
	}
	return &sim
}

// toVector accepts the value as stored ([]float64) or as read back from
// JSON ([]any of float64).
func toVector(v any) ([]float64, error) {
	switch vec := v.(type) {
	case []float64:
		return vec, nil
	case []any:
		out := make([]float64, len(vec))
		for i, x := range vec {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: vector component %d is %T", core.ErrInvalidInput, i, x)
			}
			out[i] = f
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: vector is %T", core.ErrInvalidInput, v)
}
