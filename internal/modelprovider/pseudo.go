package modelprovider

import (
	"context"
	"math"

	"github.com/zeebo/xxh3"
)

// DefaultPseudoDimensions is the vector size of NewPseudoEmbedder(0).
const DefaultPseudoDimensions = 128

// PseudoEmbedder derives a deterministic unit vector from a string hash. It
// is a stand-in for a real model: equal texts get equal vectors, but the
// vectors carry no meaning.
type PseudoEmbedder struct {
	dimensions int
}

// NewPseudoEmbedder returns an embedder producing vectors of the given size.
func NewPseudoEmbedder(dimensions int) *PseudoEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultPseudoDimensions
	}
	return &PseudoEmbedder{dimensions: dimensions}
}

// Embed maps component i to the xxh3 hash of text seeded with i, scaled to
// [-1, 1], then normalizes the vector.
func (e *PseudoEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, e.dimensions)
	var norm float64
	for i := range vec {
		h := xxh3.HashStringSeed(text, uint64(i))
		v := float64(h)/float64(math.MaxUint64)*2 - 1
		vec[i] = v
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// EmbedBatch embeds each text in turn.
func (e *PseudoEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// ModelName returns "pseudo-xxh3".
func (e *PseudoEmbedder) ModelName() string {
	return "pseudo-xxh3"
}

// Dimensions returns the vector size.
func (e *PseudoEmbedder) Dimensions() int {
	return e.dimensions
}
