// Package modelprovider runs content through pluggable processors and
// records what they produced. Each provider stores its artifacts in the hash
// store and an Output record under model-outputs/{providerID}, so outputs of
// different providers never collide even for the same content.
package modelprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/logging"
)

// Output is the provenance record of one ProcessContent call.
type Output struct {
	ID            string         `json:"id"`
	ModelProvider string         `json:"modelProvider"`
	ContentID     string         `json:"contentId"`
	ContentType   string         `json:"contentType"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Set by the embedding provider
	EmbeddingHash string `json:"embeddingHash,omitempty"`

	// Set by the signature provider
	ContentHash   string `json:"contentHash,omitempty"`
	SignatureHash string `json:"signatureHash,omitempty"`
}

// Provider is a content processor.
type Provider interface {
	ProviderID() string

	// ProcessContent derives artifacts from content and returns the id of
	// the Output recording them.
	ProcessContent(ctx context.Context, content any, contentType, contentID string) (string, error)

	// GetOutput returns nil, nil for unknown ids.
	GetOutput(ctx context.Context, outputID string) (*Output, error)

	FindOutputsForContent(ctx context.Context, contentID string) ([]*Output, error)
}

// Option configures a provider.
type Option func(*outputs)

// WithClock sets the time source stamped on outputs.
func WithClock(now func() time.Time) Option {
	return func(o *outputs) { o.now = now }
}

// outputs is the output bookkeeping shared by the providers.
type outputs struct {
	providerID string
	codec      *codec.Codec
	hashes     *hashstore.Store
	now        func() time.Time
	log        *logging.Logger
}

func newOutputs(providerID string, c *codec.Codec, hashes *hashstore.Store, opts []Option) outputs {
	o := outputs{
		providerID: providerID,
		codec:      c,
		hashes:     hashes,
		now:        time.Now,
		log:        logging.For("modelprovider").WithField("provider", providerID),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ProviderID returns the provider's id.
func (o *outputs) ProviderID() string {
	return o.providerID
}

func (o *outputs) resourceType() string {
	return core.ModelOutputType(o.providerID)
}

func (o *outputs) newOutput(contentType, contentID string, metadata map[string]any) *Output {
	return &Output{
		ID:            uuid.New().String(),
		ModelProvider: o.providerID,
		ContentID:     contentID,
		ContentType:   contentType,
		Timestamp:     o.now().UTC(),
		Metadata:      metadata,
	}
}

// save persists out. Outputs are machine-generated and carry no author.
func (o *outputs) save(ctx context.Context, out *Output) error {
	_, err := o.codec.Encode(ctx, out, o.resourceType(), "", codec.EncodeOptions{
		Imported: true,
		Flat:     true,
		ID:       out.ID,
	})
	if err != nil {
		return fmt.Errorf("save output %s: %w", out.ID, err)
	}
	return nil
}

// GetOutput returns nil, nil when the output does not exist.
func (o *outputs) GetOutput(ctx context.Context, outputID string) (*Output, error) {
	resource, err := o.codec.Decode(ctx, o.resourceType(), outputID)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, nil
	}
	return toOutput(resource)
}

// FindOutputsForContent lists this provider's outputs for contentID, oldest
// first. Listing is informational: a failed scan is logged and yields an
// empty result.
func (o *outputs) FindOutputsForContent(ctx context.Context, contentID string) ([]*Output, error) {
	entries, err := o.codec.Store().GetAllOfType(ctx, o.resourceType())
	if err != nil {
		o.log.WithError(err).Warn("listing outputs for %s failed", contentID)
		return []*Output{}, nil
	}

	found := make([]*Output, 0)
	for _, e := range entries {
		out, err := toOutput(e.Record.Resource)
		if err != nil {
			o.log.WithError(err).Warn("skipping malformed output %s", e.ID)
			continue
		}
		if out.ContentID == contentID {
			found = append(found, out)
		}
	}
	return found, nil
}

func toOutput(resource any) (*Output, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: output: %w", core.ErrInvalidInput, err)
	}
	return &out, nil
}

// contentText is the string form of content fed to embedders and hashes.
func contentText(content any) (string, error) {
	switch v := content.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("%w: content: %w", core.ErrInvalidInput, err)
	}
	return string(data), nil
}
