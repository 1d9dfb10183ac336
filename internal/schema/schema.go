// Package schema manages schema references: typed objects whose property
// values live in the hash store and are referenced by hash, so identical
// values are shared across schema instances.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
	"github.com/quantumlife/knowledgebase/internal/logging"
)

// Relationship links a schema to another schema instance.
type Relationship struct {
	Type             string `json:"type"`
	TargetSchemaType string `json:"targetSchemaType"`
	TargetSchemaID   string `json:"targetSchemaId"`
}

// Reference is the stored form of a schema instance. It never holds raw
// property values, only their hashes.
type Reference struct {
	SchemaType    string            `json:"schemaType"`
	SchemaID      string            `json:"schemaId"`
	References    map[string]string `json:"references"`
	Relationships []Relationship    `json:"relationships"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// IdentitySource supplies the identity schemas are attributed to.
// identity.Provider satisfies it.
type IdentitySource interface {
	CurrentIdentityID() string
}

// Manager creates and reads schema references.
type Manager struct {
	codec  *codec.Codec
	hashes *hashstore.Store
	ids    IdentitySource
	now    func() time.Time
	intn   func(n int) int
	log    *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdentitySource attributes stored schemas to the source's current
// identity. Without one, or with no active identity, schemas are stored as
// imported.
func WithIdentitySource(src IdentitySource) Option {
	return func(m *Manager) { m.ids = src }
}

// WithClock sets the time source used by GenerateID.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a schema manager.
func NewManager(c *codec.Codec, hashes *hashstore.Store, opts ...Option) *Manager {
	m := &Manager{
		codec:  c,
		hashes: hashes,
		now:    time.Now,
		intn:   rand.IntN,
		log:    logging.For("schema"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSchema stores every non-nil property in the hash store and persists
// the reference under schemas/{schemaType}.
func (m *Manager) CreateSchema(ctx context.Context, schemaType, schemaID string, properties map[string]any, relationships []Relationship, metadata map[string]any) (*Reference, error) {
	if schemaType == "" || schemaID == "" {
		return nil, fmt.Errorf("%w: schema type and id", core.ErrMissingRequired)
	}

	refs, err := m.storeProperties(ctx, properties)
	if err != nil {
		return nil, err
	}
	if relationships == nil {
		relationships = []Relationship{}
	}

	ref := &Reference{
		SchemaType:    schemaType,
		SchemaID:      schemaID,
		References:    refs,
		Relationships: relationships,
		Metadata:      metadata,
	}
	if err := m.save(ctx, ref); err != nil {
		return nil, err
	}
	m.log.WithFields(map[string]interface{}{"type": schemaType, "id": schemaID}).Debug("schema created")
	return ref, nil
}

// UpdateSchema merges properties into an existing schema. A nil value removes
// the property. Metadata, when given, replaces the old metadata.
func (m *Manager) UpdateSchema(ctx context.Context, schemaType, schemaID string, properties map[string]any, metadata map[string]any) (*Reference, error) {
	ref, err := m.GetReference(ctx, schemaType, schemaID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: schema %s/%s", core.ErrRecordNotFound, schemaType, schemaID)
	}

	for name, value := range properties {
		if value == nil {
			delete(ref.References, name)
		}
	}
	refs, err := m.storeProperties(ctx, properties)
	if err != nil {
		return nil, err
	}
	for name, hash := range refs {
		ref.References[name] = hash
	}
	if metadata != nil {
		ref.Metadata = metadata
	}

	if err := m.save(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// GetReference loads the stored reference. Missing schemas return nil, nil.
func (m *Manager) GetReference(ctx context.Context, schemaType, schemaID string) (*Reference, error) {
	resource, err := m.codec.Decode(ctx, core.SchemaType(schemaType), schemaID)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, nil
	}
	return toReference(resource)
}

// GetSchema reassembles a schema into a flat object:
// {"@type", "@id", ...properties, "relationships", "metadata"?}.
// Properties whose hash no longer resolves are left out. Missing schemas
// return nil, nil.
func (m *Manager) GetSchema(ctx context.Context, schemaType, schemaID string) (map[string]any, error) {
	ref, err := m.GetReference(ctx, schemaType, schemaID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	return m.assemble(ctx, ref)
}

// AddRelationship appends a relationship to the source schema unless the same
// (type, target type, target id) is already present. It returns false when
// the source schema does not exist.
func (m *Manager) AddRelationship(ctx context.Context, sourceType, sourceID, relType, targetType, targetID string) (bool, error) {
	ref, err := m.GetReference(ctx, sourceType, sourceID)
	if err != nil {
		return false, err
	}
	if ref == nil {
		return false, nil
	}

	rel := Relationship{Type: relType, TargetSchemaType: targetType, TargetSchemaID: targetID}
	for _, existing := range ref.Relationships {
		if existing == rel {
			return true, nil
		}
	}
	ref.Relationships = append(ref.Relationships, rel)

	if err := m.save(ctx, ref); err != nil {
		return false, err
	}
	return true, nil
}

// GetRelatedSchemas returns the assembled targets of the schema's
// relationships, optionally only those of relType. Each result carries the
// traversed relationship under "relationshipType". Targets that do not exist
// are skipped.
func (m *Manager) GetRelatedSchemas(ctx context.Context, schemaType, schemaID, relType string) ([]map[string]any, error) {
	ref, err := m.GetReference(ctx, schemaType, schemaID)
	if err != nil {
		return nil, err
	}
	related := []map[string]any{}
	if ref == nil {
		return related, nil
	}

	for _, rel := range ref.Relationships {
		if relType != "" && rel.Type != relType {
			continue
		}
		target, err := m.GetSchema(ctx, rel.TargetSchemaType, rel.TargetSchemaID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			continue
		}
		target["relationshipType"] = rel.Type
		related = append(related, target)
	}
	return related, nil
}

// ListSchemas returns the references stored for schemaType in insertion order.
func (m *Manager) ListSchemas(ctx context.Context, schemaType string) ([]*Reference, error) {
	entries, err := m.codec.Store().GetAllOfType(ctx, core.SchemaType(schemaType))
	if err != nil {
		return nil, err
	}
	refs := make([]*Reference, 0, len(entries))
	for _, e := range entries {
		ref, err := toReference(e.Record.Resource)
		if err != nil {
			return nil, fmt.Errorf("schema %s/%s: %w", schemaType, e.ID, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// GenerateID returns {slug}-{unix millis}-{0..999}, where slug comes from
// baseName or, if empty, schemaType. Uniqueness is likely, not guaranteed.
func (m *Manager) GenerateID(schemaType, baseName string) string {
	base := baseName
	if base == "" {
		base = schemaType
	}
	slug := Slug(base)
	if slug == "" {
		slug = "schema"
	}
	return fmt.Sprintf("%s-%d-%d", slug, m.now().UnixMilli(), m.intn(1000))
}

// Slug lowercases s and collapses every run of non-alphanumerics into "-".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (m *Manager) storeProperties(ctx context.Context, properties map[string]any) (map[string]string, error) {
	refs := make(map[string]string, len(properties))
	for name, value := range properties {
		if value == nil {
			continue
		}
		hash, err := m.hashes.Store(ctx, value, valueType(value), nil)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		refs[name] = hash
	}
	return refs, nil
}

func (m *Manager) save(ctx context.Context, ref *Reference) error {
	var identityID string
	if m.ids != nil {
		identityID = m.ids.CurrentIdentityID()
	}
	_, err := m.codec.Encode(ctx, ref, core.SchemaType(ref.SchemaType), identityID, codec.EncodeOptions{
		Imported: identityID == "",
		Flat:     true,
		ID:       ref.SchemaID,
	})
	return err
}

func (m *Manager) assemble(ctx context.Context, ref *Reference) (map[string]any, error) {
	out := map[string]any{
		"@type": ref.SchemaType,
		"@id":   ref.SchemaID,
	}

	names := make([]string, 0, len(ref.References))
	for name := range ref.References {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pv, err := m.hashes.Retrieve(ctx, ref.References[name])
		if err != nil {
			return nil, err
		}
		if pv == nil {
			m.log.WithFields(map[string]interface{}{"schema": ref.SchemaID, "property": name}).Warn("property hash does not resolve")
			continue
		}
		out[name] = pv.Value
	}

	out["relationships"] = ref.Relationships
	if ref.Metadata != nil {
		out["metadata"] = ref.Metadata
	}
	return out, nil
}

func toReference(resource any) (*Reference, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	var ref Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}
	if ref.References == nil {
		ref.References = map[string]string{}
	}
	if ref.Relationships == nil {
		ref.Relationships = []Relationship{}
	}
	return &ref, nil
}

// valueType names the JSON type of a property value.
func valueType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "object"
	}
}
