// Package codec encodes nested resources into flat records and back.
//
// Encode extracts every embedded resource (an object with a type indicator)
// into its own record and leaves a pointer in its place. Decode resolves the
// pointers again, so decode(encode(x)) reproduces x.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/logging"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

// EncodeOptions controls attribution and extraction.
type EncodeOptions struct {
	// Imported records need no creator identity.
	Imported bool
	// Signed defaults to !Imported when nil.
	Signed *bool
	// Flat stores the resource as is, without extracting embedded resources.
	Flat bool
	// ID stores the top-level record under this id instead of the one read
	// from the resource.
	ID string
}

func (o EncodeOptions) signed() bool {
	if o.Signed != nil {
		return *o.Signed
	}
	return !o.Imported
}

// Bool is a helper for EncodeOptions.Signed.
func Bool(b bool) *bool { return &b }

// Codec encodes and decodes resources against a ResourceStore.
type Codec struct {
	store  storage.ResourceStore
	signer Signer
	now    func() time.Time
	log    *logging.Logger

	idMu     sync.Mutex
	idMillis int64
	idSeq    map[string]int // per {resourceType}_{millis}, reset each millisecond
}

// Option configures a Codec.
type Option func(*Codec)

// WithSigner replaces the default MockSigner.
func WithSigner(s Signer) Option {
	return func(c *Codec) { c.signer = s }
}

// WithClock sets the time source for ids and signature timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New creates a codec over store.
func New(store storage.ResourceStore, opts ...Option) *Codec {
	c := &Codec{
		store:  store,
		signer: MockSigner{},
		now:    time.Now,
		log:    logging.For("codec"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying resource store.
func (c *Codec) Store() storage.ResourceStore {
	return c.store
}

// Encode stores resource under resourceType and returns its id. The id comes
// from the resource's "id" or "@id" field, or is synthesized as
// {resourceType}_{unix millis}. Embedded resources are stored first, under the
// same resourceType, and an existing record with the same id is never
// overwritten by an embedded copy.
func (c *Codec) Encode(ctx context.Context, resource any, resourceType, identityID string, opts EncodeOptions) (string, error) {
	if resourceType == "" {
		return "", fmt.Errorf("%w: resource type", core.ErrMissingRequired)
	}
	if !opts.Imported && identityID == "" {
		return "", core.ErrMissingCreator
	}

	normalized, err := Normalize(resource)
	if err != nil {
		return "", err
	}
	root := Classify(normalized)

	id := opts.ID
	opts.ID = ""
	if id == "" {
		id = c.idFor(root, resourceType)
	}
	return c.encodeNode(ctx, root, id, resourceType, identityID, opts)
}

func (c *Codec) idFor(n *Node, resourceType string) string {
	if id, ok := n.ID(); ok {
		return id
	}
	return c.synthesizeID(resourceType)
}

func (c *Codec) encodeNode(ctx context.Context, n *Node, id, resourceType, identityID string, opts EncodeOptions) (string, error) {
	if !opts.Flat {
		if err := c.extract(ctx, n, resourceType, identityID, opts); err != nil {
			return "", err
		}
	}

	record := &core.Record{
		Resource:     n.Value(),
		ResourceType: resourceType,
		Imported:     opts.Imported,
	}
	if identityID != "" {
		record.CreatedBy = identityID
		if opts.signed() {
			sig, err := c.signature(ctx, record, identityID)
			if err != nil {
				return "", err
			}
			record.Signatures = append(record.Signatures, sig)
		}
	}

	if err := c.store.Set(ctx, resourceType, id, record); err != nil {
		return "", fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
	}
	return id, nil
}

// extract replaces embedded children of n with pointers, storing each one
// before its parent.
func (c *Codec) extract(ctx context.Context, n *Node, resourceType, identityID string, opts EncodeOptions) error {
	replace := func(child *Node) (*Node, error) {
		if child.Kind != KindEmbedded {
			return child, c.extract(ctx, child, resourceType, identityID, opts)
		}

		childID, ok := child.ID()
		if !ok {
			childID = c.synthesizeID(resourceType)
		} else {
			existing, err := c.store.Get(ctx, resourceType, childID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				// First write wins
				return &Node{Kind: KindPointer, Ref: core.Pointer{ResourceType: resourceType, ResourceID: childID}}, nil
			}
		}

		// Root-level semantics for the child: its own embedded values are
		// extracted, it is stored under its own id.
		child.Kind = KindInline
		storedID, err := c.encodeNode(ctx, child, childID, resourceType, identityID, opts)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindPointer, Ref: core.Pointer{ResourceType: resourceType, ResourceID: storedID}}, nil
	}

	switch {
	case n.Fields != nil:
		for _, k := range n.keys() {
			replaced, err := replace(n.Fields[k])
			if err != nil {
				return err
			}
			n.Fields[k] = replaced
		}
	case n.IsArray:
		for i, item := range n.Items {
			replaced, err := replace(item)
			if err != nil {
				return err
			}
			n.Items[i] = replaced
		}
	}
	return nil
}

// synthesizeID returns {resourceType}_{unix millis}, with a _N suffix when
// several ids for the same type are issued within the same millisecond.
func (c *Codec) synthesizeID(resourceType string) string {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	millis := c.now().UnixMilli()
	if millis != c.idMillis || c.idSeq == nil {
		c.idMillis = millis
		c.idSeq = make(map[string]int)
	}

	base := fmt.Sprintf("%s_%d", resourceType, millis)
	n := c.idSeq[base]
	c.idSeq[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}

// Decode returns the resource with every pointer resolved, or nil, nil when
// the record does not exist. The stored record is never modified.
func (c *Codec) Decode(ctx context.Context, resourceType, resourceID string) (any, error) {
	record, err := c.store.Get(ctx, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, resourceID, err)
	}
	if record == nil {
		return nil, nil
	}
	visiting := map[core.Pointer]bool{{ResourceType: resourceType, ResourceID: resourceID}: true}
	return c.resolve(ctx, record.Resource, visiting)
}

// Resolve expands the pointers inside an already loaded resource.
func (c *Codec) Resolve(ctx context.Context, resource any) (any, error) {
	normalized, err := Normalize(resource)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, normalized, map[core.Pointer]bool{})
}

func (c *Codec) resolve(ctx context.Context, resource any, visiting map[core.Pointer]bool) (any, error) {
	root := Classify(resource)
	if err := c.resolveNode(ctx, root, visiting); err != nil {
		return nil, err
	}
	return root.Value(), nil
}

func (c *Codec) resolveNode(ctx context.Context, n *Node, visiting map[core.Pointer]bool) error {
	switch {
	case n.Fields != nil:
		for _, k := range n.keys() {
			resolved, err := c.resolveChild(ctx, n.Fields[k], visiting)
			if err != nil {
				return err
			}
			n.Fields[k] = resolved
		}
	case n.IsArray:
		for i, item := range n.Items {
			resolved, err := c.resolveChild(ctx, item, visiting)
			if err != nil {
				return err
			}
			n.Items[i] = resolved
		}
	}
	return nil
}

func (c *Codec) resolveChild(ctx context.Context, n *Node, visiting map[core.Pointer]bool) (*Node, error) {
	if n.Kind != KindPointer {
		return n, c.resolveNode(ctx, n, visiting)
	}

	// A pointer back into the current path stays a pointer
	if visiting[n.Ref] {
		return n, nil
	}

	record, err := c.store.Get(ctx, n.Ref.ResourceType, n.Ref.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", n.Ref.ResourceType, n.Ref.ResourceID, err)
	}
	if record == nil {
		c.log.WithFields(map[string]interface{}{
			"type": n.Ref.ResourceType,
			"id":   n.Ref.ResourceID,
		}).Warn("dangling pointer left unresolved")
		return n, nil
	}

	visiting[n.Ref] = true
	defer delete(visiting, n.Ref)

	inner := classify(record.Resource)
	if inner.Kind == KindPointer {
		return inner, nil
	}
	if err := c.resolveNode(ctx, inner, visiting); err != nil {
		return nil, err
	}
	return inner, nil
}

// SignRecord appends a signature by identityID to a stored record. Signing
// twice appends twice.
func (c *Codec) SignRecord(ctx context.Context, resourceType, resourceID, identityID string) error {
	if identityID == "" {
		return core.ErrNoActiveIdentity
	}
	record, err := c.store.Get(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: %s/%s", core.ErrRecordNotFound, resourceType, resourceID)
	}

	sig, err := c.signature(ctx, record, identityID)
	if err != nil {
		return err
	}
	record.Signatures = append(record.Signatures, sig)
	return c.store.Set(ctx, resourceType, resourceID, record)
}

// IsSignedBy reports whether identityID signed the stored record. A missing
// record is not signed by anyone.
func (c *Codec) IsSignedBy(ctx context.Context, resourceType, resourceID, identityID string) (bool, error) {
	record, err := c.store.Get(ctx, resourceType, resourceID)
	if err != nil {
		return false, err
	}
	return record.IsSignedBy(identityID), nil
}

func (c *Codec) signature(ctx context.Context, record *core.Record, identityID string) (core.Signature, error) {
	payload, err := SigningPayload(record)
	if err != nil {
		return core.Signature{}, err
	}
	value, err := c.signer.Sign(ctx, identityID, payload)
	if err != nil {
		return core.Signature{}, fmt.Errorf("sign as %s: %w", identityID, err)
	}
	return core.Signature{
		IdentityID: identityID,
		Timestamp:  c.now().UTC(),
		Signature:  value,
	}, nil
}

// SigningPayload is the byte string a signature covers: the resource type
// and the pointer-substituted resource.
func SigningPayload(record *core.Record) ([]byte, error) {
	data, err := json.Marshal(struct {
		ResourceType string `json:"resourceType"`
		Resource     any    `json:"resource"`
	}{record.ResourceType, record.Resource})
	if err != nil {
		return nil, fmt.Errorf("%w: serialize record: %w", core.ErrInvalidInput, err)
	}
	return data, nil
}

// Normalize converts v into a JSON-shaped tree (maps, slices, scalars) and
// deep-copies it on the way.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: resource is not JSON-serializable: %w", core.ErrInvalidInput, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
