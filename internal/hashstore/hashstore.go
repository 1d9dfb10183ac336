// Package hashstore is a content-addressed store of primitive values layered
// on a ResourceStore. A value is keyed by the BLAKE3 hash of its serialized
// form, so equal values are stored once and shared.
package hashstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/zeebo/blake3"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/logging"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

// PrimitiveValue is one hash store entry.
type PrimitiveValue struct {
	Value    any            `json:"value"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Cache is the read-through cache in front of the store. Entries never change
// once written, so the cache needs no invalidation.
type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Store is the hash store.
type Store struct {
	store storage.ResourceStore
	cache Cache
	log   *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCache puts c in front of the resource store.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// New creates a hash store over store.
func New(store storage.ResourceStore, opts ...Option) *Store {
	s := &Store{store: store, log: logging.For("hashstore")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashValue returns the hex BLAKE3-256 of v. Strings are hashed as is,
// everything else as its JSON encoding. encoding/json writes map keys sorted,
// so key order does not affect the hash.
func HashValue(v any) (string, error) {
	var data []byte
	if s, ok := v.(string); ok {
		data = []byte(s)
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: serialize value: %w", core.ErrInvalidInput, err)
		}
		data = b
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Store saves v under its hash and returns the hash. Storing equal content
// again rewrites the same entry.
func (s *Store) Store(ctx context.Context, v any, valueType string, metadata map[string]any) (string, error) {
	hash, err := HashValue(v)
	if err != nil {
		return "", err
	}

	pv := PrimitiveValue{Value: v, Type: valueType, Metadata: metadata}
	record := &core.Record{
		Resource:     pv,
		ResourceType: core.TypePrimitives,
		// Content-addressed entries have no author
		Imported: true,
	}
	if err := s.store.Set(ctx, core.TypePrimitives, hash, record); err != nil {
		return "", fmt.Errorf("store primitive %s: %w", hash, err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(pv); err == nil {
			if err := s.cache.Set(cacheKey(hash), data); err != nil {
				s.log.WithError(err).Debug("cache write failed")
			}
		}
	}
	return hash, nil
}

// Retrieve returns nil, nil when hash is unknown.
func (s *Store) Retrieve(ctx context.Context, hash string) (*PrimitiveValue, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(cacheKey(hash)); err == nil {
			var pv PrimitiveValue
			if err := json.Unmarshal(data, &pv); err == nil {
				return &pv, nil
			}
		} else if !errors.Is(err, memcache.ErrCacheMiss) {
			s.log.WithError(err).Debug("cache read failed")
		}
	}

	record, err := s.store.Get(ctx, core.TypePrimitives, hash)
	if err != nil {
		return nil, fmt.Errorf("retrieve primitive %s: %w", hash, err)
	}
	if record == nil {
		return nil, nil
	}

	pv, err := toPrimitive(record.Resource)
	if err != nil {
		return nil, fmt.Errorf("primitive %s: %w", hash, err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(pv); err == nil {
			s.cache.Set(cacheKey(hash), data)
		}
	}
	return pv, nil
}

// Exists reports whether v is stored.
func (s *Store) Exists(ctx context.Context, v any) (bool, error) {
	hash, err := HashValue(v)
	if err != nil {
		return false, err
	}
	pv, err := s.Retrieve(ctx, hash)
	if err != nil {
		return false, err
	}
	return pv != nil, nil
}

// All lists every stored entry keyed by hash.
func (s *Store) All(ctx context.Context) (map[string]*PrimitiveValue, error) {
	entries, err := s.store.GetAllOfType(ctx, core.TypePrimitives)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*PrimitiveValue, len(entries))
	for _, e := range entries {
		pv, err := toPrimitive(e.Record.Resource)
		if err != nil {
			return nil, fmt.Errorf("primitive %s: %w", e.ID, err)
		}
		out[e.ID] = pv
	}
	return out, nil
}

// toPrimitive converts the stored (JSON-decoded) resource back into a
// PrimitiveValue.
func toPrimitive(resource any) (*PrimitiveValue, error) {
	if pv, ok := resource.(PrimitiveValue); ok {
		return &pv, nil
	}
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	var pv PrimitiveValue
	if err := json.Unmarshal(data, &pv); err != nil {
		return nil, err
	}
	return &pv, nil
}

func cacheKey(hash string) string {
	return "kb:prim:" + hash
}

// Memcached adapts a memcached client to Cache.
type Memcached struct {
	client *memcache.Client
}

// NewMemcached connects to the given servers.
func NewMemcached(servers ...string) *Memcached {
	return &Memcached{client: memcache.New(servers...)}
}

func (m *Memcached) Get(key string) ([]byte, error) {
	item, err := m.client.Get(key)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (m *Memcached) Set(key string, value []byte) error {
	return m.client.Set(&memcache.Item{Key: key, Value: value})
}

// Ping checks the servers are reachable.
func (m *Memcached) Ping() error {
	return m.client.Ping()
}
