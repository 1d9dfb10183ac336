package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// MemoryStore keeps records in process. Values are held serialized so a
// caller mutating a returned record never changes what is stored.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*memPartition
	closed     bool
}

type memPartition struct {
	order []string
	data  map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]*memPartition)}
}

func (s *MemoryStore) Get(ctx context.Context, resourceType, resourceID string) (*core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}

	p, ok := s.partitions[resourceType]
	if !ok {
		return nil, nil
	}
	data, ok := p.data[resourceID]
	if !ok {
		return nil, nil
	}
	return decodeRecord(data)
}

func (s *MemoryStore) Set(ctx context.Context, resourceType, resourceID string, record *core.Record) error {
	if err := validateKey(resourceType, resourceID); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}

	p := s.partition(resourceType)
	if _, exists := p.data[resourceID]; !exists {
		p.order = append(p.order, resourceID)
	}
	p.data[resourceID] = data
	return nil
}

func (s *MemoryStore) GetAllOfType(ctx context.Context, resourceType string) ([]core.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}

	p, ok := s.partitions[resourceType]
	if !ok {
		return []core.Entry{}, nil
	}
	entries := make([]core.Entry, 0, len(p.order))
	for _, id := range p.order {
		record, err := decodeRecord(p.data[id])
		if err != nil {
			return nil, err
		}
		entries = append(entries, core.Entry{ID: id, Record: record})
	}
	return entries, nil
}

func (s *MemoryStore) GetResourceTypes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}

	all := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		all = append(all, name)
	}
	sort.Strings(all)
	return visibleTypes(all), nil
}

func (s *MemoryStore) EnsureStoreExists(ctx context.Context, resourceType string) error {
	if resourceType == "" {
		return core.ErrMissingRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	s.partition(resourceType)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, resourceType, resourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}

	p, ok := s.partitions[resourceType]
	if !ok {
		return nil
	}
	if _, exists := p.data[resourceID]; !exists {
		return nil
	}
	delete(p.data, resourceID)
	for i, id := range p.order {
		if id == resourceID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// partition must be called with the write lock held.
func (s *MemoryStore) partition(resourceType string) *memPartition {
	p, ok := s.partitions[resourceType]
	if !ok {
		p = &memPartition{data: make(map[string][]byte)}
		s.partitions[resourceType] = p
	}
	return p
}
