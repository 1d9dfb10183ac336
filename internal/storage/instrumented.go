package storage

import (
	"context"
	"time"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/metrics"
)

// Instrumented wraps a ResourceStore and records every call.
type Instrumented struct {
	next    ResourceStore
	metrics *metrics.StoreMetrics
}

// NewInstrumented wraps next. A nil m returns next unchanged.
func NewInstrumented(next ResourceStore, m *metrics.StoreMetrics) ResourceStore {
	if m == nil {
		return next
	}
	return &Instrumented{next: next, metrics: m}
}

func (s *Instrumented) Get(ctx context.Context, resourceType, resourceID string) (*core.Record, error) {
	start := time.Now()
	record, err := s.next.Get(ctx, resourceType, resourceID)
	s.metrics.Observe("get", resourceType, start, err)
	return record, err
}

func (s *Instrumented) Set(ctx context.Context, resourceType, resourceID string, record *core.Record) error {
	start := time.Now()
	err := s.next.Set(ctx, resourceType, resourceID, record)
	s.metrics.Observe("set", resourceType, start, err)
	return err
}

func (s *Instrumented) GetAllOfType(ctx context.Context, resourceType string) ([]core.Entry, error) {
	start := time.Now()
	entries, err := s.next.GetAllOfType(ctx, resourceType)
	s.metrics.Observe("scan", resourceType, start, err)
	return entries, err
}

func (s *Instrumented) GetResourceTypes(ctx context.Context) ([]string, error) {
	start := time.Now()
	types, err := s.next.GetResourceTypes(ctx)
	s.metrics.Observe("types", "", start, err)
	return types, err
}

func (s *Instrumented) EnsureStoreExists(ctx context.Context, resourceType string) error {
	start := time.Now()
	err := s.next.EnsureStoreExists(ctx, resourceType)
	s.metrics.Observe("ensure", resourceType, start, err)
	return err
}

func (s *Instrumented) Delete(ctx context.Context, resourceType, resourceID string) error {
	start := time.Now()
	err := s.next.Delete(ctx, resourceType, resourceID)
	s.metrics.Observe("delete", resourceType, start, err)
	return err
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

// Unwrap returns the decorated store.
func (s *Instrumented) Unwrap() ResourceStore {
	return s.next
}
