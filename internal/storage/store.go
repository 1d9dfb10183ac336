// Package storage provides persistence for the knowledge base.
//
// Every backend implements ResourceStore: records keyed by
// (resourceType, resourceID), partitions created on demand, reads of a
// missing record returning (nil, nil).
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// ResourceStore is the persistence contract shared by all backends.
type ResourceStore interface {
	// Get returns nil, nil when the record or its partition does not exist.
	Get(ctx context.Context, resourceType, resourceID string) (*core.Record, error)

	// Set writes the record, creating the partition first if needed.
	Set(ctx context.Context, resourceType, resourceID string, record *core.Record) error

	// GetAllOfType scans a partition in insertion order.
	GetAllOfType(ctx context.Context, resourceType string) ([]core.Entry, error)

	// GetResourceTypes lists partitions, reserved ones excluded.
	GetResourceTypes(ctx context.Context) ([]string, error)

	// EnsureStoreExists creates the partition if missing. Idempotent.
	EnsureStoreExists(ctx context.Context, resourceType string) error

	// Delete removes one entry. Callers only use it on reserved partitions.
	Delete(ctx context.Context, resourceType, resourceID string) error

	Close() error
}

// VersionError reports a schema version that moved underneath an upgrade.
type VersionError struct {
	Expected int
	Actual   int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("schema version mismatch: expected %d, found %d", e.Expected, e.Actual)
}

func validateKey(resourceType, resourceID string) error {
	if resourceType == "" {
		return fmt.Errorf("%w: resource type", core.ErrMissingRequired)
	}
	if resourceID == "" {
		return fmt.Errorf("%w: resource id", core.ErrMissingRequired)
	}
	return nil
}

func encodeRecord(record *core.Record) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: nil record", core.ErrInvalidInput)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*core.Record, error) {
	var record core.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

func visibleTypes(all []string) []string {
	types := make([]string, 0, len(all))
	for _, t := range all {
		if !core.IsReserved(t) {
			types = append(types, t)
		}
	}
	return types
}
