package storage

import (
	"context"
	"fmt"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// TypeConfiguration is an opaque per-type settings document. Its shape is not
// validated.
type TypeConfiguration = map[string]any

// typeConfigCreator marks records in the reserved partition; they are
// written by the system, not by an identity.
const typeConfigCreator = "system"

// StoreTypeConfiguration replaces the configuration of resourceType.
func StoreTypeConfiguration(ctx context.Context, s ResourceStore, resourceType string, cfg TypeConfiguration) error {
	if resourceType == "" {
		return fmt.Errorf("%w: resource type", core.ErrMissingRequired)
	}
	if cfg == nil {
		cfg = TypeConfiguration{}
	}
	return s.Set(ctx, core.TypeTypeConfig, resourceType, &core.Record{
		Resource:     cfg,
		ResourceType: core.TypeTypeConfig,
		CreatedBy:    typeConfigCreator,
	})
}

// GetTypeConfiguration returns nil, nil when none is stored.
func GetTypeConfiguration(ctx context.Context, s ResourceStore, resourceType string) (TypeConfiguration, error) {
	record, err := s.Get(ctx, core.TypeTypeConfig, resourceType)
	if err != nil || record == nil {
		return nil, err
	}
	return asTypeConfiguration(record.Resource), nil
}

// GetAllTypeConfigurations maps resource type to configuration.
func GetAllTypeConfigurations(ctx context.Context, s ResourceStore) (map[string]TypeConfiguration, error) {
	entries, err := s.GetAllOfType(ctx, core.TypeTypeConfig)
	if err != nil {
		return nil, err
	}
	out := make(map[string]TypeConfiguration, len(entries))
	for _, e := range entries {
		out[e.ID] = asTypeConfiguration(e.Record.Resource)
	}
	return out, nil
}

// DeleteTypeConfiguration removes the configuration of resourceType.
func DeleteTypeConfiguration(ctx context.Context, s ResourceStore, resourceType string) error {
	return s.Delete(ctx, core.TypeTypeConfig, resourceType)
}

func asTypeConfiguration(v any) TypeConfiguration {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return TypeConfiguration{"value": v}
}
