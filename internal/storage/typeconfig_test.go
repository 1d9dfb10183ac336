package storage

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantumlife/knowledgebase/internal/config"
	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/metrics"
)

func TestTypeConfiguration_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	got, err := GetTypeConfiguration(ctx, s, "Person")
	if err != nil || got != nil {
		t.Fatalf("GetTypeConfiguration() = %v, %v; want nil, nil", got, err)
	}

	cfg := TypeConfiguration{"displayField": "name", "icon": "user"}
	if err := StoreTypeConfiguration(ctx, s, "Person", cfg); err != nil {
		t.Fatalf("StoreTypeConfiguration() error = %v", err)
	}
	StoreTypeConfiguration(ctx, s, "Place", TypeConfiguration{"icon": "pin"})

	got, err = GetTypeConfiguration(ctx, s, "Person")
	if err != nil {
		t.Fatalf("GetTypeConfiguration() error = %v", err)
	}
	if got["displayField"] != "name" {
		t.Errorf("displayField = %v", got["displayField"])
	}

	all, err := GetAllTypeConfigurations(ctx, s)
	if err != nil {
		t.Fatalf("GetAllTypeConfigurations() error = %v", err)
	}
	if len(all) != 2 || all["Place"]["icon"] != "pin" {
		t.Errorf("GetAllTypeConfigurations() = %v", all)
	}

	// Reserved partition never surfaces as a resource type
	types, _ := s.GetResourceTypes(ctx)
	for _, ty := range types {
		if ty == core.TypeTypeConfig {
			t.Error("type config partition listed as a resource type")
		}
	}

	if err := DeleteTypeConfiguration(ctx, s, "Person"); err != nil {
		t.Fatalf("DeleteTypeConfiguration() error = %v", err)
	}
	got, _ = GetTypeConfiguration(ctx, s, "Person")
	if got != nil {
		t.Errorf("configuration survived delete: %v", got)
	}
}

func TestStoreTypeConfiguration_AcceptsAnyShape(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := StoreTypeConfiguration(ctx, s, "Odd", nil); err != nil {
		t.Fatalf("StoreTypeConfiguration(nil) error = %v", err)
	}
	got, _ := GetTypeConfiguration(ctx, s, "Odd")
	if got == nil || len(got) != 0 {
		t.Errorf("GetTypeConfiguration() = %v, want empty map", got)
	}

	nested := TypeConfiguration{"fields": []any{map[string]any{"name": "a"}}}
	if err := StoreTypeConfiguration(ctx, s, "Nested", nested); err != nil {
		t.Fatalf("StoreTypeConfiguration() error = %v", err)
	}
}

func TestInstrumented_PassesThrough(t *testing.T) {
	ctx := context.Background()
	m, err := metrics.NewStoreMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewStoreMetrics() error = %v", err)
	}

	s := NewInstrumented(NewMemoryStore(), m)
	if _, ok := s.(*Instrumented); !ok {
		t.Fatalf("NewInstrumented() = %T, want *Instrumented", s)
	}

	if err := s.Set(ctx, "Person", "p1", record("Person", "x")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "Person", "p1")
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	if plain := NewInstrumented(NewMemoryStore(), nil); plain == nil {
		t.Error("NewInstrumented(nil metrics) returned nil")
	} else if _, ok := plain.(*MemoryStore); !ok {
		t.Errorf("NewInstrumented(nil metrics) = %T, want the store itself", plain)
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	s, err := OpenBackend(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("OpenBackend(memory) error = %v", err)
	}
	s.Close()

	cfg = config.Default()
	cfg.DataDir = t.TempDir()
	s, err = OpenBackend(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("OpenBackend(sqlite) error = %v", err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("OpenBackend(sqlite) = %T", s)
	}
	s.Close()

	cfg.Storage.Backend = "cassandra"
	if _, err := OpenBackend(ctx, cfg, nil); err == nil {
		t.Error("OpenBackend() should reject an unknown backend")
	}
}
