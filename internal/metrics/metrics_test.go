package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClass(t *testing.T) {
	tests := map[string]string{
		"":                    "all",
		"__type_config":       "reserved",
		"schemas/Person":      "schema",
		"model-outputs/embed": "model_output",
		"identities":          "session",
		"users":               "session",
		"primitives":          "primitive",
		"Person":              "resource",
	}
	for in, want := range tests {
		assert.Equal(t, want, Class(in), "Class(%q)", in)
	}
}

func TestStoreMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewStoreMetrics(reg)
	require.NoError(t, err)

	m.Observe("get", "Person", time.Now(), nil)
	m.Observe("get", "Person", time.Now(), errors.New("boom"))
	m.PartitionCreated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "resource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("get", "resource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upgrades))
}

func TestStoreMetrics_NilIsNoop(t *testing.T) {
	m, err := NewStoreMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Must not panic
	m.Observe("set", "Person", time.Now(), nil)
	m.PartitionCreated()
}

func TestNewStoreMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewStoreMetrics(reg)
	require.NoError(t, err)

	_, err = NewStoreMetrics(reg)
	assert.Error(t, err)
}
