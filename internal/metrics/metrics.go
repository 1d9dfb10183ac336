// Package metrics exposes Prometheus collectors for the knowledge base.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kb"

// StoreMetrics counts resource store traffic.
type StoreMetrics struct {
	ops      *prometheus.CounterVec   // By op and class
	errors   *prometheus.CounterVec   // By op and class
	duration *prometheus.HistogramVec // By op
	upgrades prometheus.Counter
}

// NewStoreMetrics creates the store collectors and registers them with reg.
// A nil registry disables metrics and yields a nil *StoreMetrics, whose
// methods are no-ops.
func NewStoreMetrics(reg prometheus.Registerer) (*StoreMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &StoreMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Resource store operations by operation and partition class",
		}, []string{"op", "class"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Resource store operations that returned an error",
		}, []string{"op", "class"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Resource store operation latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),

		upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "partitions_created_total",
			Help:      "Partitions created on demand",
		}),
	}

	for _, c := range []prometheus.Collector{m.ops, m.errors, m.duration, m.upgrades} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one finished operation.
func (m *StoreMetrics) Observe(op, resourceType string, started time.Time, err error) {
	if m == nil {
		return
	}
	class := Class(resourceType)
	m.ops.WithLabelValues(op, class).Inc()
	if err != nil {
		m.errors.WithLabelValues(op, class).Inc()
	}
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// PartitionCreated counts an EnsureStoreExists that added a partition.
func (m *StoreMetrics) PartitionCreated() {
	if m == nil {
		return
	}
	m.upgrades.Inc()
}

// Class buckets resource types so label cardinality stays bounded.
func Class(resourceType string) string {
	switch {
	case resourceType == "":
		return "all"
	case strings.HasPrefix(resourceType, "__"):
		return "reserved"
	case strings.HasPrefix(resourceType, "schemas/"):
		return "schema"
	case strings.HasPrefix(resourceType, "model-outputs/"):
		return "model_output"
	case resourceType == "identities", resourceType == "users":
		return "session"
	case resourceType == "primitives":
		return "primitive"
	default:
		return "resource"
	}
}
