package gateway

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Outcome values for operations that did not fail.
const (
	OutcomeOK = "ok"
)

// Record is the structured observation emitted once per gateway operation.
// Message is redacted before the record leaves the gateway.
type Record struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Level     slog.Level        `json:"level"`
	Operation string            `json:"operation"`
	Backend   types.BackendKind `json:"backend"`
	Target    string            `json:"target,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Rows      int64             `json:"rows"`
	Outcome   string            `json:"outcome"`
	Message   string            `json:"message,omitempty"`
}

// Attrs returns the record as slog attributes.
func (r Record) Attrs() []any {
	attrs := []any{
		"id", r.ID,
		"operation", r.Operation,
		"backend", string(r.Backend),
		"target", r.Target,
		"duration", r.Duration,
		"rows", r.Rows,
		"outcome", r.Outcome,
	}
	if r.Message != "" {
		attrs = append(attrs, "message", r.Message)
	}
	return attrs
}

// Metrics holds the Prometheus collectors fed by gateway records.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpd_gateway_operations_total",
			Help: "Gateway operations by backend, operation and outcome",
		}, []string{"backend", "operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpd_gateway_operation_seconds",
			Help:    "Gateway operation latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"backend", "operation"}),
	}
	reg.MustRegister(m.operations, m.duration)
	return m
}

func (m *Metrics) observe(r Record) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(r.Backend), r.Operation, r.Outcome).Inc()
	m.duration.WithLabelValues(string(r.Backend), r.Operation).Observe(r.Duration.Seconds())
}
