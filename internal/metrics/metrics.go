// Package metrics declares the Prometheus collectors of the normalizer.
package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "normalizer",
	Subsystem: "engine",
	Name:      "operations",
}, []string{"operation", "mode", "result"})

var OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "normalizer",
	Subsystem: "engine",
	Name:      "operation_duration_seconds",
	Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
}, []string{"operation", "mode"})

var SchedulerLevels = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "normalizer",
	Subsystem: "scheduler",
	Name:      "levels",
	Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
})

var InitializerBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "normalizer",
	Subsystem: "initializer",
	Name:      "batches",
}, []string{"kind"})

var InitializerBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "normalizer",
	Subsystem: "initializer",
	Name:      "batch_size",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
}, []string{"kind"})

var FlushStatements = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "normalizer",
	Subsystem: "store",
	Name:      "flush_statements",
}, []string{"op"})

// Collectors returns every collector of the package
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Operations,
		OperationDuration,
		SchedulerLevels,
		InitializerBatches,
		InitializerBatchSize,
		FlushStatements,
	}
}

// Register registers every collector with reg
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Write gathers g and writes it in the Prometheus text format
func Write(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
