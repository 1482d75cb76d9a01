// Package metrics exposes Prometheus instruments for the executor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records executor metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	statementsTotal   *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	checkpointsTotal  *prometheus.CounterVec
	backgroundTasks   prometheus.Gauge
	runsTotal         *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the executor metrics on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.statementsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_total",
			Help:      "Statements finished, by node type and final status",
		},
		[]string{"node_type", "status"},
	)

	c.statementDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "statement_duration_seconds",
			Help:      "Statement execution time in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"node_type"},
	)

	c.checkpointsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes, by outcome",
		},
		[]string{"outcome"},
	)

	c.backgroundTasks = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_tasks",
			Help:      "Async statements currently running",
		},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs finished, by final status",
		},
		[]string{"status"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// nodeTypeLabel maps expression statements to a fixed label.
func nodeTypeLabel(nodeType string) string {
	if nodeType == "" {
		return "expression"
	}
	return nodeType
}

// RecordStatement records a finished statement.
func (c *Collector) RecordStatement(nodeType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	label := nodeTypeLabel(nodeType)
	c.statementsTotal.WithLabelValues(label, status).Inc()
	if duration > 0 {
		c.statementDuration.WithLabelValues(label).Observe(duration.Seconds())
	}
}

// RecordCheckpoint records a checkpoint write.
func (c *Collector) RecordCheckpoint(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.checkpointsTotal.WithLabelValues(outcome).Inc()
}

// TaskStarted increments the background task gauge.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.backgroundTasks.Inc()
}

// TaskFinished decrements the background task gauge.
func (c *Collector) TaskFinished() {
	if c == nil {
		return
	}
	c.backgroundTasks.Dec()
}

// RecordRun records a finished run.
func (c *Collector) RecordRun(status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
}
