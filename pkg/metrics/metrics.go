// Package metrics contains a sink interface to be used by clients to implement sink.
// It also provides a default NoopSink and LogSink for convenience
package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Metric types.
const (
	UNKNOWN byte = iota
	COUNTER
	GAUGE
)

const (
	SinkTimeout = 1 * time.Second

	TablesLoadedMetricName        = "metadata_tables_loaded"
	TablesFailedMetricName        = "metadata_tables_failed"
	BatchDispatchedMetricName     = "metadata_batch_dispatched"
	BatchSizeMetricName           = "metadata_batch_size"
	DiscoveredTablesMetricName    = "metadata_discovered_tables"
	DiscoveryTimeMetricName       = "metadata_discovery_time_ms"
	LoadPassTimeMetricName        = "metadata_load_pass_time_ms"
	ConnectionAcquireTimeMetric   = "dbconn_acquire_time_ms"
	ConnectionAcquireFailedMetric = "dbconn_acquire_failed"
)

// Metrics are collection of MetricValues.
type Metrics struct {
	Values []MetricValue
}

type MetricValue struct {
	// Name is the metric name
	Name string

	// Value is the value of the metric.
	Value float64

	// Type is the metric type: GAUGE, COUNTER, and other const.
	Type byte
}

// Counter is shorthand for a COUNTER MetricValue.
func Counter(name string, value float64) MetricValue {
	return MetricValue{Name: name, Value: value, Type: COUNTER}
}

// Gauge is shorthand for a GAUGE MetricValue.
func Gauge(name string, value float64) MetricValue {
	return MetricValue{Name: name, Value: value, Type: GAUGE}
}

// Sink sends metrics to an external destination.
type Sink interface {
	// Send sends metrics to the sink. It must respect the context timeout, if any.
	Send(ctx context.Context, metrics *Metrics) error
}

// Send delivers values to the sink bounded by SinkTimeout. Metrics are
// best effort: a failing sink is logged and never fails the caller.
func Send(ctx context.Context, sink Sink, logger *slog.Logger, values ...MetricValue) {
	if sink == nil || len(values) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SinkTimeout)
	defer cancel()
	if err := sink.Send(ctx, &Metrics{Values: values}); err != nil {
		logger.Warn("failed to send metrics", "error", err)
	}
}

// NoopSink is the default sink which does nothing
type NoopSink struct{}

func (s *NoopSink) Send(ctx context.Context, m *Metrics) error {
	return nil
}

var _ Sink = &NoopSink{}

// logSink logs metrics
type logSink struct {
	logger *slog.Logger
}

func (l *logSink) Send(ctx context.Context, m *Metrics) error {
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			l.logger.Info("metric", "name", v.Name, "type", "counter", "value", v.Value)
		case GAUGE:
			l.logger.Info("metric", "name", v.Name, "type", "gauge", "value", v.Value)
		default:
			l.logger.Error("Received invalid metric type", "type", v.Type, "name", v.Name, "value", v.Value)
		}
	}
	return nil
}

var _ Sink = &logSink{}

func NewLogSink(logger *slog.Logger) *logSink {
	return &logSink{
		logger: logger,
	}
}
