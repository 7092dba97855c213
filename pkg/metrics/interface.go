package metrics

import "context"

// Operation status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed collector and the no-op
// collector used when metrics are disabled.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	RecordMergeStep(ctx context.Context, step string, durationMs int64, failed bool)
	SetStorageCount(ctx context.Context, storageType string, count int64)
}

var (
	_ Collector = (*MetricsCollector)(nil)
	_ Collector = (*NoopCollector)(nil)
)
