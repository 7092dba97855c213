// Package trace exports one sanitized record per engine operation.
package trace

import (
	"context"
	"time"
)

// Exporter defines the interface for exporting operation traces.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	Close() error
}

// TraceRecord is a sanitized operation trace ready for export.
// It carries ids and counts only: no names, aliases, fact content or assumptions.
type TraceRecord struct {
	// Timestamp is the operation start time
	Timestamp time.Time `json:"timestamp"`

	// OperationID uniquely identifies this operation (for correlation)
	OperationID string `json:"operationId"`

	// Operation is the operation type: "find_or_create", "merge", "sweep", "facts_at", ...
	Operation string `json:"operation"`

	// Scope is the vault the operation ran against
	Scope string `json:"scope,omitempty"`

	// DurationMs is the total operation duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// Status is "success" or "error"
	Status string `json:"status"`

	// Spans contains per-stage timing and status
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the error (if Status == "error")
	// Values: not_found, type_mismatch, conflict, validation, storage, timeout, database, unknown
	ErrorType string `json:"errorType,omitempty"`

	// IDs contains operation-specific identifiers (no content)
	IDs map[string]any `json:"ids,omitempty"`
}

// SpanRecord represents a single stage within an operation.
type SpanRecord struct {
	// Name is the stage name, e.g. a merge step such as "rewrite_relationships"
	Name string `json:"name"`

	DurationMs int64 `json:"durationMs"`
	OK         bool  `json:"ok"`

	// ErrorType classifies the error (if OK == false)
	ErrorType string `json:"errorType,omitempty"`

	// Counters provides stage-specific counts (e.g., factsRewritten)
	Counters map[string]int64 `json:"counters,omitempty"`
}
