package trace

import (
	"context"
	"sync"
)

// MemoryExporter keeps records in memory. Useful for embedding applications
// that forward traces elsewhere, and for tests.
type MemoryExporter struct {
	mu      sync.Mutex
	records []TraceRecord
}

// NewMemoryExporter creates an empty MemoryExporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

// Export stores a copy of record.
func (m *MemoryExporter) Export(ctx context.Context, record *TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *record
	c.Spans = append([]SpanRecord(nil), record.Spans...)
	m.records = append(m.records, c)
	return nil
}

// Records returns the exported records in export order.
func (m *MemoryExporter) Records() []TraceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TraceRecord(nil), m.records...)
}

// Close does nothing.
func (m *MemoryExporter) Close() error {
	return nil
}
