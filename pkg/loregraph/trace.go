package loregraph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/metrics"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/trace"
)

// Operation names used in metrics labels and trace records.
// These are stable; downstream dashboards key on them.
const (
	OpResolve               = "resolve"
	OpLookup                = "lookup"
	OpFindOrCreate          = "find_or_create"
	OpSweep                 = "sweep"
	OpReviewCandidate       = "review_candidate"
	OpMerge                 = "merge"
	OpMergeCandidate        = "merge_candidate"
	OpAddRelationship       = "add_relationship"
	OpAddFact               = "add_fact"
	OpAddKnowledge          = "add_knowledge"
	OpAddDependency         = "add_dependency"
	OpInvalidate            = "invalidate_dependencies"
	OpFactsAt               = "facts_at"
	OpBeliefsAt             = "beliefs_at"
	OpImpactOf              = "impact_of"
	OpStateAt               = "state_at"
	OpEvents                = "events"
	OpRecordAttributeChange = "record_attribute_change"
	OpStats                 = "stats"
)

// opTrace accumulates the spans of one facade operation.
type opTrace struct {
	id        string
	operation string
	scope     string
	start     time.Time
	spans     []trace.SpanRecord
	ids       map[string]any
}

func newOpTrace(operation, scope string) *opTrace {
	return &opTrace{
		id:        uuid.New().String(),
		operation: operation,
		scope:     scope,
		start:     time.Now(),
		spans:     make([]trace.SpanRecord, 0, 4),
	}
}

// setID attaches an identifier to the record. Never pass names or content.
func (t *opTrace) setID(key string, value any) {
	if t.ids == nil {
		t.ids = make(map[string]any)
	}
	t.ids[key] = value
}

func (t *opTrace) addSpan(span trace.SpanRecord) {
	t.spans = append(t.spans, span)
}

// annotate attaches counters to the first span called name.
func (t *opTrace) annotate(name string, counters map[string]int64) {
	for i := range t.spans {
		if t.spans[i].Name == name {
			t.spans[i].Counters = counters
			return
		}
	}
}

// spanTimer is a helper for measuring span duration
type spanTimer struct {
	name  string
	start time.Time
	trace *opTrace
}

func (t *opTrace) startSpan(name string) *spanTimer {
	return &spanTimer{name: name, start: time.Now(), trace: t}
}

// finish completes the span and records it to the trace
func (st *spanTimer) finish(err error, counters map[string]int64) {
	span := trace.SpanRecord{
		Name:       st.name,
		DurationMs: time.Since(st.start).Milliseconds(),
		OK:         err == nil,
		Counters:   counters,
	}
	if err != nil {
		span.ErrorType = ClassifyError(err)
	}
	st.trace.addSpan(span)
}

func (t *opTrace) record(durationMs int64, err error) *trace.TraceRecord {
	rec := &trace.TraceRecord{
		Timestamp:   t.start.UTC(),
		OperationID: t.id,
		Operation:   t.operation,
		Scope:       t.scope,
		DurationMs:  durationMs,
		Status:      metrics.StatusSuccess,
		Spans:       t.spans,
		IDs:         t.ids,
	}
	if err != nil {
		rec.Status = metrics.StatusError
		rec.ErrorType = ClassifyError(err)
	}
	return rec
}

// run executes fn as one observed operation: it records the outcome in
// metrics and exports a trace record, then returns fn's error unchanged.
func (g *Graph) run(ctx context.Context, operation, scope string, fn func(tr *opTrace) error) error {
	tr := newOpTrace(operation, scope)
	err := fn(tr)
	durationMs := time.Since(tr.start).Milliseconds()

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		g.metrics.RecordError(ctx, operation, ClassifyError(err))
	}
	g.metrics.RecordOperation(ctx, operation, status, durationMs)
	for _, span := range tr.spans {
		g.metrics.RecordStage(ctx, operation, span.Name, span.DurationMs)
	}

	// Export even when the caller's context is done; the record describes that outcome.
	if exportErr := g.tracer.Export(context.WithoutCancel(ctx), tr.record(durationMs, err)); exportErr != nil {
		g.logger.Warn("trace export failed",
			"operation", operation,
			"error", exportErr)
	}
	return err
}
