package loregraph

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// captureHandler is a slog.Handler that captures log records for test assertions
type captureHandler struct {
	records []slog.Record
	mu      sync.Mutex
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		records: make([]slog.Record, 0),
	}
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *captureHandler) WithGroup(_ string) slog.Handler {
	return h
}

func (h *captureHandler) getRecords() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]slog.Record, len(h.records))
	copy(result, h.records)
	return result
}

func (h *captureHandler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = h.records[:0]
}

func (h *captureHandler) find(msg string) (slog.Record, bool) {
	for _, r := range h.getRecords() {
		if r.Message == msg {
			return r, true
		}
	}
	return slog.Record{}, false
}

func attrs(r slog.Record) map[string]slog.Value {
	out := make(map[string]slog.Value)
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value
		return true
	})
	return out
}

// TestWithLogger_NilSafe verifies operations work without any logger set
func TestWithLogger_NilSafe(t *testing.T) {
	g, err := New(Config{})
	require.NoError(t, err)
	defer g.Close()

	ctx := context.Background()
	ref, _, err := g.FindOrCreate(ctx, Candidate{Scope: "v", Name: "Arya Stark", Type: store.EntityCharacter})
	require.NoError(t, err)
	_, err = g.Sweep(ctx, "v")
	require.NoError(t, err)
	_, err = g.StateAt(ctx, "v", ref.ID, 0)
	require.NoError(t, err)

	assert.Same(t, g, g.WithLogger(nil), "nil logger is accepted")
	_, _, err = g.FindOrCreate(ctx, Candidate{Scope: "v", Name: "Sansa Stark", Type: store.EntityCharacter})
	require.NoError(t, err)
}

// TestWithLogger_Injection verifies WithLogger returns same instance (fluent pattern)
func TestWithLogger_Injection(t *testing.T) {
	g, err := New(Config{})
	require.NoError(t, err)
	defer g.Close()

	returned := g.WithLogger(slog.New(newCaptureHandler()))
	if returned != g {
		t.Errorf("WithLogger() should return same instance for method chaining")
	}

	var nilGraph *Graph
	assert.Nil(t, nilGraph.WithLogger(slog.New(newCaptureHandler())))
}

// TestConfigLogging verifies the effective config is logged without paths or content
func TestConfigLogging(t *testing.T) {
	handler := newCaptureHandler()

	g, err := New(Config{DBPath: ":memory:", MetricsEnabled: true, SweepThreshold: 0.7})
	require.NoError(t, err)
	defer g.Close()

	g.WithLogger(slog.New(handler))

	rec, ok := handler.find("loregraph configured")
	require.True(t, ok, "expected startup config log after WithLogger() call")
	a := attrs(rec)
	assert.Equal(t, false, a["persistent"].Bool())
	assert.Equal(t, store.DefaultDriver, a["driver"].String())
	assert.Equal(t, 0.7, a["sweep_threshold"].Float64())
	assert.Equal(t, true, a["metrics_enabled"].Bool())
	assert.Equal(t, false, a["tracing_enabled"].Bool())
	_, leaked := a["db_path"]
	assert.False(t, leaked, "database path must not be logged")
}

// TestConfigLogging_FromConfig verifies a logger passed in Config is used from the start
func TestConfigLogging_FromConfig(t *testing.T) {
	handler := newCaptureHandler()
	g, err := New(Config{Logger: slog.New(handler)})
	require.NoError(t, err)
	defer g.Close()

	_, ok := handler.find("loregraph configured")
	assert.True(t, ok)
}

// TestWithLogger_PropagatesLogging verifies components log through the injected logger
func TestWithLogger_PropagatesLogging(t *testing.T) {
	handler := newCaptureHandler()
	g, err := New(Config{})
	require.NoError(t, err)
	defer g.Close()
	g.WithLogger(slog.New(handler))
	handler.reset()

	ctx := context.Background()
	a, _, err := g.FindOrCreate(ctx, Candidate{Scope: "v", Name: "Aragorn", Type: store.EntityCharacter})
	require.NoError(t, err)
	b, _, err := g.FindOrCreate(ctx, Candidate{Scope: "v", Name: "Strider", Type: store.EntityCharacter})
	require.NoError(t, err)

	_, ok := handler.find("entity created")
	assert.True(t, ok, "resolver logs through the graph logger")

	_, err = g.Merge(ctx, "v", a.ID, b.ID, "editor")
	require.NoError(t, err)
	_, ok = handler.find("entities merged")
	assert.True(t, ok, "merge engine logs through the graph logger")

	_, err = g.Sweep(ctx, "v")
	require.NoError(t, err)
	_, ok = handler.find("dedup sweep complete")
	assert.True(t, ok, "sweeper logs through the graph logger")
}
