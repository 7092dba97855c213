package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mergeRecord(id string) *TraceRecord {
	return &TraceRecord{
		Timestamp:   time.Date(2026, 1, 14, 10, 30, 0, 0, time.UTC),
		OperationID: id,
		Operation:   "merge",
		Scope:       "vault-1",
		DurationMs:  12,
		Status:      "success",
		Spans: []SpanRecord{
			{Name: "precheck", DurationMs: 1, OK: true},
			{Name: "rewrite_relationships", DurationMs: 4, OK: true, Counters: map[string]int64{"rewritten": 3}},
		},
		IDs: map[string]any{"primaryId": "e-1", "duplicateId": "e-2"},
	}
}

func readLines(t *testing.T, path string) []TraceRecord {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open trace file failed: %v", err)
	}
	defer file.Close()

	var out []TraceRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec TraceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Unmarshal line %d failed: %v", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestFileExporter_BasicExport(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}

	if err := exporter.Export(context.Background(), mergeRecord("op-1")); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readLines(t, tracePath)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.OperationID != "op-1" || got.Operation != "merge" || got.Scope != "vault-1" {
		t.Errorf("Unexpected record header: %+v", got)
	}
	if len(got.Spans) != 2 || got.Spans[1].Counters["rewritten"] != 3 {
		t.Errorf("Spans did not round-trip: %+v", got.Spans)
	}
}

func TestNewFileExporter_EmptyPathIsNoop(t *testing.T) {
	exporter, err := NewFileExporter("")
	if err != nil {
		t.Fatalf("NewFileExporter(\"\") failed: %v", err)
	}
	if _, ok := exporter.(*NoopExporter); !ok {
		t.Fatalf("Expected *NoopExporter, got %T", exporter)
	}
	if err := exporter.Export(context.Background(), mergeRecord("noop")); err != nil {
		t.Fatalf("Export on noop exporter should succeed, got: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close on noop exporter should succeed, got: %v", err)
	}
}

func TestFileExporter_AppendsAcrossReopen(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	for i := 0; i < 2; i++ {
		exporter, err := NewFileExporter(tracePath)
		if err != nil {
			t.Fatalf("NewFileExporter failed: %v", err)
		}
		for j := 0; j < 3; j++ {
			if err := exporter.Export(context.Background(), mergeRecord(fmt.Sprintf("op-%d-%d", i, j))); err != nil {
				t.Fatalf("Export failed: %v", err)
			}
		}
		if err := exporter.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	if got := len(readLines(t, tracePath)); got != 6 {
		t.Errorf("Expected 6 lines, got %d", got)
	}
}

func TestFileExporter_Rotation(t *testing.T) {
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "traces.jsonl")

	exporter, err := NewFileExporter(tracePath, WithMaxSize(1024), WithMaxRotatedFiles(3))
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}

	for i := 0; i < 40; i++ {
		rec := mergeRecord("op-" + strings.Repeat("x", 50))
		if err := exporter.Export(context.Background(), rec); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("Expected current file plus 3 generations, got %d files", len(entries))
	}
	for _, name := range []string{"traces.jsonl", "traces.jsonl.1", "traces.jsonl.2", "traces.jsonl.3"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
			continue
		}
		if info.Size() > 1024 {
			t.Errorf("%s is %d bytes, over the rotation limit", name, info.Size())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "traces.jsonl.4")); !os.IsNotExist(err) {
		t.Error("Expected the oldest generation to be dropped")
	}
}

func TestFileExporter_NoContentFields(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	if err := exporter.Export(context.Background(), mergeRecord("op")); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("Read trace file failed: %v", err)
	}
	content := string(data)

	for _, field := range []string{"aliases", "content", "assumption", "description"} {
		if strings.Contains(content, field) {
			t.Errorf("Trace contains prohibited field %q: %s", field, content)
		}
	}
	for _, field := range []string{"operationId", "operation", "durationMs", "status", "spans", "ids"} {
		if !strings.Contains(content, field) {
			t.Errorf("Trace missing expected field %q", field)
		}
	}
}

func TestFileExporter_ExportAfterClose(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Errorf("First Close failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if err := exporter.Export(context.Background(), mergeRecord("late")); !errors.Is(err, ErrExporterClosed) {
		t.Errorf("Expected ErrExporterClosed, got %v", err)
	}
}

func TestFileExporter_DirectoryCreation(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "nested", "subdir", "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	defer exporter.Close()

	if _, err := os.Stat(filepath.Dir(tracePath)); os.IsNotExist(err) {
		t.Error("Expected nested directory to be created")
	}
}

func TestMemoryExporter(t *testing.T) {
	m := NewMemoryExporter()
	rec := mergeRecord("op-1")
	if err := m.Export(context.Background(), rec); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	rec.Spans[0].Name = "mutated"

	got := m.Records()
	if len(got) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(got))
	}
	if got[0].Spans[0].Name != "precheck" {
		t.Errorf("Expected exported spans to be copied, got %q", got[0].Spans[0].Name)
	}
}
