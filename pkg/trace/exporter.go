package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrExporterClosed is returned by Export after Close.
var ErrExporterClosed = errors.New("trace exporter closed")

const (
	defaultMaxSizeBytes = 10 * 1024 * 1024
	defaultMaxRotated   = 5
)

// FileExporter appends traces to a JSON Lines file and rotates it by size.
// Rotated generations are named <path>.1 (newest) to <path>.N (oldest).
type FileExporter struct {
	path       string
	maxSize    int64
	maxRotated int

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// FileExporterOption configures a FileExporter.
type FileExporterOption func(*FileExporter)

// WithMaxSize sets the file size that triggers rotation (default: 10MB).
func WithMaxSize(bytes int64) FileExporterOption {
	return func(fe *FileExporter) {
		if bytes > 0 {
			fe.maxSize = bytes
		}
	}
}

// WithMaxRotatedFiles sets how many rotated generations to keep (default: 5).
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(fe *FileExporter) {
		if count > 0 {
			fe.maxRotated = count
		}
	}
}

// NewFileExporter opens path for appending, creating parent directories.
// An empty path yields a NoopExporter.
func NewFileExporter(path string, opts ...FileExporterOption) (Exporter, error) {
	if path == "" {
		return &NoopExporter{}, nil
	}

	fe := &FileExporter{
		path:       path,
		maxSize:    defaultMaxSizeBytes,
		maxRotated: defaultMaxRotated,
	}
	for _, opt := range opts {
		opt(fe)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open() error {
	file, err := os.OpenFile(fe.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	fe.file = file
	fe.size = info.Size()
	return nil
}

// Export writes record as one JSON line, rotating first if the line would
// push the file past its size limit.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	line = append(line, '\n')

	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return ErrExporterClosed
	}
	if fe.size > 0 && fe.size+int64(len(line)) > fe.maxSize {
		if err := fe.rotate(); err != nil {
			return fmt.Errorf("rotate trace file: %w", err)
		}
	}

	n, err := fe.file.Write(line)
	fe.size += int64(n)
	if err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// Close syncs and closes the trace file. Calling it twice is harmless.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true

	syncErr := fe.file.Sync()
	closeErr := fe.file.Close()
	if syncErr != nil {
		return fmt.Errorf("sync trace file: %w", syncErr)
	}
	return closeErr
}

// rotate shifts every generation up by one, dropping the oldest, and
// reopens an empty file. Must be called with the lock held.
func (fe *FileExporter) rotate() error {
	if err := fe.file.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}

	if err := os.Remove(fe.generation(fe.maxRotated)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove oldest trace file: %w", err)
	}
	for i := fe.maxRotated - 1; i >= 1; i-- {
		if err := os.Rename(fe.generation(i), fe.generation(i+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift trace file %d: %w", i, err)
		}
	}
	if err := os.Rename(fe.path, fe.generation(1)); err != nil {
		return fmt.Errorf("rotate current trace file: %w", err)
	}
	return fe.open()
}

func (fe *FileExporter) generation(n int) string {
	return fmt.Sprintf("%s.%d", fe.path, n)
}
