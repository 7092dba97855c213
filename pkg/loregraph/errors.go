package loregraph

import (
	"context"
	"errors"
	"strings"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Error type constants for classification
const (
	ErrTypeNotFound     = "not_found"
	ErrTypeTypeMismatch = "type_mismatch"
	ErrTypeConflict     = "conflict"
	ErrTypeValidation   = "validation"
	ErrTypeStorage      = "storage"
	ErrTypeTimeout      = "timeout"
	ErrTypeCanceled     = "canceled"
	ErrTypeDatabase     = "database"
	ErrTypeUnknown      = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	// The shared taxonomy wins over message heuristics. Storage is checked
	// last because driver failures are often wrapped together with it.
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, store.ErrTypeMismatch):
		return ErrTypeTypeMismatch
	case errors.Is(err, store.ErrConflict):
		return ErrTypeConflict
	case errors.Is(err, store.ErrValidation):
		return ErrTypeValidation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrTypeCanceled
	case errors.Is(err, store.ErrStorage):
		return ErrTypeStorage
	}

	errStrLower := strings.ToLower(err.Error())

	if strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	// Check for database errors (SQLite specific)
	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") ||
		strings.Contains(errStrLower, "unique") && strings.Contains(errStrLower, "failed") {
		return ErrTypeDatabase
	}

	if strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "must be") {
		return ErrTypeValidation
	}

	return ErrTypeUnknown
}
