package store

import (
	"context"
	"strings"
	"testing"
)

func TestCGODriver(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", WithDriver("sqlite3"))
	if err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED=0") {
			t.Skip("cgo driver unavailable in this build")
		}
		t.Fatalf("NewSQLiteStore(sqlite3) failed: %v", err)
	}
	defer s.Close()

	e := mustCreate(t, s, &Entity{Scope: "v", Name: "Shire", Type: EntityLocation})
	got, err := s.GetEntity(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Name != "Shire" {
		t.Errorf("Expected Shire, got %s", got.Name)
	}
}
