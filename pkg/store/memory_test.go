package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := mustCreate(t, s, &Entity{Scope: "v", Name: "Boromir", Aliases: []string{"Captain"}, Type: EntityCharacter})

	got, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	got.Name = "Faramir"
	got.Aliases[0] = "Ranger"

	again, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if again.Name != "Boromir" || again.Aliases[0] != "Captain" {
		t.Errorf("Caller mutation leaked into store: %+v", again)
	}
}

func TestMemoryStore_ClosedRejectsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, &Entity{ID: "e1", Scope: "v", Name: "Merry", Type: EntityCharacter})

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := s.WithTx(ctx, func(tx Tx) error { return nil })
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Expected ErrStorage after close, got %v", err)
	}
	if _, err := s.GetEntity(ctx, "e1"); err != nil {
		t.Errorf("Expected reads to keep working after close, got %v", err)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run on a canceled context")
	}
}

func TestMemoryStore_ConcurrentTransactionsSerialize(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx Tx) error {
				return tx.CreateEntity(ctx, &Entity{Scope: "v", Name: "Pippin", Type: EntityCharacter})
			})
			if errors.Is(err, ErrConflict) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	found, err := s.FindEntitiesByName(ctx, "v", "Pippin")
	if err != nil {
		t.Fatalf("FindEntitiesByName failed: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("Expected exactly one Pippin, got %d", len(found))
	}
	if conflicts != 19 {
		t.Errorf("Expected 19 conflicts, got %d", conflicts)
	}
}
