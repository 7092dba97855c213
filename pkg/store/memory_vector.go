package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryVectorIndex is an in-memory VectorIndex doing an exact linear scan.
// It is rebuilt per dedup sweep, so it never needs persistence.
type MemoryVectorIndex struct {
	vectors map[string][]float32
	mu      sync.RWMutex
}

// NewMemoryVectorIndex creates an empty in-memory vector index.
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{
		vectors: make(map[string][]float32),
	}
}

// Add adds or updates a vector for the given ID. Empty vectors are ignored.
func (m *MemoryVectorIndex) Add(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.vectors[id] = append([]float32(nil), embedding...)
	return nil
}

// Search returns up to topK neighbours by descending cosine similarity,
// ties broken by ID so sweeps are deterministic.
func (m *MemoryVectorIndex) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.vectors) == 0 || len(query) == 0 || topK <= 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(m.vectors))
	for id, embedding := range m.vectors {
		results = append(results, SearchResult{
			ID:    id,
			Score: CosineSimilarity(query, embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if topK < len(results) {
		results = results[:topK]
	}

	return results, nil
}

// Delete removes a vector from the index.
func (m *MemoryVectorIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.vectors, id)
	return nil
}

// Len returns the number of indexed vectors.
func (m *MemoryVectorIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
