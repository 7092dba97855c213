package similarity

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	w.Name = 0.5
	assert.ErrorIs(t, w.Validate(), store.ErrValidation)

	w = DefaultWeights()
	w.Alias = -0.2
	w.Name = 0.7
	assert.ErrorIs(t, w.Validate(), store.ErrValidation)

	_, err := NewScorer(Weights{Name: 1, Alias: 1}, nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Aragorn", "aragorn", 1.0},
		{"", "", 1.0},
		{"abc", "", 0.0},
		{"Strider", "Strider ", 1.0},
		{"kitten", "sitting", 1 - 3.0/7.0},
		{"Éowyn", "Eowyn", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.want, NameSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestAliasOverlap(t *testing.T) {
	assert.Equal(t, 0.0, AliasOverlap(nil, nil))
	assert.Equal(t, 1.0, AliasOverlap([]string{"Strider"}, []string{"strider", "STRIDER"}))
	assert.InDelta(t, 1.0/3.0, AliasOverlap([]string{"Strider", "Elessar"}, []string{"strider", "Dunadan"}), 1e-9)
	assert.Equal(t, 0.0, AliasOverlap([]string{"Strider"}, nil))
}

func TestEmbeddingSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, EmbeddingSimilarity(nil, []float32{1, 0}))
	assert.InDelta(t, 1.0, EmbeddingSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	// Opposite vectors clamp to 0 rather than going negative.
	assert.Equal(t, 0.0, EmbeddingSimilarity([]float32{1, 0}, []float32{-1, 0}))
}

type fakeRels map[string][]*store.Relationship

func (f fakeRels) GetRelationships(_ context.Context, id string) ([]*store.Relationship, error) {
	return f[id], nil
}

type failingRels struct{}

func (failingRels) GetRelationships(context.Context, string) ([]*store.Relationship, error) {
	return nil, errors.New("disk on fire")
}

func TestScorer_SharedRelationships(t *testing.T) {
	rels := fakeRels{
		"a": {
			{SourceID: "a", TargetID: "gandalf", Type: "FRIEND"},
			{SourceID: "a", TargetID: "arwen", Type: "LOVES"},
			{SourceID: "elrond", TargetID: "a", Type: "FOSTERS"}, // incoming, ignored
		},
		"b": {
			{SourceID: "b", TargetID: "gandalf", Type: "MENTOR"},
		},
	}
	s, err := NewScorer(DefaultWeights(), rels)
	require.NoError(t, err)

	_, ev := s.Score(context.Background(), &store.Entity{ID: "a", Name: "x"}, &store.Entity{ID: "b", Name: "y"})
	assert.InDelta(t, 0.5, ev[SignalSharedRelationships], 1e-9)
}

func TestScorer_ReadFailureScoresZero(t *testing.T) {
	handler := newCaptureHandler()
	s, err := NewScorer(DefaultWeights(), failingRels{}, WithLogger(slog.New(handler)))
	require.NoError(t, err)

	score, ev := s.Score(context.Background(),
		&store.Entity{ID: "a", Name: "Aragorn"},
		&store.Entity{ID: "b", Name: "Aragorn"})

	assert.Equal(t, 0.0, ev[SignalSharedRelationships])
	assert.InDelta(t, 0.30, score, 1e-9)
	require.Len(t, handler.records, 1)
	assert.Equal(t, slog.LevelWarn, handler.records[0].Level)
}

type fixedCoOccurrence float64

func (f fixedCoOccurrence) CoOccurrence(context.Context, *store.Entity, *store.Entity) float64 {
	return float64(f)
}

func TestScorer_WeightedSum(t *testing.T) {
	a := &store.Entity{ID: "a", Name: "Aragorn", Aliases: []string{"Strider"}, Embedding: []float32{1, 0}}
	b := &store.Entity{ID: "b", Name: "Aragorn", Aliases: []string{"Strider"}, Embedding: []float32{1, 0}}

	s, err := NewScorer(DefaultWeights(), nil)
	require.NoError(t, err)
	score, ev := s.Score(context.Background(), a, b)

	assert.Equal(t, 0.0, ev[SignalCoOccurrence], "default co-occurrence must stay a no-op")
	assert.Len(t, ev, 5)
	assert.InDelta(t, 0.30+0.20+0.25, score, 1e-9)

	s, err = NewScorer(DefaultWeights(), nil, WithCoOccurrence(fixedCoOccurrence(1)))
	require.NoError(t, err)
	score, _ = s.Score(context.Background(), a, b)
	assert.InDelta(t, 0.90, score, 1e-9)
}

func TestScorer_DisjointEntitiesScoreLow(t *testing.T) {
	s, err := NewScorer(DefaultWeights(), nil)
	require.NoError(t, err)

	score, _ := s.Score(context.Background(),
		&store.Entity{ID: "a", Name: "Gandalf"},
		&store.Entity{ID: "b", Name: "Shire"})
	assert.Less(t, score, 0.2)
	assert.GreaterOrEqual(t, score, 0.0)
}
