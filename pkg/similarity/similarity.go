// Package similarity scores how likely two entities are the same referent.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Signal names used as Evidence keys.
const (
	SignalName                = "name"
	SignalAlias               = "alias"
	SignalEmbedding           = "embedding"
	SignalCoOccurrence        = "co_occurrence"
	SignalSharedRelationships = "shared_relationships"
)

// Evidence maps a signal name to its sub-score in [0,1].
type Evidence map[string]float64

// Weights sets how much each signal contributes to the final score.
type Weights struct {
	Name                float64 `mapstructure:"name" yaml:"name"`
	Alias               float64 `mapstructure:"alias" yaml:"alias"`
	Embedding           float64 `mapstructure:"embedding" yaml:"embedding"`
	CoOccurrence        float64 `mapstructure:"co_occurrence" yaml:"co_occurrence"`
	SharedRelationships float64 `mapstructure:"shared_relationships" yaml:"shared_relationships"`
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{
		Name:                0.30,
		Alias:               0.20,
		Embedding:           0.25,
		CoOccurrence:        0.15,
		SharedRelationships: 0.10,
	}
}

const weightTolerance = 1e-9

// Validate checks that no weight is negative and that they sum to 1.
func (w Weights) Validate() error {
	parts := []float64{w.Name, w.Alias, w.Embedding, w.CoOccurrence, w.SharedRelationships}
	sum := 0.0
	for _, p := range parts {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: similarity weights must be finite and non-negative", store.ErrValidation)
		}
		sum += p
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: similarity weights sum to %.6f, want 1.0", store.ErrValidation, sum)
	}
	return nil
}

// CoOccurrence estimates how often two entities appear together.
type CoOccurrence interface {
	CoOccurrence(ctx context.Context, a, b *store.Entity) float64
}

// NoCoOccurrence is the default CoOccurrence. Joint-appearance evidence is
// not collected yet, so it always reports 0.
type NoCoOccurrence struct{}

func (NoCoOccurrence) CoOccurrence(context.Context, *store.Entity, *store.Entity) float64 {
	return 0
}

// RelationshipSource supplies the edges used by the shared_relationships signal.
// store.Reader satisfies it.
type RelationshipSource interface {
	GetRelationships(ctx context.Context, entityID string) ([]*store.Relationship, error)
}

// Scorer combines five signals into a weighted similarity score.
type Scorer struct {
	weights Weights
	rels    RelationshipSource
	coOcc   CoOccurrence
	logger  *slog.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithCoOccurrence replaces the co-occurrence signal.
func WithCoOccurrence(c CoOccurrence) Option {
	return func(s *Scorer) {
		if c != nil {
			s.coOcc = c
		}
	}
}

// WithLogger sets the logger used for degraded-signal warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScorer creates a Scorer. rels may be nil, in which case the
// shared_relationships signal is always 0.
func NewScorer(w Weights, rels RelationshipSource, opts ...Option) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{
		weights: w,
		rels:    rels,
		coOcc:   NoCoOccurrence{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score returns the weighted similarity of a and b in [0,1] and the
// per-signal breakdown. Missing data scores 0 for its signal.
func (s *Scorer) Score(ctx context.Context, a, b *store.Entity) (float64, Evidence) {
	ev := Evidence{
		SignalName:                NameSimilarity(a.Name, b.Name),
		SignalAlias:               AliasOverlap(a.Aliases, b.Aliases),
		SignalEmbedding:           EmbeddingSimilarity(a.Embedding, b.Embedding),
		SignalCoOccurrence:        clamp01(s.coOcc.CoOccurrence(ctx, a, b)),
		SignalSharedRelationships: s.sharedRelationships(ctx, a.ID, b.ID),
	}

	score := s.weights.Name*ev[SignalName] +
		s.weights.Alias*ev[SignalAlias] +
		s.weights.Embedding*ev[SignalEmbedding] +
		s.weights.CoOccurrence*ev[SignalCoOccurrence] +
		s.weights.SharedRelationships*ev[SignalSharedRelationships]

	return clamp01(score), ev
}

// NameSimilarity is 1 - levenshtein/maxLen over lower-cased, trimmed names.
func NameSimilarity(a, b string) float64 {
	a = store.NormalizeName(a)
	b = store.NormalizeName(b)
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return clamp01(1.0 - float64(dist)/float64(maxLen))
}

// AliasOverlap is the Jaccard similarity of two alias sets, case-insensitive.
func AliasOverlap(a, b []string) float64 {
	return jaccard(lowerSet(a), lowerSet(b))
}

// EmbeddingSimilarity is cosine similarity clamped to [0,1]; absent vectors score 0.
func EmbeddingSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return clamp01(store.CosineSimilarity(a, b))
}

func (s *Scorer) sharedRelationships(ctx context.Context, aID, bID string) float64 {
	if s.rels == nil || aID == "" || bID == "" {
		return 0
	}
	aTargets, err := s.outgoingTargets(ctx, aID)
	if err != nil {
		s.logger.Warn("shared relationship signal unavailable", "entity_id", aID, "error", err)
		return 0
	}
	bTargets, err := s.outgoingTargets(ctx, bID)
	if err != nil {
		s.logger.Warn("shared relationship signal unavailable", "entity_id", bID, "error", err)
		return 0
	}
	return jaccard(aTargets, bTargets)
}

func (s *Scorer) outgoingTargets(ctx context.Context, id string) (map[string]bool, error) {
	edges, err := s.rels.GetRelationships(ctx, id)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]bool, len(edges))
	for _, e := range edges {
		if e.SourceID == id {
			targets[e.TargetID] = true
		}
	}
	return targets, nil
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if k := strings.ToLower(strings.TrimSpace(it)); k != "" {
			set[k] = true
		}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|, or 0 when both sets are empty.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
