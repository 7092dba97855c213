// Package dedup proposes merge candidates for entities that look like the
// same referent and tracks their review.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/similarity"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Defaults applied by New.
const (
	DefaultThreshold       = 0.6
	DefaultTopK            = 5
	DefaultExhaustiveLimit = 200
	DefaultConcurrency     = 4
)

// A rejected pair is proposed again only when its score beats the rejected one by more than this.
const scoreEpsilon = 1e-9

// Sweeper scans a scope for likely duplicates.
type Sweeper struct {
	store  store.Store
	scorer *similarity.Scorer
	logger *slog.Logger

	threshold       float64
	topK            int
	exhaustiveLimit int
	concurrency     int
	newIndex        func() store.VectorIndex

	group singleflight.Group
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithThreshold sets the minimum score for a pair to become a candidate.
func WithThreshold(t float64) Option {
	return func(s *Sweeper) {
		if t > 0 {
			s.threshold = t
		}
	}
}

// WithTopK sets how many embedding neighbours each entity contributes
// once a type group is too large to compare exhaustively.
func WithTopK(k int) Option {
	return func(s *Sweeper) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithExhaustiveLimit sets the group size up to which every pair is scored.
func WithExhaustiveLimit(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.exhaustiveLimit = n
		}
	}
}

// WithConcurrency bounds how many pairs are scored at once.
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithVectorIndex replaces the per-sweep neighbour index factory.
func WithVectorIndex(fn func() store.VectorIndex) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.newIndex = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Sweeper.
func New(s store.Store, scorer *similarity.Scorer, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:           s,
		scorer:          scorer,
		logger:          slog.New(slog.DiscardHandler),
		threshold:       DefaultThreshold,
		topK:            DefaultTopK,
		exhaustiveLimit: DefaultExhaustiveLimit,
		concurrency:     DefaultConcurrency,
		newIndex:        func() store.VectorIndex { return store.NewMemoryVectorIndex() },
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Threshold returns the score a pair must reach to be proposed.
func (s *Sweeper) Threshold() float64 {
	return s.threshold
}

type pair struct {
	a, b *store.Entity
}

type scored struct {
	primary, duplicate *store.Entity
	score              float64
	evidence           similarity.Evidence
}

// Sweep compares active entities of the same type in scope and persists a
// pending candidate for every pair scoring at least the threshold, unless the
// pair already has a candidate that was not rejected. It returns the newly
// created candidates, highest score first.
//
// Concurrent sweeps of one scope share a single run.
func (s *Sweeper) Sweep(ctx context.Context, scope string) ([]*store.EntityMergeCandidate, error) {
	if strings.TrimSpace(scope) == "" {
		return nil, fmt.Errorf("%w: sweep scope is required", store.ErrValidation)
	}
	v, err, shared := s.group.Do(scope, func() (any, error) {
		return s.sweep(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("dedup sweep shared with concurrent caller", "scope", scope)
	}
	found := v.([]*store.EntityMergeCandidate)
	out := make([]*store.EntityMergeCandidate, len(found))
	for i, c := range found {
		out[i] = c.Clone()
	}
	return out, nil
}

func (s *Sweeper) sweep(ctx context.Context, scope string) ([]*store.EntityMergeCandidate, error) {
	start := time.Now()
	entities, err := s.store.ListEntities(ctx, scope, store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	byType := make(map[store.EntityType][]*store.Entity)
	var types []store.EntityType
	for _, e := range entities {
		if !e.Active() {
			continue
		}
		if _, ok := byType[e.Type]; !ok {
			types = append(types, e.Type)
		}
		byType[e.Type] = append(byType[e.Type], e)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var pairs []pair
	for _, t := range types {
		p, err := s.candidatePairs(ctx, byType[t])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p...)
	}

	results, err := s.scorePairs(ctx, pairs)
	if err != nil {
		return nil, err
	}

	var created []*store.EntityMergeCandidate
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		created = created[:0]
		for _, r := range results {
			existing, err := tx.FindMergeCandidates(ctx, r.primary.ID, r.duplicate.ID)
			if err != nil {
				return err
			}
			if suppressed(existing, r.score) {
				continue
			}
			c := &store.EntityMergeCandidate{
				Scope:       scope,
				PrimaryID:   r.primary.ID,
				DuplicateID: r.duplicate.ID,
				Score:       r.score,
				Evidence:    map[string]float64(r.evidence),
				Status:      store.CandidatePending,
			}
			if err := tx.AddMergeCandidate(ctx, c); err != nil {
				return err
			}
			created = append(created, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist merge candidates: %w", err)
	}

	s.logger.Info("dedup sweep complete",
		"scope", scope,
		"entities", len(entities),
		"pairs_scored", len(pairs),
		"above_threshold", len(results),
		"candidates_created", len(created),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return created, nil
}

// scorePairs scores every pair and keeps those at or above the threshold,
// ranked by score descending.
func (s *Sweeper) scorePairs(ctx context.Context, pairs []pair) ([]scored, error) {
	out := make([]*scored, len(pairs))

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i, p := range pairs {
		eg.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			score, ev := s.scorer.Score(gCtx, p.a, p.b)
			if score < s.threshold {
				return nil
			}
			primary, duplicate := orderPair(p.a, p.b)
			out[i] = &scored{primary: primary, duplicate: duplicate, score: score, evidence: ev}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var kept []scored
	for _, r := range out {
		if r != nil {
			kept = append(kept, *r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		if kept[i].primary.ID != kept[j].primary.ID {
			return kept[i].primary.ID < kept[j].primary.ID
		}
		return kept[i].duplicate.ID < kept[j].duplicate.ID
	})
	return kept, nil
}

// candidatePairs lists the pairs worth scoring within one type group. Small
// groups are compared exhaustively. Larger groups are blocked on shared name
// tokens and topped up with embedding neighbours.
func (s *Sweeper) candidatePairs(ctx context.Context, group []*store.Entity) ([]pair, error) {
	var pairs []pair
	if len(group) <= s.exhaustiveLimit {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				pairs = append(pairs, pair{a: group[i], b: group[j]})
			}
		}
		return pairs, nil
	}

	byID := make(map[string]*store.Entity, len(group))
	for _, e := range group {
		byID[e.ID] = e
	}
	seen := make(map[string]bool)
	add := func(a, b *store.Entity) {
		if a.ID == b.ID {
			return
		}
		if a.ID > b.ID {
			a, b = b, a
		}
		key := a.ID + "\x00" + b.ID
		if seen[key] {
			return
		}
		seen[key] = true
		pairs = append(pairs, pair{a: a, b: b})
	}

	blocks := make(map[string][]*store.Entity)
	for _, e := range group {
		for tok := range nameTokens(e) {
			blocks[tok] = append(blocks[tok], e)
		}
	}
	toks := make([]string, 0, len(blocks))
	for tok := range blocks {
		toks = append(toks, tok)
	}
	sort.Strings(toks)
	for _, tok := range toks {
		members := blocks[tok]
		if len(members) > s.exhaustiveLimit {
			s.logger.Debug("skipping common name token", "token", tok, "entities", len(members))
			continue
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				add(members[i], members[j])
			}
		}
	}

	idx := s.newIndex()
	for _, e := range group {
		if err := idx.Add(ctx, e.ID, e.Embedding); err != nil {
			return nil, fmt.Errorf("failed to index embedding: %w", err)
		}
	}
	for _, e := range group {
		if len(e.Embedding) == 0 {
			continue
		}
		hits, err := idx.Search(ctx, e.Embedding, s.topK+1)
		if err != nil {
			return nil, fmt.Errorf("failed to search neighbours: %w", err)
		}
		for _, h := range hits {
			if other, ok := byID[h.ID]; ok {
				add(e, other)
			}
		}
	}
	return pairs, nil
}

// nameTokens returns the lower-cased words of an entity's name and aliases.
func nameTokens(e *store.Entity) map[string]bool {
	out := make(map[string]bool)
	split := func(s string) {
		for _, f := range strings.FieldsFunc(store.NormalizeName(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			out[f] = true
		}
	}
	split(e.Name)
	for _, a := range e.Aliases {
		split(a)
	}
	return out
}

// orderPair makes the older entity the primary; ids break ties.
func orderPair(a, b *store.Entity) (primary, duplicate *store.Entity) {
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
		return b, a
	}
	return a, b
}

// suppressed reports whether the pair already has an open candidate or was
// rejected at a score at least as high as score.
func suppressed(cs []*store.EntityMergeCandidate, score float64) bool {
	for _, c := range cs {
		if c.Status != store.CandidateRejected {
			return true
		}
		if score <= c.Score+scoreEpsilon {
			return true
		}
	}
	return false
}
