package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func write(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

func character(name string, aliases ...string) *store.Entity {
	return &store.Entity{Scope: "v", Name: name, Aliases: aliases, Type: store.EntityCharacter}
}

func edge(src, dst *store.Entity, relType string) *store.Relationship {
	return &store.Relationship{Scope: "v", SourceID: src.ID, TargetID: dst.ID, Type: relType}
}

func mergedEvents(t *testing.T, s store.Store, entityID string) []*store.StateChangeEvent {
	t.Helper()
	evs, err := s.ListEvents(context.Background(), store.EventQuery{Scope: "v", EntityID: entityID, Type: store.EventEntityMerged})
	require.NoError(t, err)
	return evs
}

func TestMerge_AragornStrider(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		aragorn := character("Aragorn", "Elessar")
		strider := character("Strider", "Dunadan")
		gandalf := character("Gandalf")
		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{aragorn, strider, gandalf} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			if err := tx.AddRelationship(ctx, edge(aragorn, gandalf, "FRIEND")); err != nil {
				return err
			}
			return tx.AddRelationship(ctx, edge(strider, gandalf, "MENTOR"))
		})

		sum, err := New(s).Merge(ctx, "v", aragorn.ID, strider.ID, "editor")
		require.NoError(t, err)
		assert.Equal(t, 1, sum.RelationshipsRewritten)
		assert.Equal(t, 2, sum.AliasesAdded)
		assert.NotEmpty(t, sum.EventID)

		got, err := s.GetEntity(ctx, aragorn.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Elessar", "Strider", "Dunadan"}, got.Aliases)

		_, err = s.FindRelationship(ctx, aragorn.ID, gandalf.ID, "FRIEND")
		assert.NoError(t, err)
		_, err = s.FindRelationship(ctx, aragorn.ID, gandalf.ID, "MENTOR")
		assert.NoError(t, err)

		retired, err := s.GetEntity(ctx, strider.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusMerged, retired.Status)
		require.NotNil(t, retired.MergedInto)
		assert.Equal(t, aragorn.ID, *retired.MergedInto)
		assert.Equal(t, "editor", retired.MergedBy)
		assert.NotNil(t, retired.MergedAt)

		events := mergedEvents(t, s, aragorn.ID)
		require.Len(t, events, 1)
		assert.Equal(t, sum.EventID, events[0].ID)
		assert.Equal(t, strider.ID, events[0].Payload["duplicate_id"])
	})
}

func TestMerge_ReferentialIntegrity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		primary := &store.Entity{Scope: "v", Name: "Jon Snow", Type: store.EntityCharacter,
			Properties: map[string]any{"house": "Stark"}}
		dup := &store.Entity{Scope: "v", Name: "Lord Snow", Type: store.EntityCharacter,
			Description: "Lord Commander of the Night's Watch",
			Properties:  map[string]any{"house": "Targaryen", "title": "Lord Commander"}}
		sam := character("Samwell Tarly")
		ghost := &store.Entity{Scope: "v", Name: "Ghost", Type: store.EntityItem}

		fact := &store.Fact{Scope: "v", Content: "Elected Lord Commander", SequenceOrder: store.IntPtr(3)}
		shared := &store.Fact{Scope: "v", Content: "Returns to Winterfell"}
		belief := &store.CharacterKnowledge{Scope: "v", Content: "Snow is dead", Confidence: 0.9}
		held := &store.CharacterKnowledge{Scope: "v", Content: "The Wall must hold", IsAccurate: true, Confidence: 0.8}
		dep := &store.ContentDependency{Scope: "v", UnitID: "scene-12", TargetKind: store.TargetEntity,
			Assumption: "Lord Snow commands the Watch", Valid: true}

		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{primary, dup, sam, ghost} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			fact.EntityIDs = []string{dup.ID}
			shared.EntityIDs = []string{primary.ID, dup.ID, sam.ID}
			belief.CharacterID, belief.SubjectID, belief.SourceID = sam.ID, dup.ID, dup.ID
			held.CharacterID = dup.ID
			dep.TargetID = dup.ID
			for _, f := range []*store.Fact{fact, shared} {
				if err := tx.AddFact(ctx, f); err != nil {
					return err
				}
			}
			for _, k := range []*store.CharacterKnowledge{belief, held} {
				if err := tx.AddKnowledge(ctx, k); err != nil {
					return err
				}
			}
			if err := tx.AddDependency(ctx, dep); err != nil {
				return err
			}
			if err := tx.AddRelationship(ctx, edge(dup, ghost, "OWNS")); err != nil {
				return err
			}
			return tx.AddRelationship(ctx, edge(sam, dup, "FRIEND"))
		})

		sum, err := New(s).Merge(ctx, "v", primary.ID, dup.ID, "editor")
		require.NoError(t, err)
		assert.Equal(t, 2, sum.RelationshipsRewritten)
		assert.Equal(t, 2, sum.FactsRewritten)
		assert.Equal(t, 2, sum.KnowledgeRewritten)
		assert.Equal(t, 1, sum.DependenciesRewritten)

		edges, err := s.GetRelationships(ctx, dup.ID)
		require.NoError(t, err)
		assert.Empty(t, edges)
		facts, err := s.GetFacts(ctx, "v", dup.ID)
		require.NoError(t, err)
		assert.Empty(t, facts)
		beliefs, err := s.KnowledgeReferencing(ctx, "v", dup.ID)
		require.NoError(t, err)
		assert.Empty(t, beliefs)
		deps, err := s.DependenciesByTarget(ctx, "v", dup.ID)
		require.NoError(t, err)
		assert.Empty(t, deps)

		gotShared, err := s.GetFact(ctx, shared.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{primary.ID, sam.ID}, gotShared.EntityIDs)

		gotBelief, err := s.KnowledgeReferencing(ctx, "v", primary.ID)
		require.NoError(t, err)
		require.Len(t, gotBelief, 2)

		gotDeps, err := s.DependenciesByTarget(ctx, "v", primary.ID)
		require.NoError(t, err)
		require.Len(t, gotDeps, 1)
		assert.Equal(t, "Jon Snow commands the Watch", gotDeps[0].Assumption)

		survivor, err := s.GetEntity(ctx, primary.ID)
		require.NoError(t, err)
		assert.Equal(t, "Lord Commander of the Night's Watch", survivor.Description)
		assert.Equal(t, "Stark", survivor.Properties["house"], "primary wins on conflicts")
		assert.Equal(t, "Lord Commander", survivor.Properties["title"])

		fwd, err := store.ResolveForward(ctx, s, dup.ID)
		require.NoError(t, err)
		assert.Equal(t, primary.ID, fwd.ID)
	})
}

func TestMerge_DeduplicatesEdgesAndDropsSelfLoops(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		primary, dup, c := character("Arya"), character("Arry"), character("Gendry")
		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{primary, dup, c} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			for _, r := range []*store.Relationship{
				edge(primary, c, "FRIEND"),
				edge(dup, c, "FRIEND"),
				edge(dup, primary, "ALIAS_OF"),
			} {
				if err := tx.AddRelationship(ctx, r); err != nil {
					return err
				}
			}
			return nil
		})

		sum, err := New(s).Merge(ctx, "v", primary.ID, dup.ID, "editor")
		require.NoError(t, err)
		assert.Equal(t, 0, sum.RelationshipsRewritten)
		assert.Equal(t, 1, sum.RelationshipsDeduplicated)
		assert.Equal(t, 1, sum.SelfLoopsDropped)

		edges, err := s.GetRelationships(ctx, primary.ID)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, c.ID, edges[0].TargetID)
		assert.Equal(t, "FRIEND", edges[0].Type)
	})
}

func TestMerge_FailsFast(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		a, b, c := character("Arya"), character("Arry"), character("No One")
		horse := &store.Entity{Scope: "v", Name: "Arya's horse", Type: store.EntityItem}
		elsewhere := &store.Entity{Scope: "other", Name: "Arya", Type: store.EntityCharacter}
		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{a, b, c, horse, elsewhere} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
		eng := New(s)

		_, err := eng.Merge(ctx, "v", a.ID, b.ID, "editor")
		require.NoError(t, err)

		_, err = eng.Merge(ctx, "v", c.ID, b.ID, "editor")
		assert.ErrorIs(t, err, store.ErrNotFound, "already merged duplicate")
		var se *StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StepPrecheck, se.Step)
		assert.Equal(t, 0, se.Rewritten)
		assert.Len(t, mergedEvents(t, s, c.ID), 0)

		_, err = eng.Merge(ctx, "v", b.ID, c.ID, "editor")
		assert.ErrorIs(t, err, store.ErrNotFound, "merged primary")

		_, err = eng.Merge(ctx, "v", a.ID, horse.ID, "editor")
		assert.ErrorIs(t, err, store.ErrTypeMismatch)

		_, err = eng.Merge(ctx, "v", a.ID, a.ID, "editor")
		assert.ErrorIs(t, err, store.ErrValidation)

		_, err = eng.Merge(ctx, "v", a.ID, elsewhere.ID, "editor")
		assert.ErrorIs(t, err, store.ErrValidation)

		_, err = eng.Merge(ctx, "v", a.ID, "missing", "editor")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMerge_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(store.NewMemoryStore()).Merge(ctx, "v", "a", "b", "editor")
	assert.ErrorIs(t, err, context.Canceled)
}

// failingStore injects a write failure partway through a merge.
type failingStore struct {
	store.Store
}

func (f *failingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx})
	})
}

type failingTx struct {
	store.Tx
}

func (f *failingTx) UpdateFact(ctx context.Context, fact *store.Fact) error {
	return fmt.Errorf("update fact %s: disk full: %w", fact.ID, store.ErrStorage)
}

func TestMerge_RollsBackOnFailure(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		primary, dup, c, d := character("Sandor"), character("The Hound"), character("Arya"), character("Gregor")
		fact := &store.Fact{Scope: "v", Content: "Fights at the Trident"}
		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{primary, dup, c, d} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			fact.EntityIDs = []string{dup.ID}
			if err := tx.AddFact(ctx, fact); err != nil {
				return err
			}
			if err := tx.AddRelationship(ctx, edge(dup, c, "PROTECTS")); err != nil {
				return err
			}
			return tx.AddRelationship(ctx, edge(dup, d, "HATES"))
		})

		_, err := New(&failingStore{Store: s}).Merge(ctx, "v", primary.ID, dup.ID, "editor")
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrStorage)
		var se *StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, StepFacts, se.Step)
		assert.Equal(t, 2, se.Rewritten)
		assert.Contains(t, se.Error(), "rewrite_facts")

		edges, err := s.GetRelationships(ctx, dup.ID)
		require.NoError(t, err)
		assert.Len(t, edges, 2, "edge rewrites rolled back")
		still, err := s.GetEntity(ctx, dup.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusActive, still.Status)
		survivor, err := s.GetEntity(ctx, primary.ID)
		require.NoError(t, err)
		assert.Empty(t, survivor.Aliases)
		assert.Empty(t, mergedEvents(t, s, primary.ID))
	})
}

func TestMergeCandidate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		a, b := character("Ned Stark"), character("Eddard Stark")
		cand := &store.EntityMergeCandidate{Scope: "v", Score: 0.8}
		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{a, b} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			cand.PrimaryID, cand.DuplicateID = a.ID, b.ID
			return tx.AddMergeCandidate(ctx, cand)
		})
		eng := New(s)

		_, err := eng.MergeCandidate(ctx, cand.ID, "editor")
		assert.ErrorIs(t, err, store.ErrValidation, "pending candidates cannot be merged")

		write(t, s, func(ctx context.Context, tx store.Tx) error {
			c, err := tx.GetMergeCandidate(ctx, cand.ID)
			if err != nil {
				return err
			}
			c.Status = store.CandidateApproved
			c.ResolvedBy = "reviewer"
			return tx.UpdateMergeCandidate(ctx, c)
		})

		sum, err := eng.MergeCandidate(ctx, cand.ID, "editor")
		require.NoError(t, err)
		assert.Equal(t, cand.ID, sum.CandidateID)

		got, err := s.GetMergeCandidate(ctx, cand.ID)
		require.NoError(t, err)
		assert.Equal(t, store.CandidateMerged, got.Status)
		assert.Equal(t, "reviewer", got.ResolvedBy)

		_, err = eng.MergeCandidate(ctx, cand.ID, "editor")
		assert.ErrorIs(t, err, store.ErrValidation)

		_, err = eng.MergeCandidate(ctx, "missing", "editor")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMerge_ChainsForward(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		a, b, c := character("Reek"), character("Theon"), character("Theon Greyjoy")
		write(t, s, func(ctx context.Context, tx store.Tx) error {
			for _, e := range []*store.Entity{a, b, c} {
				if err := tx.CreateEntity(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
		eng := New(s)
		_, err := eng.Merge(ctx, "v", b.ID, a.ID, "editor")
		require.NoError(t, err)
		_, err = eng.Merge(ctx, "v", c.ID, b.ID, "editor")
		require.NoError(t, err)

		fwd, err := store.ResolveForward(ctx, s, a.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, fwd.ID)

		got, err := s.GetEntity(ctx, c.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Reek", "Theon"}, got.Aliases)
	})
}

func TestMerge_ObservesEverySuccessfulStep(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a, b := character("Bran"), character("Three-Eyed Raven")
	write(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateEntity(ctx, a); err != nil {
			return err
		}
		return tx.CreateEntity(ctx, b)
	})

	var mu sync.Mutex
	var seen []Step
	eng := New(s, WithStepObserver(func(step Step, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, err)
		seen = append(seen, step)
	}))
	_, err := eng.Merge(ctx, "v", a.ID, b.ID, "editor")
	require.NoError(t, err)
	assert.Equal(t, Steps[:len(Steps)-1], seen)
}

func TestReplaceName(t *testing.T) {
	tests := []struct {
		text, from, to, want string
	}{
		{"Strider waits in Bree", "Strider", "Aragorn", "Aragorn waits in Bree"},
		{"strider waits", "Strider", "Aragorn", "Aragorn waits"},
		{"Striders are rangers", "Strider", "Aragorn", "Striders are rangers"},
		{"", "Strider", "Aragorn", ""},
		{"Ser (Jorah) waits", "(Jorah)", "Jorah", "Ser Jorah waits"},
		{"the $1 sign", "the", "a", "a $1 sign"},
		{"Éowyn rides to Gondor", "Éowyn", "Dernhelm", "Dernhelm rides to Gondor"},
		{"Shield of Éowyn", "Éowyn", "Dernhelm", "Shield of Dernhelm"},
		{"Éowyns march", "Éowyn", "Dernhelm", "Éowyns march"},
		{"bÉowyn", "Éowyn", "Dernhelm", "bÉowyn"},
		{"Strider, Strider!", "Strider", "Aragorn", "Aragorn, Aragorn!"},
		{"Strider Strider", "Strider", "Aragorn", "Aragorn Aragorn"},
		{"Strider_", "Strider", "Aragorn", "Strider_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, replaceName(tt.text, tt.from, tt.to), tt.text)
	}
}
