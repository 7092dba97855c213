package loregraph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/merge"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/provenance"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/resolve"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/temporal"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/trace"
)

// ---------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------

// Resolve returns the active entity in scope known by name. at, when set,
// picks among same-named entities by era window.
func (g *Graph) Resolve(ctx context.Context, scope, name string, at *int) (resolve.EntityRef, error) {
	var ref resolve.EntityRef
	err := g.run(ctx, OpResolve, scope, func(tr *opTrace) error {
		var err error
		ref, err = g.resolver.Resolve(ctx, scope, name, at)
		if err == nil {
			tr.setID("entityId", ref.ID)
		}
		return err
	})
	return ref, err
}

// Lookup returns the active survivor for an entity id, following merges.
func (g *Graph) Lookup(ctx context.Context, id string) (resolve.EntityRef, error) {
	var ref resolve.EntityRef
	err := g.run(ctx, OpLookup, "", func(tr *opTrace) error {
		tr.setID("requestedId", id)
		var err error
		ref, err = g.resolver.Lookup(ctx, id)
		if err == nil {
			tr.setID("entityId", ref.ID)
		}
		return err
	})
	return ref, err
}

// FindOrCreate returns the entity a candidate refers to, creating it when it
// does not exist. created reports whether this call created it.
func (g *Graph) FindOrCreate(ctx context.Context, c resolve.Candidate) (ref resolve.EntityRef, created bool, err error) {
	err = g.run(ctx, OpFindOrCreate, c.Scope, func(tr *opTrace) error {
		var err error
		ref, created, err = g.resolver.FindOrCreate(ctx, c)
		if err == nil {
			tr.setID("entityId", ref.ID)
			tr.setID("created", created)
		}
		return err
	})
	return ref, created, err
}

// ---------------------------------------------------------------
// Deduplication and review
// ---------------------------------------------------------------

// Sweep scans scope for likely duplicates and persists new pending
// candidates. It returns the candidates proposed by this sweep, best first.
func (g *Graph) Sweep(ctx context.Context, scope string) ([]*store.EntityMergeCandidate, error) {
	var out []*store.EntityMergeCandidate
	err := g.run(ctx, OpSweep, scope, func(tr *opTrace) error {
		span := tr.startSpan("sweep")
		var err error
		out, err = g.sweeper.Sweep(ctx, scope)
		span.finish(err, map[string]int64{"proposed": int64(len(out))})
		return err
	})
	return out, err
}

// PendingCandidates lists merge candidates in scope awaiting review.
func (g *Graph) PendingCandidates(ctx context.Context, scope string) ([]*store.EntityMergeCandidate, error) {
	return g.sweeper.Pending(ctx, scope)
}

// ApproveCandidate marks a pending candidate approved so it can be merged.
func (g *Graph) ApproveCandidate(ctx context.Context, candidateID, actor, note string) (*store.EntityMergeCandidate, error) {
	return g.review(ctx, candidateID, func() (*store.EntityMergeCandidate, error) {
		return g.sweeper.Approve(ctx, candidateID, actor, note)
	})
}

// RejectCandidate marks a pending candidate rejected.
func (g *Graph) RejectCandidate(ctx context.Context, candidateID, actor, note string) (*store.EntityMergeCandidate, error) {
	return g.review(ctx, candidateID, func() (*store.EntityMergeCandidate, error) {
		return g.sweeper.Reject(ctx, candidateID, actor, note)
	})
}

func (g *Graph) review(ctx context.Context, candidateID string, fn func() (*store.EntityMergeCandidate, error)) (*store.EntityMergeCandidate, error) {
	var out *store.EntityMergeCandidate
	err := g.run(ctx, OpReviewCandidate, "", func(tr *opTrace) error {
		tr.setID("candidateId", candidateID)
		var err error
		out, err = fn()
		if err == nil {
			tr.scope = out.Scope
			tr.setID("status", string(out.Status))
		}
		return err
	})
	return out, err
}

// ---------------------------------------------------------------
// Merge
// ---------------------------------------------------------------

// Merge folds duplicateID into primaryID atomically. On failure the graph is
// unchanged and the error is a *merge.StepError naming the failed step.
func (g *Graph) Merge(ctx context.Context, scope, primaryID, duplicateID, actor string) (*merge.Summary, error) {
	return g.MergeAt(ctx, scope, primaryID, duplicateID, actor, nil)
}

// MergeAt is Merge with the merge recorded at narrative position position.
// StateAt at cursors before position shows both entities unmerged.
func (g *Graph) MergeAt(ctx context.Context, scope, primaryID, duplicateID, actor string, position *int) (*merge.Summary, error) {
	var sum *merge.Summary
	err := g.run(ctx, OpMerge, scope, func(tr *opTrace) error {
		tr.setID("primaryId", primaryID)
		tr.setID("duplicateId", duplicateID)
		var err error
		sum, err = g.merger(ctx, tr).MergeAt(ctx, scope, primaryID, duplicateID, actor, position)
		annotateMerge(tr, sum)
		return err
	})
	return sum, err
}

// MergeCandidate merges an approved candidate and marks it merged.
func (g *Graph) MergeCandidate(ctx context.Context, candidateID, actor string) (*merge.Summary, error) {
	return g.MergeCandidateAt(ctx, candidateID, actor, nil)
}

// MergeCandidateAt is MergeCandidate with a narrative position, as in MergeAt.
func (g *Graph) MergeCandidateAt(ctx context.Context, candidateID, actor string, position *int) (*merge.Summary, error) {
	var sum *merge.Summary
	err := g.run(ctx, OpMergeCandidate, "", func(tr *opTrace) error {
		tr.setID("candidateId", candidateID)
		var err error
		sum, err = g.merger(ctx, tr).MergeCandidateAt(ctx, candidateID, actor, position)
		if sum != nil {
			tr.setID("primaryId", sum.PrimaryID)
			tr.setID("duplicateId", sum.DuplicateID)
		}
		annotateMerge(tr, sum)
		return err
	})
	return sum, err
}

// merger builds a merge engine whose steps land in tr and in the merge step histogram.
func (g *Graph) merger(ctx context.Context, tr *opTrace) *merge.Engine {
	return merge.New(g.store,
		merge.WithLogger(g.component("merge")),
		merge.WithStepObserver(func(step merge.Step, d time.Duration, err error) {
			g.metrics.RecordMergeStep(ctx, string(step), d.Milliseconds(), err != nil)
			span := trace.SpanRecord{Name: string(step), DurationMs: d.Milliseconds(), OK: err == nil}
			if err != nil {
				span.ErrorType = ClassifyError(err)
			}
			tr.addSpan(span)
		}))
}

func annotateMerge(tr *opTrace, sum *merge.Summary) {
	if sum == nil {
		return
	}
	if sum.EventID != "" {
		tr.setID("eventId", sum.EventID)
	}
	tr.annotate(string(merge.StepConsolidate), map[string]int64{"aliasesAdded": int64(sum.AliasesAdded)})
	tr.annotate(string(merge.StepRelationships), map[string]int64{
		"rewritten":        int64(sum.RelationshipsRewritten),
		"deduplicated":     int64(sum.RelationshipsDeduplicated),
		"selfLoopsDropped": int64(sum.SelfLoopsDropped),
	})
	tr.annotate(string(merge.StepFacts), map[string]int64{"rewritten": int64(sum.FactsRewritten)})
	tr.annotate(string(merge.StepKnowledge), map[string]int64{"rewritten": int64(sum.KnowledgeRewritten)})
	tr.annotate(string(merge.StepDependencies), map[string]int64{"rewritten": int64(sum.DependenciesRewritten)})
}

// ---------------------------------------------------------------
// Writes
// ---------------------------------------------------------------

// activeIn follows id to its active survivor and checks it lives in scope.
func activeIn(ctx context.Context, r store.Reader, scope, id string) (*store.Entity, error) {
	e, err := store.ResolveForward(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if e.Scope != scope {
		return nil, fmt.Errorf("%w: entity %s belongs to another scope", store.ErrValidation, id)
	}
	return e, nil
}

// AddRelationship adds a directed edge between two active entities. Endpoints
// that were merged away are redirected to their survivors. r receives the
// assigned id and resolved endpoints. position, if set, places the
// relationship_changed event in narrative time.
func (g *Graph) AddRelationship(ctx context.Context, r *store.Relationship, position *int) error {
	if r == nil {
		return fmt.Errorf("%w: relationship is required", store.ErrValidation)
	}
	return g.run(ctx, OpAddRelationship, r.Scope, func(tr *opTrace) error {
		r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
		if r.Scope == "" || r.SourceID == "" || r.TargetID == "" || r.Type == "" {
			return fmt.Errorf("%w: relationship needs scope, source, target and type", store.ErrValidation)
		}

		span := tr.startSpan("write")
		err := g.store.WithTx(ctx, func(tx store.Tx) error {
			src, err := activeIn(ctx, tx, r.Scope, r.SourceID)
			if err != nil {
				return err
			}
			dst, err := activeIn(ctx, tx, r.Scope, r.TargetID)
			if err != nil {
				return err
			}
			if src.ID == dst.ID {
				return fmt.Errorf("%w: relationship %s would be a self-loop on %s", store.ErrValidation, r.Type, src.ID)
			}
			if err := tx.LockEntities(ctx, src.ID, dst.ID); err != nil {
				return err
			}
			r.SourceID, r.TargetID = src.ID, dst.ID
			if err := tx.AddRelationship(ctx, r); err != nil {
				return err
			}
			_, err = provenance.AppendTx(ctx, tx, &store.StateChangeEvent{
				Scope:             r.Scope,
				EntityID:          src.ID,
				Type:              store.EventRelationshipChanged,
				NarrativePosition: position,
				Payload: map[string]any{
					"action":          "added",
					"relationship_id": r.ID,
					"target_id":       dst.ID,
					"type":            r.Type,
				},
			})
			return err
		})
		span.finish(err, nil)
		if err == nil {
			tr.setID("relationshipId", r.ID)
		}
		return err
	})
}

// AddFact attaches a fact or event to one or more active entities and
// records a fact_changed event on each, positioned at the fact's sequence order.
func (g *Graph) AddFact(ctx context.Context, f *store.Fact) error {
	if f == nil {
		return fmt.Errorf("%w: fact is required", store.ErrValidation)
	}
	return g.run(ctx, OpAddFact, f.Scope, func(tr *opTrace) error {
		if err := validateFact(f); err != nil {
			return err
		}

		span := tr.startSpan("write")
		err := g.store.WithTx(ctx, func(tx store.Tx) error {
			ids := make([]string, 0, len(f.EntityIDs))
			seen := make(map[string]bool, len(f.EntityIDs))
			for _, id := range f.EntityIDs {
				e, err := activeIn(ctx, tx, f.Scope, id)
				if err != nil {
					return err
				}
				if !seen[e.ID] {
					seen[e.ID] = true
					ids = append(ids, e.ID)
				}
			}
			f.EntityIDs = ids
			if err := tx.AddFact(ctx, f); err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := provenance.AppendTx(ctx, tx, &store.StateChangeEvent{
					Scope:             f.Scope,
					EntityID:          id,
					Type:              store.EventFactChanged,
					NarrativePosition: f.SequenceOrder,
					Payload: map[string]any{
						"action":  "added",
						"fact_id": f.ID,
						"kind":    string(f.Kind),
					},
				}); err != nil {
					return err
				}
			}
			return nil
		})
		span.finish(err, map[string]int64{"entities": int64(len(f.EntityIDs))})
		if err == nil {
			tr.setID("factId", f.ID)
		}
		return err
	})
}

func validateFact(f *store.Fact) error {
	if f.Scope == "" {
		return fmt.Errorf("%w: fact scope is required", store.ErrValidation)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("%w: fact content is required", store.ErrValidation)
	}
	if len(f.EntityIDs) == 0 {
		return fmt.Errorf("%w: fact must reference at least one entity", store.ErrValidation)
	}
	switch f.Kind {
	case "", store.KindFact, store.KindEvent:
	default:
		return fmt.Errorf("%w: unknown fact kind %q", store.ErrValidation, f.Kind)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: fact confidence must be in [0,1]", store.ErrValidation)
	}
	if f.StoryTime != nil {
		if err := f.StoryTime.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AddKnowledge records a belief held by a character. The holder must be an
// active character; subject and source, when set, must be active entities.
// A knowledge_changed event is recorded on the holder at LearnedAtSequence.
func (g *Graph) AddKnowledge(ctx context.Context, k *store.CharacterKnowledge) error {
	if k == nil {
		return fmt.Errorf("%w: knowledge is required", store.ErrValidation)
	}
	return g.run(ctx, OpAddKnowledge, k.Scope, func(tr *opTrace) error {
		if err := validateKnowledge(k); err != nil {
			return err
		}

		span := tr.startSpan("write")
		err := g.store.WithTx(ctx, func(tx store.Tx) error {
			holder, err := activeIn(ctx, tx, k.Scope, k.CharacterID)
			if err != nil {
				return err
			}
			if holder.Type != store.EntityCharacter {
				return fmt.Errorf("%w: knowledge holder %s is a %s, not a character", store.ErrValidation, holder.ID, holder.Type)
			}
			k.CharacterID = holder.ID
			for _, ref := range []*string{&k.SubjectID, &k.SourceID} {
				if *ref == "" {
					continue
				}
				e, err := activeIn(ctx, tx, k.Scope, *ref)
				if err != nil {
					return err
				}
				*ref = e.ID
			}
			if err := tx.AddKnowledge(ctx, k); err != nil {
				return err
			}
			_, err = provenance.AppendTx(ctx, tx, &store.StateChangeEvent{
				Scope:             k.Scope,
				EntityID:          holder.ID,
				Type:              store.EventKnowledgeChanged,
				NarrativePosition: k.LearnedAtSequence,
				Payload: map[string]any{
					"action":       "added",
					"knowledge_id": k.ID,
					"subject_id":   k.SubjectID,
					"is_accurate":  k.IsAccurate,
				},
			})
			return err
		})
		span.finish(err, nil)
		if err == nil {
			tr.setID("knowledgeId", k.ID)
			tr.setID("characterId", k.CharacterID)
		}
		return err
	})
}

func validateKnowledge(k *store.CharacterKnowledge) error {
	if k.Scope == "" || k.CharacterID == "" {
		return fmt.Errorf("%w: knowledge needs scope and character", store.ErrValidation)
	}
	if strings.TrimSpace(k.Content) == "" {
		return fmt.Errorf("%w: knowledge content is required", store.ErrValidation)
	}
	if k.Confidence < 0 || k.Confidence > 1 {
		return fmt.Errorf("%w: knowledge confidence must be in [0,1]", store.ErrValidation)
	}
	if k.LearnedAtSequence != nil && k.ForgottenAtSequence != nil && *k.ForgottenAtSequence < *k.LearnedAtSequence {
		return fmt.Errorf("%w: knowledge forgotten at %d before it was learned at %d",
			store.ErrValidation, *k.ForgottenAtSequence, *k.LearnedAtSequence)
	}
	return nil
}

// AddDependency records that a narrative unit assumes something about an
// entity or fact. New dependencies start valid. Entity targets are
// redirected to their active survivor.
func (g *Graph) AddDependency(ctx context.Context, d *store.ContentDependency) error {
	if d == nil {
		return fmt.Errorf("%w: dependency is required", store.ErrValidation)
	}
	return g.run(ctx, OpAddDependency, d.Scope, func(tr *opTrace) error {
		if d.Scope == "" || d.UnitID == "" || d.TargetID == "" {
			return fmt.Errorf("%w: dependency needs scope, unit and target", store.ErrValidation)
		}
		if d.TargetKind == "" {
			d.TargetKind = store.TargetEntity
		}

		span := tr.startSpan("write")
		err := g.store.WithTx(ctx, func(tx store.Tx) error {
			switch d.TargetKind {
			case store.TargetEntity:
				e, err := activeIn(ctx, tx, d.Scope, d.TargetID)
				if err != nil {
					return err
				}
				d.TargetID = e.ID
			case store.TargetFact:
				f, err := tx.GetFact(ctx, d.TargetID)
				if err != nil {
					return err
				}
				if f.Scope != d.Scope {
					return fmt.Errorf("%w: fact %s belongs to another scope", store.ErrValidation, f.ID)
				}
			default:
				return fmt.Errorf("%w: unknown dependency target kind %q", store.ErrValidation, d.TargetKind)
			}
			d.Valid = true
			return tx.AddDependency(ctx, d)
		})
		span.finish(err, nil)
		if err == nil {
			tr.setID("dependencyId", d.ID)
			tr.setID("targetId", d.TargetID)
		}
		return err
	})
}

// InvalidateDependencies marks every valid dependency on targetID invalid,
// typically after a change the impact preview flagged. It returns how many
// were invalidated. No provenance event is recorded.
func (g *Graph) InvalidateDependencies(ctx context.Context, scope, targetID string) (int, error) {
	invalidated := 0
	err := g.run(ctx, OpInvalidate, scope, func(tr *opTrace) error {
		tr.setID("targetId", targetID)
		if scope == "" || targetID == "" {
			return fmt.Errorf("%w: scope and target are required", store.ErrValidation)
		}
		span := tr.startSpan("write")
		err := g.store.WithTx(ctx, func(tx store.Tx) error {
			deps, err := tx.DependenciesByTarget(ctx, scope, targetID)
			if err != nil {
				return err
			}
			for _, d := range deps {
				if !d.Valid {
					continue
				}
				d.Valid = false
				if err := tx.UpdateDependency(ctx, d); err != nil {
					return err
				}
				invalidated++
			}
			return nil
		})
		if err != nil {
			invalidated = 0
		}
		span.finish(err, map[string]int64{"invalidated": int64(invalidated)})
		return err
	})
	return invalidated, err
}

// ---------------------------------------------------------------
// Point-in-time reads
// ---------------------------------------------------------------

// FactsAt returns the facts attached to entityID that are knowable at cursor.
// An empty entityID reads every fact in scope. A merged entity id reads its
// survivor's facts.
func (g *Graph) FactsAt(ctx context.Context, scope, entityID string, cursor temporal.Cursor) (temporal.Result, error) {
	var res temporal.Result
	err := g.run(ctx, OpFactsAt, scope, func(tr *opTrace) error {
		if err := cursor.Validate(); err != nil {
			return err
		}
		if entityID != "" {
			e, err := activeIn(ctx, g.store, scope, entityID)
			if err != nil {
				return err
			}
			entityID = e.ID
			tr.setID("entityId", entityID)
		}

		read := tr.startSpan("read")
		facts, err := g.store.GetFacts(ctx, scope, entityID)
		read.finish(err, nil)
		if err != nil {
			return err
		}

		candidates := make([]store.Fact, len(facts))
		for i, f := range facts {
			candidates[i] = *f
		}
		filter := tr.startSpan("filter")
		res, err = temporal.Filter(candidates, cursor)
		// Counts what was returned, never what was hidden.
		filter.finish(err, map[string]int64{"returned": int64(len(res.Items))})
		return err
	})
	return res, err
}

// FactsForDocument is FactsAt with the cursor derived from a request: an
// explicit override wins, then the document's narrative_position front-matter,
// then no restriction.
func (g *Graph) FactsForDocument(ctx context.Context, scope, entityID string, override *temporal.Cursor, document []byte) (temporal.Result, error) {
	cursor, err := temporal.CursorFor(override, document)
	if err != nil {
		return temporal.Result{}, err
	}
	return g.FactsAt(ctx, scope, entityID, cursor)
}

// BeliefsAt returns what a character believes at a sequence cursor.
func (g *Graph) BeliefsAt(ctx context.Context, scope, characterID string, cursor int) (provenance.Beliefs, error) {
	var out provenance.Beliefs
	err := g.run(ctx, OpBeliefsAt, scope, func(tr *opTrace) error {
		tr.setID("characterId", characterID)
		var err error
		out, err = g.provenance.BeliefsAt(ctx, scope, characterID, cursor)
		return err
	})
	return out, err
}

// ImpactOf previews what changing an entity would disturb. It never writes.
func (g *Graph) ImpactOf(ctx context.Context, scope, entityID string, kind provenance.ModificationKind) (provenance.ImpactReport, error) {
	var out provenance.ImpactReport
	err := g.run(ctx, OpImpactOf, scope, func(tr *opTrace) error {
		tr.setID("entityId", entityID)
		var err error
		out, err = g.provenance.ImpactOf(ctx, scope, entityID, kind)
		if err == nil {
			tr.setID("severity", string(out.Severity))
		}
		return err
	})
	return out, err
}

// StateAt reconstructs an entity from its events at a narrative position.
func (g *Graph) StateAt(ctx context.Context, scope, entityID string, cursor int) (*provenance.Snapshot, error) {
	var out *provenance.Snapshot
	err := g.run(ctx, OpStateAt, scope, func(tr *opTrace) error {
		tr.setID("entityId", entityID)
		var err error
		out, err = g.provenance.StateAt(ctx, scope, entityID, cursor)
		return err
	})
	return out, err
}

// EventsFor returns an entity's provenance events in insertion order.
func (g *Graph) EventsFor(ctx context.Context, scope, entityID string) ([]*store.StateChangeEvent, error) {
	var out []*store.StateChangeEvent
	err := g.run(ctx, OpEvents, scope, func(tr *opTrace) error {
		tr.setID("entityId", entityID)
		var err error
		out, err = g.provenance.EventsFor(ctx, scope, entityID)
		return err
	})
	return out, err
}

// EventsUntil returns every event in scope positioned at or before position.
func (g *Graph) EventsUntil(ctx context.Context, scope string, position int) ([]*store.StateChangeEvent, error) {
	var out []*store.StateChangeEvent
	err := g.run(ctx, OpEvents, scope, func(tr *opTrace) error {
		var err error
		out, err = g.provenance.EventsUntil(ctx, scope, position)
		return err
	})
	return out, err
}

// RecordAttributeChange appends an attribute_changed event for an entity.
func (g *Graph) RecordAttributeChange(ctx context.Context, scope, entityID, field string, oldValue, newValue any, position *int) (string, error) {
	var id string
	err := g.run(ctx, OpRecordAttributeChange, scope, func(tr *opTrace) error {
		tr.setID("entityId", entityID)
		var err error
		id, err = g.provenance.RecordAttributeChange(ctx, scope, entityID, field, oldValue, newValue, position)
		if err == nil {
			tr.setID("eventId", id)
		}
		return err
	})
	return id, err
}

// Stats returns record counts for scope and publishes them as storage gauges.
func (g *Graph) Stats(ctx context.Context, scope string) (store.Counts, error) {
	var counts store.Counts
	err := g.run(ctx, OpStats, scope, func(tr *opTrace) error {
		var err error
		counts, err = g.store.Count(ctx, scope)
		if err != nil {
			return err
		}
		g.metrics.SetStorageCount(ctx, "entities", counts.Entities)
		g.metrics.SetStorageCount(ctx, "relationships", counts.Relationships)
		g.metrics.SetStorageCount(ctx, "facts", counts.Facts)
		g.metrics.SetStorageCount(ctx, "events", counts.Events)
		return nil
	})
	return counts, err
}
