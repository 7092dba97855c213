// Package resolve maps names to entities and creates entities that do not
// exist yet, without ever creating the same one twice.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/provenance"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Fallback reasons logged when several entities share a name.
const (
	ReasonNoWindowContains       = "no_window_contains"
	ReasonMultipleWindowsContain = "multiple_windows_contain"
	ReasonNoNarrativeTime        = "no_narrative_time"
)

// EntityRef identifies a resolved entity.
type EntityRef struct {
	ID     string
	Status store.EntityStatus
	Name   string
	Type   store.EntityType
}

func refOf(e *store.Entity) EntityRef {
	return EntityRef{ID: e.ID, Status: e.Status, Name: e.Name, Type: e.Type}
}

// Resolver resolves names within a scope.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
	locks  *keyedMutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Resolver over s.
func New(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:  s,
		logger: slog.New(slog.DiscardHandler),
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the active entity in scope named name (or aliased as name).
// When several match, at selects the one whose era window contains it; if
// that is not decisive the most recently created match is returned and the
// fallback is logged. It returns ErrNotFound when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, scope, name string, at *int) (EntityRef, error) {
	matches, err := r.store.FindEntitiesByName(ctx, scope, name)
	if err != nil {
		return EntityRef{}, err
	}
	e, err := r.pick(scope, name, matches, at)
	if err != nil {
		return EntityRef{}, err
	}
	return refOf(e), nil
}

func (r *Resolver) pick(scope, name string, matches []*store.Entity, at *int) (*store.Entity, error) {
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("entity %q in scope %s: %w", name, scope, store.ErrNotFound)
	case 1:
		return matches[0], nil
	}

	reason := ReasonNoNarrativeTime
	if at != nil {
		var containing []*store.Entity
		for _, m := range matches {
			if m.EraContains(*at) {
				containing = append(containing, m)
			}
		}
		if len(containing) == 1 {
			return containing[0], nil
		}
		reason = ReasonNoWindowContains
		if len(containing) > 1 {
			reason = ReasonMultipleWindowsContain
		}
	}

	chosen := mostRecent(matches)
	attrs := []any{
		"scope", scope,
		"name", name,
		"reason", reason,
		"matches", len(matches),
		"chosen_id", chosen.ID,
	}
	if at != nil {
		attrs = append(attrs, "at", *at)
	}
	r.logger.Warn("resolver fallback to most recent entity", attrs...)
	return chosen, nil
}

// mostRecent returns the match created last, ties broken by id descending.
func mostRecent(matches []*store.Entity) *store.Entity {
	sorted := append([]*store.Entity(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted[0]
}

// Lookup returns the entity for id, following merge forwarding pointers to
// the active survivor.
func (r *Resolver) Lookup(ctx context.Context, id string) (EntityRef, error) {
	e, err := store.ResolveForward(ctx, r.store, id)
	if err != nil {
		return EntityRef{}, err
	}
	return refOf(e), nil
}

// FindOrCreate returns the existing entity for c, or creates it and records
// an entity_created event in the same transaction. created reports which.
//
// Calls are serialized per (scope, name, era window) inside the process, and
// the store's unique index covers other processes: a conflicting create is
// re-resolved once and the winner returned.
func (r *Resolver) FindOrCreate(ctx context.Context, c Candidate) (EntityRef, bool, error) {
	if err := ctx.Err(); err != nil {
		return EntityRef{}, false, err
	}
	if err := c.Validate(); err != nil {
		return EntityRef{}, false, err
	}

	unlock := r.locks.Lock(lockKey(c))
	defer unlock()

	if existing, err := r.findExisting(ctx, c); err == nil {
		return refOf(existing), false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return EntityRef{}, false, err
	}

	e, err := r.create(ctx, c)
	if errors.Is(err, store.ErrConflict) {
		r.logger.Info("concurrent create detected, re-resolving", "scope", c.Scope, "name", c.Name)
		existing, findErr := r.findExisting(ctx, c)
		if findErr == nil {
			return refOf(existing), false, nil
		}
		return EntityRef{}, false, err
	}
	if err != nil {
		return EntityRef{}, false, err
	}

	r.logger.Info("entity created", "scope", c.Scope, "entity_id", e.ID, "type", e.Type)
	return refOf(e), true, nil
}

// findExisting applies the reuse rule: without an era window any resolved
// match is reused; with one, only a match whose window lies within it.
func (r *Resolver) findExisting(ctx context.Context, c Candidate) (*store.Entity, error) {
	matches, err := r.store.FindEntitiesByName(ctx, c.Scope, c.Name)
	if err != nil {
		return nil, err
	}
	if !c.hasEraWindow() {
		return r.pick(c.Scope, c.Name, matches, c.at())
	}

	var within []*store.Entity
	for _, m := range matches {
		if sameWindow(m, c) {
			return m, nil
		}
		if windowWithin(m, c) {
			within = append(within, m)
		}
	}
	if len(within) == 0 {
		return nil, fmt.Errorf("entity %q in era window: %w", c.Name, store.ErrNotFound)
	}
	return r.pick(c.Scope, c.Name, within, c.at())
}

func (r *Resolver) create(ctx context.Context, c Candidate) (*store.Entity, error) {
	e := &store.Entity{
		Scope:       c.Scope,
		Name:        c.Name,
		Aliases:     c.Aliases,
		Type:        c.Type,
		Description: c.Description,
		Properties:  c.Properties,
		Embedding:   c.Embedding,
		EraStart:    c.EraStart,
		EraEnd:      c.EraEnd,
	}

	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateEntity(ctx, e); err != nil {
			return err
		}
		_, err := provenance.AppendTx(ctx, tx, &store.StateChangeEvent{
			Scope:             e.Scope,
			EntityID:          e.ID,
			Type:              store.EventEntityCreated,
			NarrativePosition: c.NarrativePosition,
			Payload:           createdPayload(e),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func createdPayload(e *store.Entity) map[string]any {
	p := map[string]any{
		"name":        e.Name,
		"type":        string(e.Type),
		"aliases":     append([]string{}, e.Aliases...),
		"description": e.Description,
	}
	if len(e.Properties) > 0 {
		props := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			props[k] = v
		}
		p["properties"] = props
	}
	if e.EraStart != nil {
		p["era_start"] = *e.EraStart
	}
	if e.EraEnd != nil {
		p["era_end"] = *e.EraEnd
	}
	return p
}

func sameWindow(e *store.Entity, c Candidate) bool {
	return equalBound(e.EraStart, c.EraStart) && equalBound(e.EraEnd, c.EraEnd)
}

func equalBound(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// windowWithin reports whether e's era window lies inside c's. A nil bound on
// the candidate is open; a nil bound on the entity only fits an open bound.
func windowWithin(e *store.Entity, c Candidate) bool {
	if c.EraStart != nil && (e.EraStart == nil || *e.EraStart < *c.EraStart) {
		return false
	}
	if c.EraEnd != nil && (e.EraEnd == nil || *e.EraEnd > *c.EraEnd) {
		return false
	}
	return true
}

func lockKey(c Candidate) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", c.Scope, store.NormalizeName(c.Name), bound(c.EraStart), bound(c.EraEnd))
}

func bound(p *int) string {
	if p == nil {
		return "*"
	}
	return fmt.Sprint(*p)
}
