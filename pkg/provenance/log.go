// Package provenance is the append-only record of entity state changes.
// It answers point-in-time questions (beliefs, reconstructed state) and
// previews the impact of a change before it is applied.
package provenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

var knownEventTypes = map[store.EventType]bool{
	store.EventEntityCreated:       true,
	store.EventAttributeChanged:    true,
	store.EventRelationshipChanged: true,
	store.EventEntityMerged:        true,
	store.EventFactChanged:         true,
	store.EventKnowledgeChanged:    true,
}

// Log reads and appends provenance events through a store.
type Log struct {
	store  store.Store
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.logger = l
		}
	}
}

// New creates a provenance log over s.
func New(s store.Store, opts ...Option) *Log {
	l := &Log{store: s, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes ev in its own transaction and returns the event id.
func (l *Log) Append(ctx context.Context, ev *store.StateChangeEvent) (string, error) {
	var id string
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		id, err = AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return "", err
	}
	l.logger.Debug("provenance event appended", "event_id", id, "entity_id", ev.EntityID, "type", ev.Type)
	return id, nil
}

// AppendTx validates ev and appends it through w, so the event commits or
// rolls back with the caller's other writes.
func AppendTx(ctx context.Context, w store.Writer, ev *store.StateChangeEvent) (string, error) {
	if err := validateEvent(ev); err != nil {
		return "", err
	}
	if err := w.AppendEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("failed to append %s event: %w", ev.Type, err)
	}
	return ev.ID, nil
}

func validateEvent(ev *store.StateChangeEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", store.ErrValidation)
	}
	if ev.Scope == "" || ev.EntityID == "" {
		return fmt.Errorf("%w: event requires scope and entity id", store.ErrValidation)
	}
	if !knownEventTypes[ev.Type] {
		return fmt.Errorf("%w: unknown event type %q", store.ErrValidation, ev.Type)
	}
	return nil
}

// EventsFor returns every event about entityID in insertion order.
func (l *Log) EventsFor(ctx context.Context, scope, entityID string) ([]*store.StateChangeEvent, error) {
	return l.store.ListEvents(ctx, store.EventQuery{Scope: scope, EntityID: entityID})
}

// EventsUntil returns every event in scope positioned at or before the
// narrative position, in insertion order. Unpositioned events count as 0.
func (l *Log) EventsUntil(ctx context.Context, scope string, position int) ([]*store.StateChangeEvent, error) {
	return l.store.ListEvents(ctx, store.EventQuery{Scope: scope, MaxNarrativePosition: &position})
}

// RecordAttributeChange appends an attribute_changed event for an existing
// entity. It does not modify the entity itself.
func (l *Log) RecordAttributeChange(ctx context.Context, scope, entityID, field string, oldValue, newValue any, position *int) (string, error) {
	if field == "" {
		return "", fmt.Errorf("%w: attribute change requires a field", store.ErrValidation)
	}
	var id string
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetEntity(ctx, entityID)
		if err != nil {
			return err
		}
		if e.Scope != scope {
			return fmt.Errorf("entity %s in scope %s: %w", entityID, scope, store.ErrNotFound)
		}
		id, err = AppendTx(ctx, tx, &store.StateChangeEvent{
			Scope:             scope,
			EntityID:          entityID,
			Type:              store.EventAttributeChanged,
			NarrativePosition: position,
			Payload: map[string]any{
				"field": field,
				"old":   oldValue,
				"new":   newValue,
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
