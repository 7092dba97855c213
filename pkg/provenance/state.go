package provenance

import (
	"context"
	"fmt"
	"sort"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Snapshot is an entity as reconstructed from its events at a cursor.
type Snapshot struct {
	EntityID    string
	Cursor      int
	Name        string
	Type        store.EntityType
	Aliases     []string
	Description string
	Properties  map[string]any
	Status      store.EntityStatus
	MergedInto  string
	Applied     int // events replayed
}

// StateAt rebuilds entityID as it stood at narrative position cursor by
// replaying its events in narrative order, then insertion order. Events with
// no position take the position of the entity's creation, so they apply
// after it in insertion order. It returns ErrNotFound when the entity's
// creation is not visible at the cursor.
func (l *Log) StateAt(ctx context.Context, scope, entityID string, cursor int) (*Snapshot, error) {
	events, err := l.store.ListEvents(ctx, store.EventQuery{
		Scope:                scope,
		EntityID:             entityID,
		MaxNarrativePosition: &cursor,
	})
	if err != nil {
		return nil, err
	}

	created := 0
	for _, ev := range events {
		if ev.Type == store.EventEntityCreated {
			created = ev.Position()
			break
		}
	}
	placed := func(ev *store.StateChangeEvent) int {
		if ev.NarrativePosition == nil {
			return created
		}
		return *ev.NarrativePosition
	}
	sort.SliceStable(events, func(i, j int) bool {
		if pi, pj := placed(events[i]), placed(events[j]); pi != pj {
			return pi < pj
		}
		return events[i].Seq < events[j].Seq
	})

	var snap *Snapshot
	for _, ev := range events {
		if ev.Type == store.EventEntityCreated {
			snap = &Snapshot{
				EntityID:   entityID,
				Cursor:     cursor,
				Status:     store.StatusActive,
				Properties: map[string]any{},
			}
		}
		if snap == nil {
			continue
		}
		if snap.apply(ev) {
			snap.Applied++
		}
	}
	if snap == nil {
		return nil, fmt.Errorf("entity %s has no creation event at position %d: %w", entityID, cursor, store.ErrNotFound)
	}
	return snap, nil
}

// apply folds ev into the snapshot and reports whether it changed attributes.
func (s *Snapshot) apply(ev *store.StateChangeEvent) bool {
	p := ev.Payload
	switch ev.Type {
	case store.EventEntityCreated:
		s.Name = asString(p["name"])
		s.Type = store.EntityType(asString(p["type"]))
		s.Aliases = asStrings(p["aliases"])
		s.Description = asString(p["description"])
		for k, v := range asMap(p["properties"]) {
			s.Properties[k] = v
		}
	case store.EventAttributeChanged:
		s.setField(asString(p["field"]), p["new"])
	case store.EventEntityMerged:
		if v, ok := p["aliases"]; ok {
			s.Aliases = asStrings(v)
		}
		if v, ok := p["description"]; ok {
			s.Description = asString(v)
		}
		for k, v := range asMap(p["properties"]) {
			s.Properties[k] = v
		}
	default:
		// Relationship, fact and knowledge events do not change entity attributes.
		return false
	}
	return true
}

func (s *Snapshot) setField(field string, value any) {
	switch field {
	case "":
		return
	case "name":
		s.Name = asString(value)
	case "type":
		s.Type = store.EntityType(asString(value))
	case "aliases":
		s.Aliases = asStrings(value)
	case "description":
		s.Description = asString(value)
	case "status":
		s.Status = store.EntityStatus(asString(value))
	case "merged_into":
		s.MergedInto = asString(value)
	default:
		if value == nil {
			delete(s.Properties, field)
			return
		}
		s.Properties[field] = value
	}
}

// Payloads arrive either as the Go values they were written with (memory
// store) or as decoded JSON (SQLite), so both shapes are accepted.

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return store.NormalizeAliases(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return store.NormalizeAliases(out)
	default:
		return []string{}
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
