// Package store provides storage implementations for the temporal knowledge graph.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// EntityType is the closed set of referent kinds the graph tracks.
type EntityType string

const (
	EntityCharacter    EntityType = "character"
	EntityLocation     EntityType = "location"
	EntityOrganization EntityType = "organization"
	EntityItem         EntityType = "item"
	EntityGroup        EntityType = "group"
)

var validEntityTypes = map[EntityType]bool{
	EntityCharacter:    true,
	EntityLocation:     true,
	EntityOrganization: true,
	EntityItem:         true,
	EntityGroup:        true,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return validEntityTypes[t]
}

// EntityStatus is the lifecycle state of an entity.
type EntityStatus string

const (
	StatusActive EntityStatus = "active"
	StatusMerged EntityStatus = "merged"
)

// Entity represents a referent in a scoped knowledge graph.
type Entity struct {
	ID          string         // Unique identifier (UUID)
	Scope       string         // Vault the entity belongs to
	Name        string         // Display name
	Aliases     []string       // Alternative names, set semantics (see NormalizeAliases)
	Type        EntityType     // Closed type tag
	Description string         // Free-text description
	Properties  map[string]any // Free-form attributes
	Embedding   []float32      // Optional vector embedding
	EraStart    *int           // Inclusive start of the era window, nil = unbounded
	EraEnd      *int           // Inclusive end of the era window, nil = unbounded
	Status      EntityStatus
	MergedInto  *string    // Forwarding pointer, set only when Status == merged
	MergedAt    *time.Time // When the entity was retired
	MergedBy    string     // Actor that performed the merge
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the entity can still take part in edges.
func (e *Entity) Active() bool {
	return e.Status == StatusActive
}

// EraContains reports whether narrative time at falls within the entity's era
// window. A missing bound is open, so an entity with no window contains every at.
func (e *Entity) EraContains(at int) bool {
	if e.EraStart != nil && at < *e.EraStart {
		return false
	}
	if e.EraEnd != nil && at > *e.EraEnd {
		return false
	}
	return true
}

// HasName reports whether name matches the display name or one of the aliases,
// ignoring case and surrounding whitespace.
func (e *Entity) HasName(name string) bool {
	key := NormalizeName(name)
	if NormalizeName(e.Name) == key {
		return true
	}
	for _, a := range e.Aliases {
		if NormalizeName(a) == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	c.Embedding = append([]float32(nil), e.Embedding...)
	c.Properties = cloneMap(e.Properties)
	c.EraStart = cloneInt(e.EraStart)
	c.EraEnd = cloneInt(e.EraEnd)
	if e.MergedInto != nil {
		v := *e.MergedInto
		c.MergedInto = &v
	}
	if e.MergedAt != nil {
		v := *e.MergedAt
		c.MergedAt = &v
	}
	return &c
}

// Relationship represents a typed, directed edge between two entities.
type Relationship struct {
	ID         string         // Unique identifier (UUID)
	Scope      string         // Vault the edge belongs to
	SourceID   string         // Source entity ID
	TargetID   string         // Target entity ID
	Type       string         // Relationship type (FRIEND, MENTOR, ...)
	Attributes map[string]any // Optional free-form attributes
	CreatedAt  time.Time
}

// Key returns the identity triple used to forbid duplicate edges.
func (r *Relationship) Key() string {
	return r.SourceID + "\x00" + r.TargetID + "\x00" + strings.ToUpper(r.Type)
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	c := *r
	c.Attributes = cloneMap(r.Attributes)
	return &c
}

// ListOptions narrows ListEntities.
type ListOptions struct {
	Type          EntityType // Empty means all types
	IncludeMerged bool       // Include retired entities
}

// EventQuery selects provenance events.
type EventQuery struct {
	Scope    string
	EntityID string // Empty means every subject in scope
	Type     EventType
	// MaxNarrativePosition keeps events positioned at or before this cursor.
	// Events without a position count as position 0.
	MaxNarrativePosition *int
}

// Counts summarizes the records held for a scope.
type Counts struct {
	Entities      int64
	Relationships int64
	Facts         int64
	Events        int64
}

// Reader groups every read the engine performs against the graph.
type Reader interface {
	// GetEntity retrieves an entity by ID regardless of status.
	// Returns ErrNotFound if no such entity exists.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// FindEntitiesByName returns active entities in scope whose name or one of
	// whose aliases equals name (case-insensitive), ordered by created_at, id.
	FindEntitiesByName(ctx context.Context, scope, name string) ([]*Entity, error)

	// ListEntities returns entities in scope ordered by created_at, id.
	ListEntities(ctx context.Context, scope string, opts ListOptions) ([]*Entity, error)

	// GetRelationships returns every edge where entityID is source or target.
	GetRelationships(ctx context.Context, entityID string) ([]*Relationship, error)

	// FindRelationship returns the edge with the given identity triple.
	// Returns ErrNotFound if there is none.
	FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error)

	// GetFact retrieves a fact or event by ID.
	GetFact(ctx context.Context, id string) (*Fact, error)

	// GetFacts returns facts and events in scope attached to entityID.
	// An empty entityID returns every fact in scope.
	GetFacts(ctx context.Context, scope, entityID string) ([]*Fact, error)

	// KnowledgeByCharacter returns beliefs held by characterID.
	KnowledgeByCharacter(ctx context.Context, scope, characterID string) ([]*CharacterKnowledge, error)

	// KnowledgeReferencing returns beliefs where entityID appears in any role.
	KnowledgeReferencing(ctx context.Context, scope, entityID string) ([]*CharacterKnowledge, error)

	// DependenciesByTarget returns content dependencies pointing at targetID.
	DependenciesByTarget(ctx context.Context, scope, targetID string) ([]*ContentDependency, error)

	// GetMergeCandidate retrieves a merge candidate by ID.
	GetMergeCandidate(ctx context.Context, id string) (*EntityMergeCandidate, error)

	// FindMergeCandidates returns candidates for the unordered pair (a, b).
	FindMergeCandidates(ctx context.Context, a, b string) ([]*EntityMergeCandidate, error)

	// ListMergeCandidates returns candidates in scope, optionally filtered by status,
	// ordered by score descending.
	ListMergeCandidates(ctx context.Context, scope string, status CandidateStatus) ([]*EntityMergeCandidate, error)

	// ListEvents returns provenance events in insertion order.
	ListEvents(ctx context.Context, q EventQuery) ([]*StateChangeEvent, error)

	// Count returns record counts for scope.
	Count(ctx context.Context, scope string) (Counts, error)
}

// Writer groups every mutation. Writers are only reachable through a Tx.
type Writer interface {
	// LockEntities takes write locks on the given entity rows, in ascending id order.
	LockEntities(ctx context.Context, ids ...string) error

	// CreateEntity inserts a new entity. Returns ErrConflict if an active
	// entity with the same scope, name and era window already exists.
	CreateEntity(ctx context.Context, e *Entity) error
	UpdateEntity(ctx context.Context, e *Entity) error

	// AddRelationship inserts an edge. Returns ErrConflict for a duplicate triple.
	AddRelationship(ctx context.Context, r *Relationship) error
	UpdateRelationship(ctx context.Context, r *Relationship) error
	DeleteRelationship(ctx context.Context, id string) error

	AddFact(ctx context.Context, f *Fact) error
	UpdateFact(ctx context.Context, f *Fact) error

	AddKnowledge(ctx context.Context, k *CharacterKnowledge) error
	UpdateKnowledge(ctx context.Context, k *CharacterKnowledge) error

	AddDependency(ctx context.Context, d *ContentDependency) error
	UpdateDependency(ctx context.Context, d *ContentDependency) error

	AddMergeCandidate(ctx context.Context, c *EntityMergeCandidate) error
	UpdateMergeCandidate(ctx context.Context, c *EntityMergeCandidate) error

	// AppendEvent appends an immutable provenance event and assigns its Seq.
	AppendEvent(ctx context.Context, ev *StateChangeEvent) error
}

// Tx is a unit of work. Everything written through a Tx commits or rolls back together.
type Tx interface {
	Reader
	Writer
}

// Store is the single shared mutable resource of the engine.
type Store interface {
	Reader

	// WithTx runs fn inside a transaction. If fn returns an error, nothing
	// written through tx is visible afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}

// Error taxonomy shared by every component.
var (
	// ErrNotFound indicates a referenced record does not exist or is not in the expected status.
	ErrNotFound = errors.New("not found")

	// ErrTypeMismatch indicates a merge across incompatible entity types.
	ErrTypeMismatch = errors.New("entity type mismatch")

	// ErrConflict indicates a concurrent create of the same logical record.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates malformed input from a caller.
	ErrValidation = errors.New("validation failed")

	// ErrStorage indicates the backing store failed or a transaction could not commit.
	ErrStorage = errors.New("storage error")
)

// NormalizeName lower-cases and trims a name for matching.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeAliases collapses duplicates (case-insensitive), drops blanks and
// returns the aliases sorted so that storage order carries no meaning.
func NormalizeAliases(aliases []string) []string {
	seen := make(map[string]bool, len(aliases))
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		key := NormalizeName(a)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return NormalizeName(out[i]) < NormalizeName(out[j])
	})
	return out
}

// SortEntities orders entities by created_at, then id.
func SortEntities(entities []*Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if !entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
			return entities[i].CreatedAt.Before(entities[j].CreatedAt)
		}
		return entities[i].ID < entities[j].ID
	})
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

// cloneValue copies the container shapes payloads and properties use.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, item := range t {
			c[i] = cloneValue(item)
		}
		return c
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		c := make(map[string]string, len(t))
		for k, s := range t {
			c[k] = s
		}
		return c
	default:
		return v
	}
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int {
	return &v
}
