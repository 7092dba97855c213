package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store entirely in process memory.
// Transactions run under the store-wide write lock against a cloned working
// set which replaces the committed state only when the transaction succeeds.
type MemoryStore struct {
	mu     sync.RWMutex
	state  *memState
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Compile-time interface checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memView)(nil)
)

type memState struct {
	entities   map[string]*Entity
	edges      map[string]*Relationship
	facts      map[string]*Fact
	knowledge  map[string]*CharacterKnowledge
	deps       map[string]*ContentDependency
	candidates map[string]*EntityMergeCandidate
	events     []*StateChangeEvent
	nextSeq    int64
}

func newMemState() *memState {
	return &memState{
		entities:   make(map[string]*Entity),
		edges:      make(map[string]*Relationship),
		facts:      make(map[string]*Fact),
		knowledge:  make(map[string]*CharacterKnowledge),
		deps:       make(map[string]*ContentDependency),
		candidates: make(map[string]*EntityMergeCandidate),
	}
}

// clone copies the maps. Records are stored as private copies and replaced
// wholesale on update, so sharing the pointers between states is safe.
func (s *memState) clone() *memState {
	c := &memState{
		entities:   make(map[string]*Entity, len(s.entities)),
		edges:      make(map[string]*Relationship, len(s.edges)),
		facts:      make(map[string]*Fact, len(s.facts)),
		knowledge:  make(map[string]*CharacterKnowledge, len(s.knowledge)),
		deps:       make(map[string]*ContentDependency, len(s.deps)),
		candidates: make(map[string]*EntityMergeCandidate, len(s.candidates)),
		events:     append([]*StateChangeEvent(nil), s.events...),
		nextSeq:    s.nextSeq,
	}
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, v := range s.edges {
		c.edges[k] = v
	}
	for k, v := range s.facts {
		c.facts[k] = v
	}
	for k, v := range s.knowledge {
		c.knowledge[k] = v
	}
	for k, v := range s.deps {
		c.deps[k] = v
	}
	for k, v := range s.candidates {
		c.candidates[k] = v
	}
	return c
}

// WithTx runs fn against a private working copy and commits it on success.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory store closed: %w", ErrStorage)
	}

	working := m.state.clone()
	if err := fn(&memView{st: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

// Close marks the store closed. Reads keep working on the last committed state.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) view() (*memView, func()) {
	m.mu.RLock()
	return &memView{st: m.state}, m.mu.RUnlock
}

func (m *MemoryStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	v, done := m.view()
	defer done()
	return v.GetEntity(ctx, id)
}

func (m *MemoryStore) FindEntitiesByName(ctx context.Context, scope, name string) ([]*Entity, error) {
	v, done := m.view()
	defer done()
	return v.FindEntitiesByName(ctx, scope, name)
}

func (m *MemoryStore) ListEntities(ctx context.Context, scope string, opts ListOptions) ([]*Entity, error) {
	v, done := m.view()
	defer done()
	return v.ListEntities(ctx, scope, opts)
}

func (m *MemoryStore) GetRelationships(ctx context.Context, entityID string) ([]*Relationship, error) {
	v, done := m.view()
	defer done()
	return v.GetRelationships(ctx, entityID)
}

func (m *MemoryStore) FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error) {
	v, done := m.view()
	defer done()
	return v.FindRelationship(ctx, sourceID, targetID, relType)
}

func (m *MemoryStore) GetFact(ctx context.Context, id string) (*Fact, error) {
	v, done := m.view()
	defer done()
	return v.GetFact(ctx, id)
}

func (m *MemoryStore) GetFacts(ctx context.Context, scope, entityID string) ([]*Fact, error) {
	v, done := m.view()
	defer done()
	return v.GetFacts(ctx, scope, entityID)
}

func (m *MemoryStore) KnowledgeByCharacter(ctx context.Context, scope, characterID string) ([]*CharacterKnowledge, error) {
	v, done := m.view()
	defer done()
	return v.KnowledgeByCharacter(ctx, scope, characterID)
}

func (m *MemoryStore) KnowledgeReferencing(ctx context.Context, scope, entityID string) ([]*CharacterKnowledge, error) {
	v, done := m.view()
	defer done()
	return v.KnowledgeReferencing(ctx, scope, entityID)
}

func (m *MemoryStore) DependenciesByTarget(ctx context.Context, scope, targetID string) ([]*ContentDependency, error) {
	v, done := m.view()
	defer done()
	return v.DependenciesByTarget(ctx, scope, targetID)
}

func (m *MemoryStore) GetMergeCandidate(ctx context.Context, id string) (*EntityMergeCandidate, error) {
	v, done := m.view()
	defer done()
	return v.GetMergeCandidate(ctx, id)
}

func (m *MemoryStore) FindMergeCandidates(ctx context.Context, a, b string) ([]*EntityMergeCandidate, error) {
	v, done := m.view()
	defer done()
	return v.FindMergeCandidates(ctx, a, b)
}

func (m *MemoryStore) ListMergeCandidates(ctx context.Context, scope string, status CandidateStatus) ([]*EntityMergeCandidate, error) {
	v, done := m.view()
	defer done()
	return v.ListMergeCandidates(ctx, scope, status)
}

func (m *MemoryStore) ListEvents(ctx context.Context, q EventQuery) ([]*StateChangeEvent, error) {
	v, done := m.view()
	defer done()
	return v.ListEvents(ctx, q)
}

func (m *MemoryStore) Count(ctx context.Context, scope string) (Counts, error) {
	v, done := m.view()
	defer done()
	return v.Count(ctx, scope)
}

// memView reads and writes one memState. It backs both committed reads and
// transactions; callers hold the appropriate lock.
type memView struct {
	st *memState
}

func (v *memView) GetEntity(ctx context.Context, id string) (*Entity, error) {
	e, ok := v.st.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (v *memView) FindEntitiesByName(ctx context.Context, scope, name string) ([]*Entity, error) {
	var out []*Entity
	for _, e := range v.st.entities {
		if e.Scope == scope && e.Active() && e.HasName(name) {
			out = append(out, e.Clone())
		}
	}
	SortEntities(out)
	return out, nil
}

func (v *memView) ListEntities(ctx context.Context, scope string, opts ListOptions) ([]*Entity, error) {
	var out []*Entity
	for _, e := range v.st.entities {
		if e.Scope != scope {
			continue
		}
		if !opts.IncludeMerged && !e.Active() {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		out = append(out, e.Clone())
	}
	SortEntities(out)
	return out, nil
}

func (v *memView) GetRelationships(ctx context.Context, entityID string) ([]*Relationship, error) {
	out := make([]*Relationship, 0)
	for _, r := range v.st.edges {
		if r.SourceID == entityID || r.TargetID == entityID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memView) FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error) {
	probe := Relationship{SourceID: sourceID, TargetID: targetID, Type: relType}
	key := probe.Key()
	for _, r := range v.st.edges {
		if r.Key() == key {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("relationship %s-[%s]->%s: %w", sourceID, relType, targetID, ErrNotFound)
}

func (v *memView) GetFact(ctx context.Context, id string) (*Fact, error) {
	f, ok := v.st.facts[id]
	if !ok {
		return nil, fmt.Errorf("fact %s: %w", id, ErrNotFound)
	}
	return f.Clone(), nil
}

func (v *memView) GetFacts(ctx context.Context, scope, entityID string) ([]*Fact, error) {
	out := make([]*Fact, 0)
	for _, f := range v.st.facts {
		if f.Scope != scope {
			continue
		}
		if entityID != "" && !f.References(entityID) {
			continue
		}
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memView) KnowledgeByCharacter(ctx context.Context, scope, characterID string) ([]*CharacterKnowledge, error) {
	return v.knowledgeWhere(scope, func(k *CharacterKnowledge) bool { return k.CharacterID == characterID }), nil
}

func (v *memView) KnowledgeReferencing(ctx context.Context, scope, entityID string) ([]*CharacterKnowledge, error) {
	return v.knowledgeWhere(scope, func(k *CharacterKnowledge) bool { return k.References(entityID) }), nil
}

func (v *memView) knowledgeWhere(scope string, keep func(*CharacterKnowledge) bool) []*CharacterKnowledge {
	out := make([]*CharacterKnowledge, 0)
	for _, k := range v.st.knowledge {
		if k.Scope == scope && keep(k) {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *memView) DependenciesByTarget(ctx context.Context, scope, targetID string) ([]*ContentDependency, error) {
	out := make([]*ContentDependency, 0)
	for _, d := range v.st.deps {
		if d.Scope == scope && d.TargetID == targetID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memView) GetMergeCandidate(ctx context.Context, id string) (*EntityMergeCandidate, error) {
	c, ok := v.st.candidates[id]
	if !ok {
		return nil, fmt.Errorf("merge candidate %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (v *memView) FindMergeCandidates(ctx context.Context, a, b string) ([]*EntityMergeCandidate, error) {
	out := make([]*EntityMergeCandidate, 0)
	for _, c := range v.st.candidates {
		if (c.PrimaryID == a && c.DuplicateID == b) || (c.PrimaryID == b && c.DuplicateID == a) {
			out = append(out, c.Clone())
		}
	}
	sortCandidates(out)
	return out, nil
}

func (v *memView) ListMergeCandidates(ctx context.Context, scope string, status CandidateStatus) ([]*EntityMergeCandidate, error) {
	out := make([]*EntityMergeCandidate, 0)
	for _, c := range v.st.candidates {
		if c.Scope != scope {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c.Clone())
	}
	sortCandidates(out)
	return out, nil
}

func (v *memView) ListEvents(ctx context.Context, q EventQuery) ([]*StateChangeEvent, error) {
	out := make([]*StateChangeEvent, 0)
	for _, ev := range v.st.events {
		if ev.Scope != q.Scope {
			continue
		}
		if q.EntityID != "" && ev.EntityID != q.EntityID {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if q.MaxNarrativePosition != nil && ev.Position() > *q.MaxNarrativePosition {
			continue
		}
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (v *memView) Count(ctx context.Context, scope string) (Counts, error) {
	var c Counts
	for _, e := range v.st.entities {
		if e.Scope == scope && e.Active() {
			c.Entities++
		}
	}
	for _, r := range v.st.edges {
		if r.Scope == scope {
			c.Relationships++
		}
	}
	for _, f := range v.st.facts {
		if f.Scope == scope {
			c.Facts++
		}
	}
	for _, ev := range v.st.events {
		if ev.Scope == scope {
			c.Events++
		}
	}
	return c, nil
}

// LockEntities only checks existence; the store-wide write lock already
// serializes every transaction.
func (v *memView) LockEntities(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, ok := v.st.entities[id]; !ok {
			return fmt.Errorf("lock entity %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (v *memView) CreateEntity(ctx context.Context, e *Entity) error {
	prepareEntity(e)
	if _, exists := v.st.entities[e.ID]; exists {
		return fmt.Errorf("entity %s already exists: %w", e.ID, ErrConflict)
	}
	if e.Active() {
		key := entityUniqueKey(e)
		for _, other := range v.st.entities {
			if other.Active() && entityUniqueKey(other) == key {
				return fmt.Errorf("active entity %q already exists in scope %s: %w", e.Name, e.Scope, ErrConflict)
			}
		}
	}
	v.st.entities[e.ID] = e.Clone()
	return nil
}

func (v *memView) UpdateEntity(ctx context.Context, e *Entity) error {
	if _, ok := v.st.entities[e.ID]; !ok {
		return fmt.Errorf("update entity %s: %w", e.ID, ErrNotFound)
	}
	e.Aliases = NormalizeAliases(e.Aliases)
	e.UpdatedAt = time.Now()
	v.st.entities[e.ID] = e.Clone()
	return nil
}

func (v *memView) AddRelationship(ctx context.Context, r *Relationship) error {
	prepareRelationship(r)
	key := r.Key()
	for _, other := range v.st.edges {
		if other.Key() == key {
			return fmt.Errorf("relationship %s-[%s]->%s exists: %w", r.SourceID, r.Type, r.TargetID, ErrConflict)
		}
	}
	v.st.edges[r.ID] = r.Clone()
	return nil
}

func (v *memView) UpdateRelationship(ctx context.Context, r *Relationship) error {
	if _, ok := v.st.edges[r.ID]; !ok {
		return fmt.Errorf("update relationship %s: %w", r.ID, ErrNotFound)
	}
	key := r.Key()
	for id, other := range v.st.edges {
		if id != r.ID && other.Key() == key {
			return fmt.Errorf("relationship %s-[%s]->%s exists: %w", r.SourceID, r.Type, r.TargetID, ErrConflict)
		}
	}
	v.st.edges[r.ID] = r.Clone()
	return nil
}

func (v *memView) DeleteRelationship(ctx context.Context, id string) error {
	if _, ok := v.st.edges[id]; !ok {
		return fmt.Errorf("delete relationship %s: %w", id, ErrNotFound)
	}
	delete(v.st.edges, id)
	return nil
}

func (v *memView) AddFact(ctx context.Context, f *Fact) error {
	prepareFact(f)
	v.st.facts[f.ID] = f.Clone()
	return nil
}

func (v *memView) UpdateFact(ctx context.Context, f *Fact) error {
	if _, ok := v.st.facts[f.ID]; !ok {
		return fmt.Errorf("update fact %s: %w", f.ID, ErrNotFound)
	}
	v.st.facts[f.ID] = f.Clone()
	return nil
}

func (v *memView) AddKnowledge(ctx context.Context, k *CharacterKnowledge) error {
	prepareKnowledge(k)
	v.st.knowledge[k.ID] = k.Clone()
	return nil
}

func (v *memView) UpdateKnowledge(ctx context.Context, k *CharacterKnowledge) error {
	if _, ok := v.st.knowledge[k.ID]; !ok {
		return fmt.Errorf("update knowledge %s: %w", k.ID, ErrNotFound)
	}
	v.st.knowledge[k.ID] = k.Clone()
	return nil
}

func (v *memView) AddDependency(ctx context.Context, d *ContentDependency) error {
	prepareDependency(d)
	v.st.deps[d.ID] = d.Clone()
	return nil
}

func (v *memView) UpdateDependency(ctx context.Context, d *ContentDependency) error {
	if _, ok := v.st.deps[d.ID]; !ok {
		return fmt.Errorf("update dependency %s: %w", d.ID, ErrNotFound)
	}
	v.st.deps[d.ID] = d.Clone()
	return nil
}

func (v *memView) AddMergeCandidate(ctx context.Context, c *EntityMergeCandidate) error {
	prepareCandidate(c)
	v.st.candidates[c.ID] = c.Clone()
	return nil
}

func (v *memView) UpdateMergeCandidate(ctx context.Context, c *EntityMergeCandidate) error {
	if _, ok := v.st.candidates[c.ID]; !ok {
		return fmt.Errorf("update merge candidate %s: %w", c.ID, ErrNotFound)
	}
	v.st.candidates[c.ID] = c.Clone()
	return nil
}

func (v *memView) AppendEvent(ctx context.Context, ev *StateChangeEvent) error {
	prepareEvent(ev)
	v.st.nextSeq++
	ev.Seq = v.st.nextSeq
	v.st.events = append(v.st.events, ev.Clone())
	return nil
}

// prepareEntity fills defaults shared by every store implementation.
func prepareEntity(e *Entity) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	e.Aliases = NormalizeAliases(e.Aliases)
}

func prepareRelationship(r *Relationship) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
}

func prepareFact(f *Fact) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if f.Kind == "" {
		f.Kind = KindFact
	}
}

func prepareKnowledge(k *CharacterKnowledge) {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
}

func prepareDependency(d *ContentDependency) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.TargetKind == "" {
		d.TargetKind = TargetEntity
	}
}

func prepareCandidate(c *EntityMergeCandidate) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = CandidatePending
	}
}

func prepareEvent(ev *StateChangeEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
}

// entityUniqueKey is the identity find-or-create serializes on.
func entityUniqueKey(e *Entity) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", e.Scope, NormalizeName(e.Name), eraBound(e.EraStart), eraBound(e.EraEnd))
}

func eraBound(p *int) string {
	if p == nil {
		return "*"
	}
	return fmt.Sprintf("%d", *p)
}

func sortCandidates(cs []*EntityMergeCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
