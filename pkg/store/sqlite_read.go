package store

import "context"

// Reads outside a transaction go straight to the pool.

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return s.read.GetEntity(ctx, id)
}

func (s *SQLiteStore) FindEntitiesByName(ctx context.Context, scope, name string) ([]*Entity, error) {
	return s.read.FindEntitiesByName(ctx, scope, name)
}

func (s *SQLiteStore) ListEntities(ctx context.Context, scope string, opts ListOptions) ([]*Entity, error) {
	return s.read.ListEntities(ctx, scope, opts)
}

func (s *SQLiteStore) GetRelationships(ctx context.Context, entityID string) ([]*Relationship, error) {
	return s.read.GetRelationships(ctx, entityID)
}

func (s *SQLiteStore) FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error) {
	return s.read.FindRelationship(ctx, sourceID, targetID, relType)
}

func (s *SQLiteStore) GetFact(ctx context.Context, id string) (*Fact, error) {
	return s.read.GetFact(ctx, id)
}

func (s *SQLiteStore) GetFacts(ctx context.Context, scope, entityID string) ([]*Fact, error) {
	return s.read.GetFacts(ctx, scope, entityID)
}

func (s *SQLiteStore) KnowledgeByCharacter(ctx context.Context, scope, characterID string) ([]*CharacterKnowledge, error) {
	return s.read.KnowledgeByCharacter(ctx, scope, characterID)
}

func (s *SQLiteStore) KnowledgeReferencing(ctx context.Context, scope, entityID string) ([]*CharacterKnowledge, error) {
	return s.read.KnowledgeReferencing(ctx, scope, entityID)
}

func (s *SQLiteStore) DependenciesByTarget(ctx context.Context, scope, targetID string) ([]*ContentDependency, error) {
	return s.read.DependenciesByTarget(ctx, scope, targetID)
}

func (s *SQLiteStore) GetMergeCandidate(ctx context.Context, id string) (*EntityMergeCandidate, error) {
	return s.read.GetMergeCandidate(ctx, id)
}

func (s *SQLiteStore) FindMergeCandidates(ctx context.Context, a, b string) ([]*EntityMergeCandidate, error) {
	return s.read.FindMergeCandidates(ctx, a, b)
}

func (s *SQLiteStore) ListMergeCandidates(ctx context.Context, scope string, status CandidateStatus) ([]*EntityMergeCandidate, error) {
	return s.read.ListMergeCandidates(ctx, scope, status)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*StateChangeEvent, error) {
	return s.read.ListEvents(ctx, q)
}

func (s *SQLiteStore) Count(ctx context.Context, scope string) (Counts, error) {
	return s.read.Count(ctx, scope)
}
