package loregraph

import (
	"github.com/angel1411337-del/WriterOS-sub000/pkg/merge"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/provenance"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/resolve"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/temporal"
)

// Type re-exports for caller convenience

// Entity is re-exported from store package
type Entity = store.Entity

// Relationship is re-exported from store package
type Relationship = store.Relationship

// Fact is re-exported from store package
type Fact = store.Fact

// StoryTime is re-exported from store package
type StoryTime = store.StoryTime

// CharacterKnowledge is re-exported from store package
type CharacterKnowledge = store.CharacterKnowledge

// ContentDependency is re-exported from store package
type ContentDependency = store.ContentDependency

// MergeCandidate is re-exported from store package
type MergeCandidate = store.EntityMergeCandidate

// Candidate is re-exported from resolve package
type Candidate = resolve.Candidate

// EntityRef is re-exported from resolve package
type EntityRef = resolve.EntityRef

// MergeSummary is re-exported from merge package
type MergeSummary = merge.Summary

// Cursor is re-exported from temporal package
type Cursor = temporal.Cursor

// ImpactReport is re-exported from provenance package
type ImpactReport = provenance.ImpactReport

// Error taxonomy re-exported from store package
var (
	ErrNotFound     = store.ErrNotFound
	ErrTypeMismatch = store.ErrTypeMismatch
	ErrConflict     = store.ErrConflict
	ErrValidation   = store.ErrValidation
	ErrStorage      = store.ErrStorage
)
