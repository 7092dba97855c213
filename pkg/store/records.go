package store

import (
	"fmt"
	"time"
)

// FactKind distinguishes static claims from occurrences.
type FactKind string

const (
	KindFact  FactKind = "fact"
	KindEvent FactKind = "event"
)

// StoryTime is an in-world date. Month and Day are optional (0 means absent),
// but Day requires Month.
type StoryTime struct {
	Year  int `json:"year" yaml:"year"`
	Month int `json:"month,omitempty" yaml:"month"`
	Day   int `json:"day,omitempty" yaml:"day"`
}

// Validate checks that the sub-fields form a usable date.
func (t StoryTime) Validate() error {
	if t.Year == 0 {
		return fmt.Errorf("%w: story time requires a year", ErrValidation)
	}
	if t.Month < 0 || t.Month > 12 {
		return fmt.Errorf("%w: story time month %d out of range", ErrValidation, t.Month)
	}
	if t.Day < 0 || t.Day > 31 {
		return fmt.Errorf("%w: story time day %d out of range", ErrValidation, t.Day)
	}
	if t.Day != 0 && t.Month == 0 {
		return fmt.Errorf("%w: story time day set without month", ErrValidation)
	}
	return nil
}

// Compare orders story times year, then month, then day.
// It returns -1, 0 or 1.
func (t StoryTime) Compare(o StoryTime) int {
	switch {
	case t.Year != o.Year:
		return cmpInt(t.Year, o.Year)
	case t.Month != o.Month:
		return cmpInt(t.Month, o.Month)
	default:
		return cmpInt(t.Day, o.Day)
	}
}

func (t StoryTime) String() string {
	switch {
	case t.Day != 0:
		return fmt.Sprintf("%d-%02d-%02d", t.Year, t.Month, t.Day)
	case t.Month != 0:
		return fmt.Sprintf("%d-%02d", t.Year, t.Month)
	default:
		return fmt.Sprintf("%d", t.Year)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Fact is a claim or occurrence attached to one or more entities,
// positioned in narrative time.
type Fact struct {
	ID            string
	Scope         string
	Kind          FactKind
	Content       string
	EntityIDs     []string   // Entities the fact is keyed to
	SequenceOrder *int       // Monotonic narrative position, optional
	StoryTime     *StoryTime // In-world date, optional
	Source        string     // Supporting source reference
	Confidence    float64
	CreatedAt     time.Time
}

// Clone returns a deep copy of the fact.
func (f *Fact) Clone() *Fact {
	c := *f
	c.EntityIDs = append([]string(nil), f.EntityIDs...)
	c.SequenceOrder = cloneInt(f.SequenceOrder)
	if f.StoryTime != nil {
		st := *f.StoryTime
		c.StoryTime = &st
	}
	return &c
}

// References reports whether the fact is keyed to entityID.
func (f *Fact) References(entityID string) bool {
	for _, id := range f.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// CharacterKnowledge is a belief held by a character at a point in narrative time.
type CharacterKnowledge struct {
	ID                  string
	Scope               string
	CharacterID         string // Entity holding the belief
	SubjectID           string // Entity the belief is about, optional
	SourceID            string // Entity the belief was learned from, optional
	Content             string
	IsAccurate          bool
	Confidence          float64
	LearnedAtSequence   *int    // When the belief starts applying, optional
	ForgottenAtSequence *int    // When the belief stops applying, optional
	SupersededBy        *string // Belief that replaces this one, optional
	CreatedAt           time.Time
}

// Clone returns a deep copy of the belief.
func (k *CharacterKnowledge) Clone() *CharacterKnowledge {
	c := *k
	c.LearnedAtSequence = cloneInt(k.LearnedAtSequence)
	c.ForgottenAtSequence = cloneInt(k.ForgottenAtSequence)
	if k.SupersededBy != nil {
		v := *k.SupersededBy
		c.SupersededBy = &v
	}
	return &c
}

// References reports whether entityID appears in any role of the belief.
func (k *CharacterKnowledge) References(entityID string) bool {
	return k.CharacterID == entityID || k.SubjectID == entityID || k.SourceID == entityID
}

// TargetKind names what a content dependency points at.
type TargetKind string

const (
	TargetEntity TargetKind = "entity"
	TargetFact   TargetKind = "fact"
)

// ContentDependency records that a narrative unit assumes something about a target.
type ContentDependency struct {
	ID         string
	Scope      string
	UnitID     string // Scene or other narrative unit
	UnitLabel  string // Human readable unit label
	TargetKind TargetKind
	TargetID   string
	Assumption string // Free-text description of what the unit assumes
	Valid      bool
	CreatedAt  time.Time
}

// Clone returns a copy of the dependency.
func (d *ContentDependency) Clone() *ContentDependency {
	c := *d
	return &c
}

// EventType tags a provenance event.
type EventType string

const (
	EventEntityCreated       EventType = "entity_created"
	EventAttributeChanged    EventType = "attribute_changed"
	EventRelationshipChanged EventType = "relationship_changed"
	EventEntityMerged        EventType = "entity_merged"
	EventFactChanged         EventType = "fact_changed"
	EventKnowledgeChanged    EventType = "knowledge_changed"
)

// StateChangeEvent is an immutable provenance record.
type StateChangeEvent struct {
	ID                string
	Seq               int64 // Insertion order, assigned by the store
	Scope             string
	EntityID          string // Subject entity
	Type              EventType
	Payload           map[string]any
	NarrativePosition *int // Optional narrative time of the change
	CreatedAt         time.Time
}

// Position returns the narrative position, treating an absent one as 0.
func (ev *StateChangeEvent) Position() int {
	if ev.NarrativePosition == nil {
		return 0
	}
	return *ev.NarrativePosition
}

// Clone returns a deep copy of the event.
func (ev *StateChangeEvent) Clone() *StateChangeEvent {
	c := *ev
	c.Payload = cloneMap(ev.Payload)
	c.NarrativePosition = cloneInt(ev.NarrativePosition)
	return &c
}

// CandidateStatus is the review state of a merge candidate.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
	CandidateMerged   CandidateStatus = "merged"
)

// EntityMergeCandidate is a scored proposal that two entities are the same referent.
type EntityMergeCandidate struct {
	ID             string
	Scope          string
	PrimaryID      string
	DuplicateID    string
	Score          float64
	Evidence       map[string]float64 // Signal name -> sub-score
	Status         CandidateStatus
	ResolvedBy     string
	ResolvedAt     *time.Time
	ResolutionNote string
	CreatedAt      time.Time
}

// Clone returns a deep copy of the candidate.
func (c *EntityMergeCandidate) Clone() *EntityMergeCandidate {
	cc := *c
	if c.Evidence != nil {
		cc.Evidence = make(map[string]float64, len(c.Evidence))
		for k, v := range c.Evidence {
			cc.Evidence[k] = v
		}
	}
	if c.ResolvedAt != nil {
		v := *c.ResolvedAt
		cc.ResolvedAt = &v
	}
	return &cc
}
