package provenance

import (
	"context"
	"fmt"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// ModificationKind is the kind of change being previewed.
type ModificationKind string

const (
	ModRetcon          ModificationKind = "retcon"
	ModDelete          ModificationKind = "delete"
	ModRename          ModificationKind = "rename"
	ModAttributeChange ModificationKind = "attribute_change"
	ModMerge           ModificationKind = "merge"
)

// Valid reports whether k is a known modification kind.
func (k ModificationKind) Valid() bool {
	switch k {
	case ModRetcon, ModDelete, ModRename, ModAttributeChange, ModMerge:
		return true
	}
	return false
}

// Severity buckets the size of an impact.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severity thresholds on combined dependents (strictly greater than).
const (
	HighImpactThreshold   = 10
	MediumImpactThreshold = 3
)

// ClassifySeverity maps a dependent count to a severity.
func ClassifySeverity(dependents int) Severity {
	switch {
	case dependents > HighImpactThreshold:
		return SeverityHigh
	case dependents > MediumImpactThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AffectedScene is a narrative unit whose assumption targets the entity.
type AffectedScene struct {
	DependencyID string
	UnitID       string
	UnitLabel    string
	Assumption   string
	Valid        bool
}

// AffectedBelief is a belief whose subject is the entity.
type AffectedBelief struct {
	KnowledgeID string
	CharacterID string
	Content     string
	IsAccurate  bool
}

// ImpactReport previews what a change to an entity would disturb.
type ImpactReport struct {
	EntityID        string
	Kind            ModificationKind
	Severity        Severity
	Dependents      int
	AffectedScenes  []AffectedScene
	AffectedBeliefs []AffectedBelief
	Recommendation  string
}

// ImpactOf counts the content dependencies targeting entityID and the beliefs
// that take it as subject. It never writes.
func (l *Log) ImpactOf(ctx context.Context, scope, entityID string, kind ModificationKind) (ImpactReport, error) {
	if !kind.Valid() {
		return ImpactReport{}, fmt.Errorf("%w: unknown modification kind %q", store.ErrValidation, kind)
	}

	deps, err := l.store.DependenciesByTarget(ctx, scope, entityID)
	if err != nil {
		return ImpactReport{}, err
	}
	beliefs, err := l.store.KnowledgeReferencing(ctx, scope, entityID)
	if err != nil {
		return ImpactReport{}, err
	}

	report := ImpactReport{
		EntityID:        entityID,
		Kind:            kind,
		AffectedScenes:  make([]AffectedScene, 0, len(deps)),
		AffectedBeliefs: make([]AffectedBelief, 0, len(beliefs)),
	}
	for _, d := range deps {
		report.AffectedScenes = append(report.AffectedScenes, AffectedScene{
			DependencyID: d.ID,
			UnitID:       d.UnitID,
			UnitLabel:    d.UnitLabel,
			Assumption:   d.Assumption,
			Valid:        d.Valid,
		})
	}
	for _, k := range beliefs {
		if k.SubjectID != entityID {
			continue
		}
		report.AffectedBeliefs = append(report.AffectedBeliefs, AffectedBelief{
			KnowledgeID: k.ID,
			CharacterID: k.CharacterID,
			Content:     k.Content,
			IsAccurate:  k.IsAccurate,
		})
	}

	report.Dependents = len(report.AffectedScenes) + len(report.AffectedBeliefs)
	report.Severity = ClassifySeverity(report.Dependents)
	report.Recommendation = recommend(report.Severity, kind, len(report.AffectedScenes), len(report.AffectedBeliefs))

	l.logger.Debug("impact computed",
		"entity_id", entityID,
		"kind", kind,
		"severity", report.Severity,
		"dependents", report.Dependents)
	return report, nil
}

func recommend(sev Severity, kind ModificationKind, scenes, beliefs int) string {
	switch sev {
	case SeverityHigh:
		return fmt.Sprintf("High impact: this %s touches %d scenes and %d beliefs. Review every affected scene before applying it, or consider a smaller change.",
			kind, scenes, beliefs)
	case SeverityMedium:
		return fmt.Sprintf("Moderate impact: this %s touches %d scenes and %d beliefs. Review the affected scenes after applying it.",
			kind, scenes, beliefs)
	default:
		if scenes+beliefs == 0 {
			return fmt.Sprintf("No dependents found; the %s is safe to apply.", kind)
		}
		return fmt.Sprintf("Low impact: this %s touches %d scenes and %d beliefs. Safe to apply with a quick check.",
			kind, scenes, beliefs)
	}
}
