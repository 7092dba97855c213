// Package merge folds a duplicate entity into its primary in one transaction.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/provenance"
	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Step names one stage of a merge.
type Step string

const (
	StepPrecheck      Step = "precheck"
	StepConsolidate   Step = "consolidate_attributes"
	StepRelationships Step = "rewrite_relationships"
	StepFacts         Step = "rewrite_facts"
	StepKnowledge     Step = "rewrite_knowledge"
	StepDependencies  Step = "rewrite_dependencies"
	StepFinalize      Step = "finalize"
	StepProvenance    Step = "emit_provenance"
	StepCommit        Step = "commit"
)

// Steps lists the stages in execution order.
var Steps = []Step{
	StepPrecheck, StepConsolidate, StepRelationships, StepFacts,
	StepKnowledge, StepDependencies, StepFinalize, StepProvenance, StepCommit,
}

// StepError reports where a merge failed. Nothing it counts was kept: the
// transaction was rolled back.
type StepError struct {
	Step      Step
	Rewritten int // References rewritten before the failure
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("merge failed at %s after rewriting %d references: %v", e.Step, e.Rewritten, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Summary counts what a merge changed.
type Summary struct {
	PrimaryID                 string
	DuplicateID               string
	RelationshipsRewritten    int
	RelationshipsDeduplicated int
	SelfLoopsDropped          int
	FactsRewritten            int
	KnowledgeRewritten        int
	DependenciesRewritten     int
	AliasesAdded              int
	CandidateID               string // Candidate marked merged, if any
	EventID                   string // entity_merged event on the primary
}

// Rewritten is the number of references touched across every step.
func (s *Summary) Rewritten() int {
	return s.RelationshipsRewritten + s.RelationshipsDeduplicated + s.SelfLoopsDropped +
		s.FactsRewritten + s.KnowledgeRewritten + s.DependenciesRewritten
}

// StepObserver is told how long each step took and whether it failed.
type StepObserver func(step Step, d time.Duration, err error)

// Engine performs merges against a store.
type Engine struct {
	store    store.Store
	logger   *slog.Logger
	observer StepObserver
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStepObserver registers fn to receive per-step timings.
func WithStepObserver(fn StepObserver) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// New creates an Engine.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge folds duplicateID into primaryID. Both must be active entities of the
// same type in scope. Every reference to the duplicate is repointed, the
// duplicate is retired with a forwarding pointer, and an entity_merged event
// is recorded on the primary, all in a single transaction.
//
// Merging an already merged duplicate fails with ErrNotFound.
func (e *Engine) Merge(ctx context.Context, scope, primaryID, duplicateID, actor string) (*Summary, error) {
	return e.MergeAt(ctx, scope, primaryID, duplicateID, actor, nil)
}

// MergeAt is Merge with the provenance events placed at narrative position
// position. A nil position leaves them unplaced, and state replay then
// applies them from the entity's creation onward.
func (e *Engine) MergeAt(ctx context.Context, scope, primaryID, duplicateID, actor string, position *int) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.run(ctx, scope, primaryID, duplicateID, actor, "", position)
}

// MergeCandidate merges the pair named by an approved candidate.
func (e *Engine) MergeCandidate(ctx context.Context, candidateID, actor string) (*Summary, error) {
	return e.MergeCandidateAt(ctx, candidateID, actor, nil)
}

// MergeCandidateAt is MergeCandidate with a narrative position for the
// provenance events, as in MergeAt.
func (e *Engine) MergeCandidateAt(ctx context.Context, candidateID, actor string, position *int) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := e.store.GetMergeCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.CandidateApproved {
		return nil, fmt.Errorf("%w: candidate %s is %s, only approved candidates can be merged", store.ErrValidation, c.ID, c.Status)
	}
	return e.run(ctx, c.Scope, c.PrimaryID, c.DuplicateID, actor, c.ID, position)
}

func (e *Engine) run(ctx context.Context, scope, primaryID, duplicateID, actor, candidateID string, position *int) (*Summary, error) {
	start := time.Now()
	sum := &Summary{PrimaryID: primaryID, DuplicateID: duplicateID}

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		m := &merger{
			ctx:         ctx,
			tx:          tx,
			scope:       scope,
			actor:       actor,
			candidateID: candidateID,
			position:    position,
			sum:         sum,
			now:         time.Now(),
		}
		stages := []struct {
			step Step
			fn   func() error
		}{
			{StepPrecheck, func() error { return m.precheck(primaryID, duplicateID) }},
			{StepConsolidate, m.consolidate},
			{StepRelationships, m.rewriteRelationships},
			{StepFacts, m.rewriteFacts},
			{StepKnowledge, m.rewriteKnowledge},
			{StepDependencies, m.rewriteDependencies},
			{StepFinalize, m.finalize},
			{StepProvenance, m.emitProvenance},
		}
		for _, st := range stages {
			t := time.Now()
			err := st.fn()
			e.observe(st.step, time.Since(t), err)
			if err != nil {
				return &StepError{Step: st.step, Rewritten: sum.Rewritten(), Err: err}
			}
		}
		return nil
	})

	if err != nil {
		var se *StepError
		if !errors.As(err, &se) {
			se = &StepError{Step: StepCommit, Rewritten: sum.Rewritten(), Err: err}
			e.observe(StepCommit, 0, err)
		}
		e.logger.Warn("merge rolled back",
			"scope", scope,
			"primary_id", primaryID,
			"duplicate_id", duplicateID,
			"step", string(se.Step),
			"rewritten", se.Rewritten,
			"error", se.Err,
		)
		return nil, se
	}

	e.logger.Info("entities merged",
		"scope", scope,
		"primary_id", primaryID,
		"duplicate_id", duplicateID,
		"actor", actor,
		"relationships_rewritten", sum.RelationshipsRewritten,
		"relationships_deduplicated", sum.RelationshipsDeduplicated,
		"self_loops_dropped", sum.SelfLoopsDropped,
		"facts_rewritten", sum.FactsRewritten,
		"knowledge_rewritten", sum.KnowledgeRewritten,
		"dependencies_rewritten", sum.DependenciesRewritten,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return sum, nil
}

func (e *Engine) observe(step Step, d time.Duration, err error) {
	if e.observer != nil {
		e.observer(step, d, err)
	}
}

// merger carries the state of one merge transaction.
type merger struct {
	ctx         context.Context
	tx          store.Tx
	scope       string
	actor       string
	candidateID string
	position    *int
	sum         *Summary
	now         time.Time

	primary   *store.Entity
	duplicate *store.Entity
	before    *store.Entity // primary as it was before consolidation
}

func (m *merger) precheck(primaryID, duplicateID string) error {
	if primaryID == "" || duplicateID == "" {
		return fmt.Errorf("%w: primary and duplicate ids are required", store.ErrValidation)
	}
	if primaryID == duplicateID {
		return fmt.Errorf("%w: cannot merge entity %s into itself", store.ErrValidation, primaryID)
	}
	if err := m.tx.LockEntities(m.ctx, primaryID, duplicateID); err != nil {
		return err
	}

	var err error
	if m.primary, err = m.activeEntity(primaryID); err != nil {
		return err
	}
	if m.duplicate, err = m.activeEntity(duplicateID); err != nil {
		return err
	}
	if m.primary.Scope != m.scope || m.duplicate.Scope != m.scope {
		return fmt.Errorf("%w: entities %s and %s are not both in scope %s", store.ErrValidation, primaryID, duplicateID, m.scope)
	}
	if m.primary.Type != m.duplicate.Type {
		return fmt.Errorf("cannot merge %s %s into %s %s: %w",
			m.duplicate.Type, duplicateID, m.primary.Type, primaryID, store.ErrTypeMismatch)
	}

	if m.candidateID != "" {
		c, err := m.tx.GetMergeCandidate(m.ctx, m.candidateID)
		if err != nil {
			return err
		}
		if c.Status != store.CandidateApproved {
			return fmt.Errorf("%w: candidate %s is %s, only approved candidates can be merged", store.ErrValidation, c.ID, c.Status)
		}
	}
	m.before = m.primary.Clone()
	return nil
}

func (m *merger) activeEntity(id string) (*store.Entity, error) {
	e, err := m.tx.GetEntity(m.ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Active() {
		return nil, fmt.Errorf("entity %s is %s: %w", id, e.Status, store.ErrNotFound)
	}
	return e, nil
}

func (m *merger) consolidate() error {
	p, d := m.primary, m.duplicate

	combined := append(append(append([]string{}, p.Aliases...), d.Aliases...), d.Name)
	own := store.NormalizeName(p.Name)
	aliases := make([]string, 0, len(combined))
	for _, a := range store.NormalizeAliases(combined) {
		if store.NormalizeName(a) != own {
			aliases = append(aliases, a)
		}
	}
	if added := len(aliases) - len(p.Aliases); added > 0 {
		m.sum.AliasesAdded = added
	}
	p.Aliases = aliases

	if p.Description == "" {
		p.Description = d.Description
	}

	if len(d.Properties) > 0 {
		if p.Properties == nil {
			p.Properties = make(map[string]any, len(d.Properties))
		}
		for k, v := range d.Properties {
			if _, ok := p.Properties[k]; !ok {
				p.Properties[k] = v
			}
		}
	}

	if len(p.Embedding) == 0 && len(d.Embedding) > 0 {
		p.Embedding = append([]float32(nil), d.Embedding...)
	}

	p.UpdatedAt = m.now
	return m.tx.UpdateEntity(m.ctx, p)
}

func (m *merger) rewriteRelationships() error {
	edges, err := m.tx.GetRelationships(m.ctx, m.duplicate.ID)
	if err != nil {
		return err
	}
	for _, r := range edges {
		if r.SourceID == m.duplicate.ID {
			r.SourceID = m.primary.ID
		}
		if r.TargetID == m.duplicate.ID {
			r.TargetID = m.primary.ID
		}

		if r.SourceID == r.TargetID {
			if err := m.tx.DeleteRelationship(m.ctx, r.ID); err != nil {
				return err
			}
			m.sum.SelfLoopsDropped++
			continue
		}

		existing, err := m.tx.FindRelationship(m.ctx, r.SourceID, r.TargetID, r.Type)
		switch {
		case err == nil && existing.ID != r.ID:
			if err := m.tx.DeleteRelationship(m.ctx, r.ID); err != nil {
				return err
			}
			m.sum.RelationshipsDeduplicated++
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		if err := m.tx.UpdateRelationship(m.ctx, r); err != nil {
			return err
		}
		m.sum.RelationshipsRewritten++
	}
	return nil
}

func (m *merger) rewriteFacts() error {
	facts, err := m.tx.GetFacts(m.ctx, m.scope, m.duplicate.ID)
	if err != nil {
		return err
	}
	for _, f := range facts {
		seen := make(map[string]bool, len(f.EntityIDs))
		ids := make([]string, 0, len(f.EntityIDs))
		for _, id := range f.EntityIDs {
			if id == m.duplicate.ID {
				id = m.primary.ID
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		f.EntityIDs = ids
		if err := m.tx.UpdateFact(m.ctx, f); err != nil {
			return err
		}
		m.sum.FactsRewritten++
	}
	return nil
}

func (m *merger) rewriteKnowledge() error {
	beliefs, err := m.tx.KnowledgeReferencing(m.ctx, m.scope, m.duplicate.ID)
	if err != nil {
		return err
	}
	for _, k := range beliefs {
		if k.CharacterID == m.duplicate.ID {
			k.CharacterID = m.primary.ID
		}
		if k.SubjectID == m.duplicate.ID {
			k.SubjectID = m.primary.ID
		}
		if k.SourceID == m.duplicate.ID {
			k.SourceID = m.primary.ID
		}
		if err := m.tx.UpdateKnowledge(m.ctx, k); err != nil {
			return err
		}
		m.sum.KnowledgeRewritten++
	}
	return nil
}

func (m *merger) rewriteDependencies() error {
	deps, err := m.tx.DependenciesByTarget(m.ctx, m.scope, m.duplicate.ID)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.TargetKind != store.TargetEntity {
			continue
		}
		d.TargetID = m.primary.ID
		d.Assumption = replaceName(d.Assumption, m.duplicate.Name, m.primary.Name)
		if err := m.tx.UpdateDependency(m.ctx, d); err != nil {
			return err
		}
		m.sum.DependenciesRewritten++
	}
	return nil
}

// replaceName swaps whole-word, case-insensitive occurrences of from for to.
// Word boundaries are Unicode aware, so names like "Éowyn" match.
func replaceName(text, from, to string) string {
	if text == "" || from == "" {
		return text
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(from))
	if err != nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if !wordBoundary(text, loc[0], loc[1]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(to)
		last = loc[1]
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// wordBoundary reports whether text[start:end] is not glued to a word
// character on either side.
func wordBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func (m *merger) finalize() error {
	d := m.duplicate
	d.Status = store.StatusMerged
	d.MergedInto = &m.primary.ID
	at := m.now
	d.MergedAt = &at
	d.MergedBy = m.actor
	d.UpdatedAt = m.now
	return m.tx.UpdateEntity(m.ctx, d)
}

// at returns a fresh copy of the merge's narrative position, if any.
func (m *merger) at() *int {
	if m.position == nil {
		return nil
	}
	p := *m.position
	return &p
}

func (m *merger) emitProvenance() error {
	p, d := m.primary, m.duplicate

	for _, change := range []struct {
		field    string
		old, new any
	}{
		{"status", string(store.StatusActive), string(store.StatusMerged)},
		{"merged_into", "", p.ID},
	} {
		_, err := provenance.AppendTx(m.ctx, m.tx, &store.StateChangeEvent{
			Scope:             m.scope,
			EntityID:          d.ID,
			Type:              store.EventAttributeChanged,
			Payload:           map[string]any{"field": change.field, "old": change.old, "new": change.new},
			NarrativePosition: m.at(),
		})
		if err != nil {
			return err
		}
	}

	props := make(map[string]any, len(p.Properties))
	for k, v := range p.Properties {
		props[k] = v
	}
	id, err := provenance.AppendTx(m.ctx, m.tx, &store.StateChangeEvent{
		Scope:             m.scope,
		EntityID:          p.ID,
		Type:              store.EventEntityMerged,
		NarrativePosition: m.at(),
		Payload: map[string]any{
			"duplicate_id":               d.ID,
			"duplicate_name":             d.Name,
			"actor":                      m.actor,
			"aliases":                    append([]string{}, p.Aliases...),
			"previous_aliases":           append([]string{}, m.before.Aliases...),
			"description":                p.Description,
			"properties":                 props,
			"relationships_rewritten":    m.sum.RelationshipsRewritten,
			"relationships_deduplicated": m.sum.RelationshipsDeduplicated,
			"self_loops_dropped":         m.sum.SelfLoopsDropped,
			"facts_rewritten":            m.sum.FactsRewritten,
			"knowledge_rewritten":        m.sum.KnowledgeRewritten,
			"dependencies_rewritten":     m.sum.DependenciesRewritten,
		},
	})
	if err != nil {
		return err
	}
	m.sum.EventID = id

	candidates, err := m.tx.FindMergeCandidates(m.ctx, p.ID, d.ID)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.Status == store.CandidateRejected || c.Status == store.CandidateMerged {
			continue
		}
		c.Status = store.CandidateMerged
		if c.ResolvedBy == "" {
			c.ResolvedBy = m.actor
		}
		at := m.now
		c.ResolvedAt = &at
		if err := m.tx.UpdateMergeCandidate(m.ctx, c); err != nil {
			return err
		}
		if m.sum.CandidateID == "" || c.ID == m.candidateID {
			m.sum.CandidateID = c.ID
		}
	}
	return nil
}
