package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const factColumns = `id, scope, kind, content, sequence_order, story_year, story_month, story_day,
	source, confidence, created_at`

func scanFact(row rowScanner) (*Fact, error) {
	var f Fact
	var content, source sql.NullString
	var seq, year, month, day sql.NullInt64
	if err := row.Scan(&f.ID, &f.Scope, &f.Kind, &content, &seq, &year, &month, &day,
		&source, &f.Confidence, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.Content = content.String
	f.Source = source.String
	f.SequenceOrder = intFromNull(seq)
	if year.Valid {
		f.StoryTime = &StoryTime{Year: int(year.Int64), Month: int(month.Int64), Day: int(day.Int64)}
	}
	return &f, nil
}

// GetFact retrieves a fact or event by ID.
func (v *sqliteView) GetFact(ctx context.Context, id string) (*Fact, error) {
	row := v.q.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get fact", err)
	}
	if err := v.loadFactEntities(ctx, []*Fact{f}); err != nil {
		return nil, err
	}
	return f, nil
}

// GetFacts returns facts in scope, optionally only those keyed to entityID.
func (v *sqliteView) GetFacts(ctx context.Context, scope, entityID string) ([]*Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE scope = ?`
	args := []any{scope}
	if entityID != "" {
		query += ` AND id IN (SELECT fact_id FROM fact_entities WHERE entity_id = ?)`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("get facts", err)
	}
	facts := make([]*Fact, 0)
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			rows.Close()
			return nil, storageErr("scan fact", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("iterate facts", err)
	}
	rows.Close() // The pool has a single connection; release it before the next query

	if err := v.loadFactEntities(ctx, facts); err != nil {
		return nil, err
	}
	return facts, nil
}

func (v *sqliteView) loadFactEntities(ctx context.Context, facts []*Fact) error {
	for _, f := range facts {
		rows, err := v.q.QueryContext(ctx,
			`SELECT entity_id FROM fact_entities WHERE fact_id = ? ORDER BY position`, f.ID)
		if err != nil {
			return storageErr("load fact entities", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan fact entity", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return storageErr("iterate fact entities", err)
		}
		f.EntityIDs = ids
	}
	return nil
}

// AddFact inserts a fact or event and its entity links.
func (v *sqliteView) AddFact(ctx context.Context, f *Fact) error {
	prepareFact(f)
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{f.ID, f.Scope, string(f.Kind), f.Content, nullInt(f.SequenceOrder)},
			append(storyTimeArgs(f.StoryTime), f.Source, f.Confidence, f.CreatedAt)...)...)
	if err != nil {
		return storageErr("add fact", err)
	}
	return v.writeFactEntities(ctx, f)
}

// UpdateFact rewrites a fact and replaces its entity links.
func (v *sqliteView) UpdateFact(ctx context.Context, f *Fact) error {
	args := append([]any{string(f.Kind), f.Content, nullInt(f.SequenceOrder)}, storyTimeArgs(f.StoryTime)...)
	args = append(args, f.Source, f.Confidence, f.ID)
	res, err := v.q.ExecContext(ctx, `
		UPDATE facts
		SET kind = ?, content = ?, sequence_order = ?, story_year = ?, story_month = ?, story_day = ?,
			source = ?, confidence = ?
		WHERE id = ?`, args...)
	if err != nil {
		return storageErr("update fact", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("update fact", err)
	} else if n == 0 {
		return fmt.Errorf("update fact %s: %w", f.ID, ErrNotFound)
	}
	if _, err := v.q.ExecContext(ctx, `DELETE FROM fact_entities WHERE fact_id = ?`, f.ID); err != nil {
		return storageErr("clear fact entities", err)
	}
	return v.writeFactEntities(ctx, f)
}

func (v *sqliteView) writeFactEntities(ctx context.Context, f *Fact) error {
	for i, id := range f.EntityIDs {
		_, err := v.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO fact_entities (fact_id, entity_id, position) VALUES (?, ?, ?)`,
			f.ID, id, i)
		if err != nil {
			return storageErr("link fact entity", err)
		}
	}
	return nil
}

func storyTimeArgs(t *StoryTime) []any {
	if t == nil {
		return []any{nil, nil, nil}
	}
	return []any{t.Year, t.Month, t.Day}
}

const knowledgeColumns = `id, scope, character_id, subject_id, source_id, content, is_accurate, confidence,
	learned_at_sequence, forgotten_at_sequence, superseded_by, created_at`

func scanKnowledge(row rowScanner) (*CharacterKnowledge, error) {
	var k CharacterKnowledge
	var content, supersededBy sql.NullString
	var learned, forgotten sql.NullInt64
	var accurate int
	if err := row.Scan(&k.ID, &k.Scope, &k.CharacterID, &k.SubjectID, &k.SourceID, &content, &accurate,
		&k.Confidence, &learned, &forgotten, &supersededBy, &k.CreatedAt); err != nil {
		return nil, err
	}
	k.Content = content.String
	k.IsAccurate = accurate != 0
	k.LearnedAtSequence = intFromNull(learned)
	k.ForgottenAtSequence = intFromNull(forgotten)
	k.SupersededBy = stringFromNull(supersededBy)
	return &k, nil
}

func (v *sqliteView) queryKnowledge(ctx context.Context, query string, args ...any) ([]*CharacterKnowledge, error) {
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query knowledge", err)
	}
	defer rows.Close()

	out := make([]*CharacterKnowledge, 0)
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, storageErr("scan knowledge", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate knowledge", err)
	}
	return out, nil
}

// KnowledgeByCharacter returns beliefs held by characterID.
func (v *sqliteView) KnowledgeByCharacter(ctx context.Context, scope, characterID string) ([]*CharacterKnowledge, error) {
	return v.queryKnowledge(ctx, `
		SELECT `+knowledgeColumns+` FROM character_knowledge
		WHERE scope = ? AND character_id = ?
		ORDER BY created_at, id`, scope, characterID)
}

// KnowledgeReferencing returns beliefs where entityID holds any role.
func (v *sqliteView) KnowledgeReferencing(ctx context.Context, scope, entityID string) ([]*CharacterKnowledge, error) {
	return v.queryKnowledge(ctx, `
		SELECT `+knowledgeColumns+` FROM character_knowledge
		WHERE scope = ? AND (character_id = ? OR subject_id = ? OR source_id = ?)
		ORDER BY created_at, id`, scope, entityID, entityID, entityID)
}

// AddKnowledge inserts a belief.
func (v *sqliteView) AddKnowledge(ctx context.Context, k *CharacterKnowledge) error {
	prepareKnowledge(k)
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO character_knowledge (`+knowledgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Scope, k.CharacterID, k.SubjectID, k.SourceID, k.Content, boolToInt(k.IsAccurate),
		k.Confidence, nullInt(k.LearnedAtSequence), nullInt(k.ForgottenAtSequence),
		nullString(k.SupersededBy), k.CreatedAt)
	if err != nil {
		return storageErr("add knowledge", err)
	}
	return nil
}

// UpdateKnowledge rewrites a belief.
func (v *sqliteView) UpdateKnowledge(ctx context.Context, k *CharacterKnowledge) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE character_knowledge
		SET character_id = ?, subject_id = ?, source_id = ?, content = ?, is_accurate = ?, confidence = ?,
			learned_at_sequence = ?, forgotten_at_sequence = ?, superseded_by = ?
		WHERE id = ?`,
		k.CharacterID, k.SubjectID, k.SourceID, k.Content, boolToInt(k.IsAccurate), k.Confidence,
		nullInt(k.LearnedAtSequence), nullInt(k.ForgottenAtSequence), nullString(k.SupersededBy), k.ID)
	if err != nil {
		return storageErr("update knowledge", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("update knowledge", err)
	} else if n == 0 {
		return fmt.Errorf("update knowledge %s: %w", k.ID, ErrNotFound)
	}
	return nil
}

const dependencyColumns = `id, scope, unit_id, unit_label, target_kind, target_id, assumption, valid, created_at`

// DependenciesByTarget returns content dependencies pointing at targetID.
func (v *sqliteView) DependenciesByTarget(ctx context.Context, scope, targetID string) ([]*ContentDependency, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+dependencyColumns+` FROM content_dependencies
		WHERE scope = ? AND target_id = ?
		ORDER BY created_at, id`, scope, targetID)
	if err != nil {
		return nil, storageErr("query dependencies", err)
	}
	defer rows.Close()

	out := make([]*ContentDependency, 0)
	for rows.Next() {
		var d ContentDependency
		var label, assumption sql.NullString
		var valid int
		if err := rows.Scan(&d.ID, &d.Scope, &d.UnitID, &label, &d.TargetKind, &d.TargetID,
			&assumption, &valid, &d.CreatedAt); err != nil {
			return nil, storageErr("scan dependency", err)
		}
		d.UnitLabel = label.String
		d.Assumption = assumption.String
		d.Valid = valid != 0
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate dependencies", err)
	}
	return out, nil
}

// AddDependency inserts a content dependency.
func (v *sqliteView) AddDependency(ctx context.Context, d *ContentDependency) error {
	prepareDependency(d)
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO content_dependencies (`+dependencyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Scope, d.UnitID, d.UnitLabel, string(d.TargetKind), d.TargetID, d.Assumption,
		boolToInt(d.Valid), d.CreatedAt)
	if err != nil {
		return storageErr("add dependency", err)
	}
	return nil
}

// UpdateDependency rewrites a content dependency.
func (v *sqliteView) UpdateDependency(ctx context.Context, d *ContentDependency) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE content_dependencies
		SET unit_id = ?, unit_label = ?, target_kind = ?, target_id = ?, assumption = ?, valid = ?
		WHERE id = ?`,
		d.UnitID, d.UnitLabel, string(d.TargetKind), d.TargetID, d.Assumption, boolToInt(d.Valid), d.ID)
	if err != nil {
		return storageErr("update dependency", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("update dependency", err)
	} else if n == 0 {
		return fmt.Errorf("update dependency %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

const candidateColumns = `id, scope, primary_id, duplicate_id, score, evidence, status, resolved_by,
	resolved_at, resolution_note, created_at`

func scanCandidate(row rowScanner) (*EntityMergeCandidate, error) {
	var c EntityMergeCandidate
	var evidenceJSON []byte
	var resolvedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Scope, &c.PrimaryID, &c.DuplicateID, &c.Score, &evidenceJSON, &c.Status,
		&c.ResolvedBy, &resolvedAt, &c.ResolutionNote, &c.CreatedAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &c.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
	}
	return &c, nil
}

func (v *sqliteView) queryCandidates(ctx context.Context, query string, args ...any) ([]*EntityMergeCandidate, error) {
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query merge candidates", err)
	}
	defer rows.Close()

	out := make([]*EntityMergeCandidate, 0)
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, storageErr("scan merge candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate merge candidates", err)
	}
	sortCandidates(out)
	return out, nil
}

// GetMergeCandidate retrieves a merge candidate by ID.
func (v *sqliteView) GetMergeCandidate(ctx context.Context, id string) (*EntityMergeCandidate, error) {
	row := v.q.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM merge_candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merge candidate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get merge candidate", err)
	}
	return c, nil
}

// FindMergeCandidates returns candidates for the unordered pair (a, b).
func (v *sqliteView) FindMergeCandidates(ctx context.Context, a, b string) ([]*EntityMergeCandidate, error) {
	return v.queryCandidates(ctx, `
		SELECT `+candidateColumns+` FROM merge_candidates
		WHERE (primary_id = ? AND duplicate_id = ?) OR (primary_id = ? AND duplicate_id = ?)`,
		a, b, b, a)
}

// ListMergeCandidates returns candidates in scope, optionally by status.
func (v *sqliteView) ListMergeCandidates(ctx context.Context, scope string, status CandidateStatus) ([]*EntityMergeCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM merge_candidates WHERE scope = ?`
	args := []any{scope}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	return v.queryCandidates(ctx, query, args...)
}

// AddMergeCandidate inserts a merge candidate.
func (v *sqliteView) AddMergeCandidate(ctx context.Context, c *EntityMergeCandidate) error {
	prepareCandidate(c)
	evidenceJSON, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	var resolvedAt sql.NullTime
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *c.ResolvedAt, Valid: true}
	}
	_, err = v.q.ExecContext(ctx, `
		INSERT INTO merge_candidates (`+candidateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Scope, c.PrimaryID, c.DuplicateID, c.Score, evidenceJSON, string(c.Status),
		c.ResolvedBy, resolvedAt, c.ResolutionNote, c.CreatedAt)
	if err != nil {
		return storageErr("add merge candidate", err)
	}
	return nil
}

// UpdateMergeCandidate rewrites a candidate's review state.
func (v *sqliteView) UpdateMergeCandidate(ctx context.Context, c *EntityMergeCandidate) error {
	evidenceJSON, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	var resolvedAt sql.NullTime
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *c.ResolvedAt, Valid: true}
	}
	res, err := v.q.ExecContext(ctx, `
		UPDATE merge_candidates
		SET primary_id = ?, duplicate_id = ?, score = ?, evidence = ?, status = ?, resolved_by = ?,
			resolved_at = ?, resolution_note = ?
		WHERE id = ?`,
		c.PrimaryID, c.DuplicateID, c.Score, evidenceJSON, string(c.Status), c.ResolvedBy,
		resolvedAt, c.ResolutionNote, c.ID)
	if err != nil {
		return storageErr("update merge candidate", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("update merge candidate", err)
	} else if n == 0 {
		return fmt.Errorf("update merge candidate %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// ListEvents returns provenance events in insertion order.
func (v *sqliteView) ListEvents(ctx context.Context, q EventQuery) ([]*StateChangeEvent, error) {
	query := `
		SELECT seq, id, scope, entity_id, type, payload, narrative_position, created_at
		FROM state_change_events
		WHERE scope = ?`
	args := []any{q.Scope}
	if q.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, q.EntityID)
	}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(q.Type))
	}
	if q.MaxNarrativePosition != nil {
		query += ` AND IFNULL(narrative_position, 0) <= ?`
		args = append(args, *q.MaxNarrativePosition)
	}
	query += ` ORDER BY seq`

	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	out := make([]*StateChangeEvent, 0)
	for rows.Next() {
		var ev StateChangeEvent
		var payloadJSON []byte
		var position sql.NullInt64
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Scope, &ev.EntityID, &ev.Type, &payloadJSON,
			&position, &ev.CreatedAt); err != nil {
			return nil, storageErr("scan event", err)
		}
		ev.NarrativePosition = intFromNull(position)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	return out, nil
}

// AppendEvent inserts an immutable provenance event and assigns its Seq.
func (v *sqliteView) AppendEvent(ctx context.Context, ev *StateChangeEvent) error {
	prepareEvent(ev)
	payloadJSON, err := marshalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	res, err := v.q.ExecContext(ctx, `
		INSERT INTO state_change_events (id, scope, entity_id, type, payload, narrative_position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Scope, ev.EntityID, string(ev.Type), payloadJSON, nullInt(ev.NarrativePosition), ev.CreatedAt)
	if err != nil {
		return storageErr("append event", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr("append event", err)
	}
	ev.Seq = seq
	return nil
}
