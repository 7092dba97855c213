package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const entityColumns = `id, scope, name, aliases, type, description, properties, embedding,
	era_start, era_end, status, merged_into, merged_at, merged_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var aliasesJSON, propertiesJSON, embedding []byte
	var description sql.NullString
	var eraStart, eraEnd sql.NullInt64
	var mergedInto sql.NullString
	var mergedAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.Scope,
		&e.Name,
		&aliasesJSON,
		&e.Type,
		&description,
		&propertiesJSON,
		&embedding,
		&eraStart,
		&eraEnd,
		&e.Status,
		&mergedInto,
		&mergedAt,
		&e.MergedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Description = description.String
	e.Embedding = deserializeEmbedding(embedding)
	e.EraStart = intFromNull(eraStart)
	e.EraEnd = intFromNull(eraEnd)
	e.MergedInto = stringFromNull(mergedInto)
	if mergedAt.Valid {
		t := mergedAt.Time
		e.MergedAt = &t
	}

	if len(aliasesJSON) > 0 {
		if err := json.Unmarshal(aliasesJSON, &e.Aliases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aliases: %w", err)
		}
	}
	if len(propertiesJSON) > 0 {
		if err := json.Unmarshal(propertiesJSON, &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
	}

	return &e, nil
}

func (v *sqliteView) queryEntities(ctx context.Context, op, query string, args ...any) ([]*Entity, error) {
	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	SortEntities(entities)
	return entities, nil
}

// GetEntity retrieves an entity by its ID.
func (v *sqliteView) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := v.q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get entity", err)
	}
	return e, nil
}

// FindEntitiesByName matches active entities on name or alias, case-insensitive.
func (v *sqliteView) FindEntitiesByName(ctx context.Context, scope, name string) ([]*Entity, error) {
	key := NormalizeName(name)
	query := `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE scope = ? AND status = 'active'
		  AND (name_norm = ? OR id IN (
			SELECT entity_id FROM entity_aliases WHERE scope = ? AND alias_norm = ?
		  ))
		ORDER BY created_at, id
	`
	return v.queryEntities(ctx, "find entities by name", query, scope, key, scope, key)
}

// ListEntities returns entities in scope.
func (v *sqliteView) ListEntities(ctx context.Context, scope string, opts ListOptions) ([]*Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE scope = ?`
	args := []any{scope}
	if !opts.IncludeMerged {
		query += ` AND status = 'active'`
	}
	if opts.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(opts.Type))
	}
	query += ` ORDER BY created_at, id`
	return v.queryEntities(ctx, "list entities", query, args...)
}

// LockEntities touches each row inside the transaction, in id order, so the
// transaction holds the write lock before any pre-check reads.
func (v *sqliteView) LockEntities(ctx context.Context, ids ...string) error {
	for _, id := range sortedIDs(ids) {
		res, err := v.q.ExecContext(ctx, `UPDATE entities SET updated_at = updated_at WHERE id = ?`, id)
		if err != nil {
			return storageErr("lock entity", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("lock entity", err)
		}
		if n == 0 {
			return fmt.Errorf("lock entity %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// CreateEntity inserts a new entity and its alias index rows.
func (v *sqliteView) CreateEntity(ctx context.Context, e *Entity) error {
	prepareEntity(e)
	return v.writeEntity(ctx, e, true)
}

// UpdateEntity rewrites every column of an existing entity.
func (v *sqliteView) UpdateEntity(ctx context.Context, e *Entity) error {
	e.Aliases = NormalizeAliases(e.Aliases)
	e.UpdatedAt = time.Now()
	return v.writeEntity(ctx, e, false)
}

func (v *sqliteView) writeEntity(ctx context.Context, e *Entity, insert bool) error {
	aliasesJSON, err := json.Marshal(e.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}
	propertiesJSON, err := marshalJSON(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}
	var mergedAt sql.NullTime
	if e.MergedAt != nil {
		mergedAt = sql.NullTime{Time: *e.MergedAt, Valid: true}
	}

	if insert {
		_, err = v.q.ExecContext(ctx, `
			INSERT INTO entities (id, scope, name, name_norm, aliases, type, description, properties,
				embedding, era_start, era_end, status, merged_into, merged_at, merged_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Scope, e.Name, NormalizeName(e.Name), aliasesJSON, string(e.Type), e.Description,
			propertiesJSON, serializeEmbedding(e.Embedding), nullInt(e.EraStart), nullInt(e.EraEnd),
			string(e.Status), nullString(e.MergedInto), mergedAt, e.MergedBy, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return storageErr("create entity", err)
		}
	} else {
		res, err := v.q.ExecContext(ctx, `
			UPDATE entities
			SET name = ?, name_norm = ?, aliases = ?, type = ?, description = ?, properties = ?,
				embedding = ?, era_start = ?, era_end = ?, status = ?, merged_into = ?, merged_at = ?,
				merged_by = ?, updated_at = ?
			WHERE id = ?`,
			e.Name, NormalizeName(e.Name), aliasesJSON, string(e.Type), e.Description, propertiesJSON,
			serializeEmbedding(e.Embedding), nullInt(e.EraStart), nullInt(e.EraEnd), string(e.Status),
			nullString(e.MergedInto), mergedAt, e.MergedBy, e.UpdatedAt, e.ID,
		)
		if err != nil {
			return storageErr("update entity", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("update entity", err)
		} else if n == 0 {
			return fmt.Errorf("update entity %s: %w", e.ID, ErrNotFound)
		}
		if _, err := v.q.ExecContext(ctx, `DELETE FROM entity_aliases WHERE entity_id = ?`, e.ID); err != nil {
			return storageErr("clear entity aliases", err)
		}
	}

	for _, alias := range e.Aliases {
		_, err := v.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_aliases (entity_id, scope, alias_norm) VALUES (?, ?, ?)`,
			e.ID, e.Scope, NormalizeName(alias))
		if err != nil {
			return storageErr("index entity alias", err)
		}
	}
	return nil
}

const edgeColumns = `id, scope, source_id, target_id, type, attributes, created_at`

func scanRelationship(row rowScanner) (*Relationship, error) {
	var r Relationship
	var attributesJSON []byte
	if err := row.Scan(&r.ID, &r.Scope, &r.SourceID, &r.TargetID, &r.Type, &attributesJSON, &r.CreatedAt); err != nil {
		return nil, err
	}
	if len(attributesJSON) > 0 {
		if err := json.Unmarshal(attributesJSON, &r.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return &r, nil
}

// GetRelationships retrieves all edges incident to an entity (both incoming and outgoing).
func (v *sqliteView) GetRelationships(ctx context.Context, entityID string) ([]*Relationship, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at, id`, entityID, entityID)
	if err != nil {
		return nil, storageErr("get relationships", err)
	}
	defer rows.Close()

	edges := make([]*Relationship, 0)
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, storageErr("scan relationship", err)
		}
		edges = append(edges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate relationships", err)
	}
	return edges, nil
}

// FindRelationship looks an edge up by its identity triple.
func (v *sqliteView) FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error) {
	row := v.q.QueryRowContext(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE source_id = ? AND target_id = ? AND type_norm = ?`,
		sourceID, targetID, strings.ToUpper(relType))
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s-[%s]->%s: %w", sourceID, relType, targetID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("find relationship", err)
	}
	return r, nil
}

// AddRelationship inserts an edge; duplicates of (source, target, type) are rejected.
func (v *sqliteView) AddRelationship(ctx context.Context, r *Relationship) error {
	prepareRelationship(r)
	attributesJSON, err := marshalJSON(r.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	_, err = v.q.ExecContext(ctx, `
		INSERT INTO edges (id, scope, source_id, target_id, type, type_norm, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scope, r.SourceID, r.TargetID, r.Type, strings.ToUpper(r.Type), attributesJSON, r.CreatedAt)
	if err != nil {
		return storageErr("add relationship", err)
	}
	return nil
}

// UpdateRelationship repoints or retypes an existing edge.
func (v *sqliteView) UpdateRelationship(ctx context.Context, r *Relationship) error {
	attributesJSON, err := marshalJSON(r.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	res, err := v.q.ExecContext(ctx, `
		UPDATE edges
		SET source_id = ?, target_id = ?, type = ?, type_norm = ?, attributes = ?
		WHERE id = ?`,
		r.SourceID, r.TargetID, r.Type, strings.ToUpper(r.Type), attributesJSON, r.ID)
	if err != nil {
		return storageErr("update relationship", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("update relationship", err)
	} else if n == 0 {
		return fmt.Errorf("update relationship %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// DeleteRelationship removes an edge from the graph.
func (v *sqliteView) DeleteRelationship(ctx context.Context, id string) error {
	res, err := v.q.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete relationship", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("delete relationship", err)
	} else if n == 0 {
		return fmt.Errorf("delete relationship %s: %w", id, ErrNotFound)
	}
	return nil
}

// Count returns record counts for a scope.
func (v *sqliteView) Count(ctx context.Context, scope string) (Counts, error) {
	var c Counts
	queries := []struct {
		dest  *int64
		query string
	}{
		{&c.Entities, `SELECT COUNT(*) FROM entities WHERE scope = ? AND status = 'active'`},
		{&c.Relationships, `SELECT COUNT(*) FROM edges WHERE scope = ?`},
		{&c.Facts, `SELECT COUNT(*) FROM facts WHERE scope = ?`},
		{&c.Events, `SELECT COUNT(*) FROM state_change_events WHERE scope = ?`},
	}
	for _, q := range queries {
		if err := v.q.QueryRowContext(ctx, q.query, scope).Scan(q.dest); err != nil {
			return Counts{}, storageErr("count records", err)
		}
	}
	return c, nil
}
