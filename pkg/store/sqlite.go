package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultDriver is the pure-Go SQLite driver registered by modernc.org/sqlite.
const DefaultDriver = "sqlite"

// SQLiteStore implements Store using SQLite as the backend.
type SQLiteStore struct {
	db   *sql.DB
	read *sqliteView
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Tx    = (*sqliteView)(nil)
)

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	driver string
}

// WithDriver selects the database/sql driver name. The default is the pure Go
// "sqlite" driver. The cgo driver "sqlite3" is always registered but fails on
// Open in binaries built with CGO_ENABLED=0.
func WithDriver(name string) SQLiteOption {
	return func(o *sqliteOptions) {
		if name != "" {
			o.driver = name
		}
	}
}

// NewSQLiteStore creates a new SQLite-backed store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	o := sqliteOptions{driver: DefaultDriver}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open(o.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w: %w", ErrStorage, err)
	}

	// SQLite has a single writer, and every ":memory:" connection is a
	// separate database, so the pool is pinned to one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, read: &sqliteView{q: db}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w: %w", ErrStorage, err)
	}

	return s, nil
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback() // Rollback if not committed

	if err := fn(&sqliteView{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		name_norm TEXT NOT NULL,
		aliases TEXT,
		type TEXT NOT NULL,
		description TEXT,
		properties TEXT,
		embedding BLOB,
		era_start INTEGER,
		era_end INTEGER,
		status TEXT NOT NULL DEFAULT 'active',
		merged_into TEXT,
		merged_at DATETIME,
		merged_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_scope_name ON entities(scope, name_norm);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_active_identity
		ON entities(scope, name_norm, IFNULL(era_start, -999999999999), IFNULL(era_end, 999999999999))
		WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS entity_aliases (
		entity_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		alias_norm TEXT NOT NULL,
		PRIMARY KEY (entity_id, alias_norm),
		FOREIGN KEY (entity_id) REFERENCES entities(id)
	);

	CREATE INDEX IF NOT EXISTS idx_entity_aliases_scope ON entity_aliases(scope, alias_norm);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		type TEXT NOT NULL,
		type_norm TEXT NOT NULL,
		attributes TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (source_id, target_id, type_norm),
		FOREIGN KEY (source_id) REFERENCES entities(id),
		FOREIGN KEY (target_id) REFERENCES entities(id)
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT,
		sequence_order INTEGER,
		story_year INTEGER,
		story_month INTEGER,
		story_day INTEGER,
		source TEXT,
		confidence REAL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_facts_sequence ON facts(scope, sequence_order);
	CREATE INDEX IF NOT EXISTS idx_facts_story_time ON facts(scope, story_year, story_month, story_day);

	CREATE TABLE IF NOT EXISTS fact_entities (
		fact_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (fact_id, entity_id),
		FOREIGN KEY (fact_id) REFERENCES facts(id)
	);

	CREATE INDEX IF NOT EXISTS idx_fact_entities_entity ON fact_entities(entity_id);

	CREATE TABLE IF NOT EXISTS character_knowledge (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		character_id TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		content TEXT,
		is_accurate INTEGER NOT NULL DEFAULT 0,
		confidence REAL DEFAULT 0,
		learned_at_sequence INTEGER,
		forgotten_at_sequence INTEGER,
		superseded_by TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_knowledge_character ON character_knowledge(scope, character_id);
	CREATE INDEX IF NOT EXISTS idx_knowledge_subject ON character_knowledge(scope, subject_id);
	CREATE INDEX IF NOT EXISTS idx_knowledge_source ON character_knowledge(scope, source_id);

	CREATE TABLE IF NOT EXISTS content_dependencies (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		unit_label TEXT,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		assumption TEXT,
		valid INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dependencies_target ON content_dependencies(scope, target_id);

	CREATE TABLE IF NOT EXISTS merge_candidates (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		primary_id TEXT NOT NULL,
		duplicate_id TEXT NOT NULL,
		score REAL NOT NULL,
		evidence TEXT,
		status TEXT NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at DATETIME,
		resolution_note TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_candidates_scope_status ON merge_candidates(scope, status);
	CREATE INDEX IF NOT EXISTS idx_candidates_pair ON merge_candidates(primary_id, duplicate_id);

	CREATE TABLE IF NOT EXISTS state_change_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		scope TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		narrative_position INTEGER,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_entity ON state_change_events(entity_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_narrative ON state_change_events(scope, narrative_position);

	CREATE TRIGGER IF NOT EXISTS trg_events_no_update BEFORE UPDATE ON state_change_events
	BEGIN
		SELECT RAISE(ABORT, 'state change events are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_events_no_delete BEFORE DELETE ON state_change_events
	BEGIN
		SELECT RAISE(ABORT, 'state change events are immutable');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is the subset of *sql.DB and *sql.Tx the views need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteView runs reads and writes against either the pool or a transaction.
// Callers that need atomic multi-row changes go through WithTx.
type sqliteView struct {
	q querier
}

// storageErr wraps a driver error into the engine's taxonomy.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// serializeEmbedding converts a float32 slice to a binary BLOB for storage.
// Uses little-endian encoding for consistency across platforms.
func serializeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	blob := make([]byte, len(embedding)*4)
	for i, val := range embedding {
		binary.LittleEndian.PutUint32(blob[i*4:(i+1)*4], math.Float32bits(val))
	}
	return blob
}

// deserializeEmbedding converts a binary BLOB back to a float32 slice.
// Returns nil if the data is malformed (not a multiple of 4 bytes).
func deserializeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4]))
	}
	return embedding
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringFromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sortedIDs returns a sorted, de-duplicated copy of ids.
func sortedIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
