package encounter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/pitabwire/encounters/model"
)

// sqliteTimeFormat is fixed-width so stored timestamps sort lexically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS encounters (
	id             TEXT PRIMARY KEY,
	definition_key TEXT NOT NULL,
	subject_type   TEXT NOT NULL,
	subject_id     TEXT NOT NULL,
	state          TEXT NOT NULL,
	created_by     TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	ended_at       TEXT,
	updated_at     TEXT NOT NULL,
	metadata       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS encounters_definition_state_idx ON encounters (definition_key, state);
CREATE INDEX IF NOT EXISTS encounters_subject_idx ON encounters (subject_type, subject_id);

CREATE TABLE IF NOT EXISTS encounter_transitions (
	id              TEXT PRIMARY KEY,
	encounter_id    TEXT NOT NULL REFERENCES encounters (id) ON DELETE RESTRICT,
	sequence        INTEGER NOT NULL,
	from_state      TEXT NOT NULL,
	to_state        TEXT NOT NULL,
	actor           TEXT NOT NULL DEFAULT '',
	transitioned_at TEXT NOT NULL,
	effective_at    TEXT NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '{}',
	UNIQUE (encounter_id, sequence)
);

CREATE TRIGGER IF NOT EXISTS encounter_transitions_no_update
BEFORE UPDATE ON encounter_transitions
BEGIN
	SELECT RAISE(ABORT, 'encounter transition rows are immutable');
END;

CREATE TRIGGER IF NOT EXISTS encounter_transitions_no_delete
BEFORE DELETE ON encounter_transitions
BEGIN
	SELECT RAISE(ABORT, 'encounter transition rows are immutable');
END;
`

// SqliteConfig defines SQLite operational parameters.
type SqliteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSqliteConfig returns the recommended SQLite configuration.
func DefaultSqliteConfig() SqliteConfig {
	return SqliteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// SqliteStore is an embedded SQL Store on modernc.org/sqlite. An in-process
// keyed mutex serialises attempts on the same encounter; write transactions
// begin IMMEDIATE and are held only for the write itself.
type SqliteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// OpenSqliteStore opens (creating if needed) the database at path with WAL
// journaling, foreign keys and a busy timeout, and applies the schema.
func OpenSqliteStore(ctx context.Context, path string, cfg SqliteConfig) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SqliteStore{db: db, locks: newKeyedMutex()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SqliteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return nil
}

const sqliteEncounterColumns = `id, definition_key, subject_type, subject_id, state,
	created_by, started_at, ended_at, updated_at, metadata`

const sqliteTransitionColumns = `id, encounter_id, sequence, from_state, to_state,
	actor, transitioned_at, effective_at, metadata`

// Create inserts a new encounter.
func (s *SqliteStore) Create(ctx context.Context, enc model.Encounter) error {
	metaJSON, err := json.Marshal(model.CloneMetadata(enc.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO encounters (`+sqliteEncounterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		enc.ID, enc.DefinitionKey, enc.Subject.Type, enc.Subject.ID, enc.State,
		enc.CreatedBy, formatSqliteTime(enc.StartedAt), formatSqliteTimePtr(enc.EndedAt),
		formatSqliteTime(enc.UpdatedAt), string(metaJSON),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.NewConflictError(fmt.Sprintf("encounter %q already exists", enc.ID))
		}
		return fmt.Errorf("insert encounter: %w", err)
	}
	return nil
}

// Get retrieves an encounter by ID.
func (s *SqliteStore) Get(ctx context.Context, id string) (model.Encounter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEncounterColumns+` FROM encounters WHERE id = ?`, id)
	return scanSqliteEncounter(row, id)
}

// List returns encounters matching filters, newest first.
func (s *SqliteStore) List(ctx context.Context, filters Filters) ([]model.Encounter, error) {
	var where []string
	var args []any
	if filters.DefinitionKey != "" {
		where = append(where, "definition_key = ?")
		args = append(args, filters.DefinitionKey)
	}
	if filters.State != "" {
		where = append(where, "state = ?")
		args = append(args, filters.State)
	}
	if filters.Subject.Type != "" {
		where = append(where, "subject_type = ?")
		args = append(args, filters.Subject.Type)
	}
	if filters.Subject.ID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filters.Subject.ID)
	}
	if filters.ActiveOnly {
		where = append(where, "ended_at IS NULL")
	}

	query := `SELECT ` + sqliteEncounterColumns + ` FROM encounters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query encounters: %w", err)
	}
	defer rows.Close()

	var result []model.Encounter
	for rows.Next() {
		enc, err := scanSqliteEncounter(rows, "")
		if err != nil {
			return nil, err
		}
		result = append(result, enc)
	}
	return result, rows.Err()
}

// Transitions returns the log rows of an encounter in sequence order.
func (s *SqliteStore) Transitions(ctx context.Context, encounterID string) ([]model.TransitionLog, error) {
	if _, err := s.Get(ctx, encounterID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTransitionColumns+`
		FROM encounter_transitions
		WHERE encounter_id = ?
		ORDER BY sequence ASC`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query encounter transitions: %w", err)
	}
	defer rows.Close()

	result := []model.TransitionLog{}
	for rows.Next() {
		row, err := scanSqliteTransition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ApplyTransition runs fn under the encounter's in-process lock against a
// snapshot read outside any write transaction, so a slow validator never
// holds SQLite's database-wide write lock. The write is a short IMMEDIATE
// transaction guarded on the snapshot's state and updated_at; if another
// process moved the encounter in between, the attempt fails with CONFLICT.
func (s *SqliteStore) ApplyTransition(ctx context.Context, id string, fn TransitionFunc) (model.Encounter, model.TransitionLog, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, model.NewUnavailableError(
			fmt.Sprintf("lock encounter %q: %v", id, err),
		)
	}
	defer unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	updated, row, err := fn(ctx, current)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, model.NewUnavailableError(
			fmt.Sprintf("begin transaction: %v", err),
		)
	}
	defer func() { _ = tx.Rollback() }()

	last, err := scanSqliteTransition(tx.QueryRowContext(ctx, `
		SELECT `+sqliteTransitionColumns+`
		FROM encounter_transitions
		WHERE encounter_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	updated, row = stampTransition(id, current, updated, row, last)

	encMeta, err := json.Marshal(model.CloneMetadata(updated.Metadata))
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("marshal metadata: %w", err)
	}
	rowMeta, err := json.Marshal(row.Metadata)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("marshal transition metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE encounters SET state = ?, ended_at = ?, updated_at = ?, metadata = ?
		WHERE id = ? AND state = ? AND updated_at = ?`,
		updated.State, formatSqliteTimePtr(updated.EndedAt), formatSqliteTime(updated.UpdatedAt),
		string(encMeta), id, current.State, formatSqliteTime(current.UpdatedAt),
	)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("update encounter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("update encounter: %w", err)
	}
	if n != 1 {
		return model.Encounter{}, model.TransitionLog{}, model.NewConflictError(
			fmt.Sprintf("encounter %q changed while the transition was being checked", id),
		)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO encounter_transitions (`+sqliteTransitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.EncounterID, row.Sequence, row.FromState, row.ToState, row.Actor,
		formatSqliteTime(row.TransitionedAt), formatSqliteTime(row.EffectiveAt), string(rowMeta),
	); err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("insert encounter transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, row, nil
}

// ReferencesDefinition reports whether any encounter follows definitionKey.
func (s *SqliteStore) ReferencesDefinition(ctx context.Context, definitionKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM encounters WHERE definition_key = ?)`, definitionKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query definition references: %w", err)
	}
	return exists, nil
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSqliteEncounter(row sqliteScanner, id string) (model.Encounter, error) {
	var enc model.Encounter
	var startedAt, updatedAt, metaJSON string
	var endedAt sql.NullString
	err := row.Scan(
		&enc.ID, &enc.DefinitionKey, &enc.Subject.Type, &enc.Subject.ID, &enc.State,
		&enc.CreatedBy, &startedAt, &endedAt, &updatedAt, &metaJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Encounter{}, model.NewEncounterNotFoundError(id)
	}
	if err != nil {
		return model.Encounter{}, fmt.Errorf("scan encounter: %w", err)
	}

	if enc.StartedAt, err = parseSqliteTime(startedAt); err != nil {
		return model.Encounter{}, err
	}
	if enc.UpdatedAt, err = parseSqliteTime(updatedAt); err != nil {
		return model.Encounter{}, err
	}
	if endedAt.Valid {
		t, err := parseSqliteTime(endedAt.String)
		if err != nil {
			return model.Encounter{}, err
		}
		enc.EndedAt = &t
	}
	enc.Metadata = map[string]any{}
	if err := json.Unmarshal([]byte(metaJSON), &enc.Metadata); err != nil {
		return model.Encounter{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return enc, nil
}

func scanSqliteTransition(row sqliteScanner) (model.TransitionLog, error) {
	var t model.TransitionLog
	var transitionedAt, effectiveAt, metaJSON string
	err := row.Scan(
		&t.ID, &t.EncounterID, &t.Sequence, &t.FromState, &t.ToState,
		&t.Actor, &transitionedAt, &effectiveAt, &metaJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransitionLog{}, err
	}
	if err != nil {
		return model.TransitionLog{}, fmt.Errorf("scan encounter transition: %w", err)
	}
	if t.TransitionedAt, err = parseSqliteTime(transitionedAt); err != nil {
		return model.TransitionLog{}, err
	}
	if t.EffectiveAt, err = parseSqliteTime(effectiveAt); err != nil {
		return model.TransitionLog{}, err
	}
	t.Metadata = map[string]any{}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return model.TransitionLog{}, fmt.Errorf("unmarshal transition metadata: %w", err)
	}
	return t, nil
}

func formatSqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func formatSqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSqliteTime(*t)
}

func parseSqliteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
