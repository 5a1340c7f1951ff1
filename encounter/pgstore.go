package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/encounters/model"
)

// PgSchema creates the encounter tables. Transition rows are protected by a
// trigger that rejects UPDATE and DELETE.
const PgSchema = `
CREATE TABLE IF NOT EXISTS encounters (
	id             TEXT PRIMARY KEY,
	definition_key TEXT NOT NULL,
	subject_type   TEXT NOT NULL,
	subject_id     TEXT NOT NULL,
	state          TEXT NOT NULL,
	created_by     TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	ended_at       TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL,
	metadata       JSONB NOT NULL DEFAULT '{}'
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
	transitioned_at TIMESTAMPTZ NOT NULL,
	effective_at    TIMESTAMPTZ NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}',
	UNIQUE (encounter_id, sequence)
);

CREATE OR REPLACE FUNCTION encounter_transitions_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'encounter transition rows are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS encounter_transitions_immutable ON encounter_transitions;
CREATE TRIGGER encounter_transitions_immutable
	BEFORE UPDATE OR DELETE ON encounter_transitions
	FOR EACH ROW EXECUTE FUNCTION encounter_transitions_immutable();
`

const pgEncounterColumns = `id, definition_key, subject_type, subject_id, state,
	created_by, started_at, ended_at, updated_at, metadata`

const pgTransitionColumns = `id, encounter_id, sequence, from_state, to_state,
	actor, transitioned_at, effective_at, metadata`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The per-encounter
// lock is the row lock taken by SELECT ... FOR UPDATE.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL encounter store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies PgSchema. It is idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("migrate encounter schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new encounter.
func (s *PgStore) Create(ctx context.Context, enc model.Encounter) error {
	metaJSON, err := json.Marshal(model.CloneMetadata(enc.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO encounters (`+pgEncounterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		enc.ID, enc.DefinitionKey, enc.Subject.Type, enc.Subject.ID, enc.State,
		enc.CreatedBy, enc.StartedAt, enc.EndedAt, enc.UpdatedAt, metaJSON,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("encounter %q already exists", enc.ID))
		}
		return fmt.Errorf("insert encounter: %w", err)
	}
	return nil
}

// Get retrieves an encounter by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Encounter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgEncounterColumns+` FROM encounters WHERE id = $1`, id)
	return scanPgEncounter(row, id)
}

// List returns encounters matching filters, newest first.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.Encounter, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filters.DefinitionKey != "" {
		add("definition_key = $%d", filters.DefinitionKey)
	}
	if filters.State != "" {
		add("state = $%d", filters.State)
	}
	if filters.Subject.Type != "" {
		add("subject_type = $%d", filters.Subject.Type)
	}
	if filters.Subject.ID != "" {
		add("subject_id = $%d", filters.Subject.ID)
	}

	query := `SELECT ` + pgEncounterColumns + ` FROM encounters`
	if filters.ActiveOnly {
		where = append(where, "ended_at IS NULL")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"

	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query encounters: %w", err)
	}
	defer rows.Close()

	var result []model.Encounter
	for rows.Next() {
		enc, err := scanPgEncounter(rows, "")
		if err != nil {
			return nil, err
		}
		result = append(result, enc)
	}
	return result, rows.Err()
}

// Transitions returns the log rows of an encounter in sequence order.
func (s *PgStore) Transitions(ctx context.Context, encounterID string) ([]model.TransitionLog, error) {
	if _, err := s.Get(ctx, encounterID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgTransitionColumns+`
		FROM encounter_transitions
		WHERE encounter_id = $1
		ORDER BY sequence ASC`,
		encounterID,
	)
	if err != nil {
		return nil, fmt.Errorf("query encounter transitions: %w", err)
	}
	defer rows.Close()

	result := []model.TransitionLog{}
	for rows.Next() {
		row, err := scanPgTransition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ApplyTransition locks the encounter row, calls fn, and commits the state
// change and the log row in one transaction.
func (s *PgStore) ApplyTransition(ctx context.Context, id string, fn TransitionFunc) (model.Encounter, model.TransitionLog, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, model.NewUnavailableError(
			fmt.Sprintf("begin transaction: %v", err),
		)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanPgEncounter(tx.QueryRow(ctx,
		`SELECT `+pgEncounterColumns+` FROM encounters WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	last, err := scanPgTransition(tx.QueryRow(ctx, `
		SELECT `+pgTransitionColumns+`
		FROM encounter_transitions
		WHERE encounter_id = $1
		ORDER BY sequence DESC
		LIMIT 1`, id))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	updated, row, err := fn(ctx, current)
	if err != nil {
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

	if _, err := tx.Exec(ctx, `
		UPDATE encounters SET state = $1, ended_at = $2, updated_at = $3, metadata = $4
		WHERE id = $5`,
		updated.State, updated.EndedAt, updated.UpdatedAt, encMeta, id,
	); err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("update encounter: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO encounter_transitions (`+pgTransitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ID, row.EncounterID, row.Sequence, row.FromState, row.ToState,
		row.Actor, row.TransitionedAt, row.EffectiveAt, rowMeta,
	); err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("insert encounter transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Encounter{}, model.TransitionLog{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, row, nil
}

// ReferencesDefinition reports whether any encounter follows definitionKey.
func (s *PgStore) ReferencesDefinition(ctx context.Context, definitionKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM encounters WHERE definition_key = $1)`, definitionKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query definition references: %w", err)
	}
	return exists, nil
}

func scanPgEncounter(row pgx.Row, id string) (model.Encounter, error) {
	var enc model.Encounter
	var metaJSON []byte
	err := row.Scan(
		&enc.ID, &enc.DefinitionKey, &enc.Subject.Type, &enc.Subject.ID, &enc.State,
		&enc.CreatedBy, &enc.StartedAt, &enc.EndedAt, &enc.UpdatedAt, &metaJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Encounter{}, model.NewEncounterNotFoundError(id)
	}
	if err != nil {
		return model.Encounter{}, fmt.Errorf("scan encounter: %w", err)
	}
	enc.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &enc.Metadata); err != nil {
			return model.Encounter{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return enc, nil
}

func scanPgTransition(row pgx.Row) (model.TransitionLog, error) {
	var t model.TransitionLog
	var metaJSON []byte
	err := row.Scan(
		&t.ID, &t.EncounterID, &t.Sequence, &t.FromState, &t.ToState,
		&t.Actor, &t.TransitionedAt, &t.EffectiveAt, &metaJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TransitionLog{}, err
	}
	if err != nil {
		return model.TransitionLog{}, fmt.Errorf("scan encounter transition: %w", err)
	}
	t.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return model.TransitionLog{}, fmt.Errorf("unmarshal transition metadata: %w", err)
		}
	}
	return t, nil
}
