package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hyperjump/recall/internal/models"
)

// PostgresStorage implements Storage on PostgreSQL through a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to databaseURL and creates the schema if needed.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStorage{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			sequence_id BIGSERIAL PRIMARY KEY,
			namespace TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			derived_text TEXT,
			derived_version TEXT,
			embedding BYTEA,
			embed_failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_namespace_seq ON turns (namespace, sequence_id);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_namespace_version ON turns (namespace, derived_version);`,
		`CREATE TABLE IF NOT EXISTS memory_schema (
			namespace TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			definition TEXT NOT NULL,
			version TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace, kind, name)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStorage) AppendTurn(ctx context.Context, in *models.TurnInput) (*models.Turn, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ts := NormalizeTimestamp(in.Timestamp)
	derived, version := derivationArgs(in)
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO turns (namespace, timestamp, role, content, derived_text, derived_version)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING sequence_id`,
		in.Namespace, ts, string(in.Role), in.Content, derived, version,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("save turn: %w", err)
	}
	return &models.Turn{
		SequenceID:     seq,
		Namespace:      in.Namespace,
		Timestamp:      ts,
		Role:           in.Role,
		Content:        in.Content,
		DerivedText:    derived.String,
		DerivedVersion: version.String,
	}, nil
}

func (s *PostgresStorage) GetTurn(ctx context.Context, namespace string, seq int64) (*models.Turn, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE namespace = $1 AND sequence_id = $2`, namespace, seq)
	t, err := scanTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("turn not found: %d: %w", seq, models.ErrNotFound)
	}
	return t, err
}

func (s *PostgresStorage) GetTurns(ctx context.Context, namespace string, seqs []int64) (map[int64]*models.Turn, error) {
	out := make(map[int64]*models.Turn, len(seqs))
	if len(seqs) == 0 {
		return out, nil
	}
	turns, err := s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE namespace = $1 AND sequence_id = ANY($2)`,
		namespace, seqs)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		out[t.SequenceID] = t
	}
	return out, nil
}

func (s *PostgresStorage) ScanTurns(ctx context.Context, namespace string, filter models.TurnFilter) ([]*models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE namespace = $1 AND sequence_id > $2`
	args := []any{namespace, filter.AfterSequence}
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		query += fmt.Sprintf(` AND role = $%d`, len(args))
	}
	query += ` ORDER BY sequence_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryTurns(ctx, query, args...)
}

func (s *PostgresStorage) CountTurns(ctx context.Context, namespace string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE namespace = $1`, namespace).Scan(&n)
	return n, err
}

func (s *PostgresStorage) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT namespace FROM turns UNION SELECT namespace FROM memory_schema ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("query namespaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace row: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) StaleDerivations(ctx context.Context, namespace, version string, limit int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = $1 AND (derived_version IS NULL OR derived_version <> $2)
		 ORDER BY sequence_id LIMIT $3`,
		namespace, version, limit)
}

func (s *PostgresStorage) SaveDerivations(ctx context.Context, namespace string, updates []models.DerivationUpdate) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin derivation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var invalidated []int64
	for _, u := range updates {
		var (
			current *string
			blob    []byte
		)
		err := tx.QueryRow(ctx,
			`SELECT derived_text, embedding FROM turns WHERE namespace = $1 AND sequence_id = $2 FOR UPDATE`,
			namespace, u.SequenceID).Scan(&current, &blob)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if current != nil && *current == u.DerivedText {
			if _, err := tx.Exec(ctx,
				`UPDATE turns SET derived_version = $1 WHERE namespace = $2 AND sequence_id = $3`,
				u.Version, namespace, u.SequenceID); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE turns SET derived_text = $1, derived_version = $2, embedding = NULL,
			 embed_failures = 0, last_error = NULL
			 WHERE namespace = $3 AND sequence_id = $4`,
			u.DerivedText, u.Version, namespace, u.SequenceID); err != nil {
			return nil, err
		}
		if blob != nil {
			invalidated = append(invalidated, u.SequenceID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit derivation tx: %w", err)
	}
	return invalidated, nil
}

func (s *PostgresStorage) PendingEmbeddings(ctx context.Context, namespace, version string, afterSeq int64, limit int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = $1 AND derived_version = $2 AND embedding IS NULL AND sequence_id > $3
		 ORDER BY sequence_id LIMIT $4`,
		namespace, version, afterSeq, limit)
}

func (s *PostgresStorage) SaveEmbedding(ctx context.Context, namespace string, seq int64, version string, vec []float32) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE turns SET embedding = $1, embed_failures = 0, last_error = NULL
		 WHERE namespace = $2 AND sequence_id = $3 AND derived_version = $4`,
		EncodeVector(vec), namespace, seq, version)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("turn %d at version %s: %w", seq, version, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) RecordEmbeddingFailure(ctx context.Context, namespace string, seq int64, msg string) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx,
		`UPDATE turns SET embed_failures = embed_failures + 1, last_error = $1
		 WHERE namespace = $2 AND sequence_id = $3 RETURNING embed_failures`,
		msg, namespace, seq).Scan(&failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("turn not found: %d: %w", seq, models.ErrNotFound)
	}
	return failures, err
}

func (s *PostgresStorage) LoadEmbeddings(ctx context.Context, namespace, version string, afterSeq int64, limit int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = $1 AND derived_version = $2 AND embedding IS NOT NULL AND sequence_id > $3
		 ORDER BY sequence_id LIMIT $4`,
		namespace, version, afterSeq, limit)
}

func (s *PostgresStorage) CountEmbedded(ctx context.Context, namespace, version string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM turns WHERE namespace = $1 AND derived_version = $2 AND embedding IS NOT NULL`,
		namespace, version).Scan(&n)
	return n, err
}

func (s *PostgresStorage) FailedRows(ctx context.Context, namespace string, minFailures int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = $1 AND embed_failures >= $2 ORDER BY sequence_id`,
		namespace, minFailures)
}

func (s *PostgresStorage) ResetEmbeddings(ctx context.Context, namespace string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE turns SET embedding = NULL, embed_failures = 0, last_error = NULL WHERE namespace = $1`,
		namespace)
	return err
}

func (s *PostgresStorage) GetSchemaEntry(ctx context.Context, namespace, kind, name string) (*models.SchemaEntry, error) {
	e := models.SchemaEntry{Namespace: namespace, Kind: kind, Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT definition, version, created_at, updated_at FROM memory_schema
		 WHERE namespace = $1 AND kind = $2 AND name = $3`,
		namespace, kind, name).Scan(&e.Definition, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schema entry not found: %s/%s: %w", kind, name, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStorage) PutSchemaEntry(ctx context.Context, e *models.SchemaEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_schema (namespace, kind, name, definition, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (namespace, kind, name) DO UPDATE SET
		   definition = EXCLUDED.definition, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		e.Namespace, e.Kind, e.Name, e.Definition, e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) queryTurns(ctx context.Context, query string, args ...any) ([]*models.Turn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}
