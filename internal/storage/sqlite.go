package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/recall/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps appends, sweeps and embedding writes strictly ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		derived_text TEXT,
		derived_version TEXT,
		embedding BLOB,
		embed_failures INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_turns_namespace_seq ON turns(namespace, sequence_id);
	CREATE INDEX IF NOT EXISTS idx_turns_namespace_version ON turns(namespace, derived_version);

	CREATE TABLE IF NOT EXISTS memory_schema (
		namespace TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		version TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (namespace, kind, name)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// AppendTurn validates and inserts a turn, assigning its sequence id and, if unset, its timestamp.
func (s *SQLiteStorage) AppendTurn(ctx context.Context, in *models.TurnInput) (*models.Turn, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ts := NormalizeTimestamp(in.Timestamp)
	derived, version := derivationArgs(in)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (namespace, timestamp, role, content, derived_text, derived_version)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.Namespace, ts, string(in.Role), in.Content, derived, version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert turn: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence id: %w", err)
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

// GetTurn returns one turn by sequence id.
func (s *SQLiteStorage) GetTurn(ctx context.Context, namespace string, seq int64) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE namespace = ? AND sequence_id = ?`, namespace, seq)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn not found: %d: %w", seq, models.ErrNotFound)
	}
	return t, err
}

// GetTurns returns the turns with the given sequence ids keyed by id. Missing ids are omitted.
func (s *SQLiteStorage) GetTurns(ctx context.Context, namespace string, seqs []int64) (map[int64]*models.Turn, error) {
	out := make(map[int64]*models.Turn, len(seqs))
	if len(seqs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(seqs)+1)
	args = append(args, namespace)
	for _, id := range seqs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE namespace = ? AND sequence_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out[t.SequenceID] = t
	}
	return out, rows.Err()
}

// ScanTurns returns turns in insertion order, restricted by filter.
func (s *SQLiteStorage) ScanTurns(ctx context.Context, namespace string, filter models.TurnFilter) ([]*models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE namespace = ? AND sequence_id > ?`
	args := []any{namespace, filter.AfterSequence}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(filter.Role))
	}
	query += ` ORDER BY sequence_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryTurns(ctx, query, args...)
}

// CountTurns returns the number of turns in namespace.
func (s *SQLiteStorage) CountTurns(ctx context.Context, namespace string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE namespace = ?`, namespace).Scan(&n)
	return n, err
}

// ListNamespaces returns every namespace that has turns or schema entries.
func (s *SQLiteStorage) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace FROM turns UNION SELECT namespace FROM memory_schema ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// StaleDerivations returns up to limit rows whose derived text was not produced by version.
func (s *SQLiteStorage) StaleDerivations(ctx context.Context, namespace, version string, limit int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = ? AND (derived_version IS NULL OR derived_version != ?)
		 ORDER BY sequence_id LIMIT ?`,
		namespace, version, limit)
}

// SaveDerivations writes recomputed derived text in one transaction. Rows whose text
// changed lose their embedding and failure count; their ids are returned if they had been embedded.
func (s *SQLiteStorage) SaveDerivations(ctx context.Context, namespace string, updates []models.DerivationUpdate) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var invalidated []int64
	for _, u := range updates {
		var (
			current sql.NullString
			blob    []byte
		)
		err := tx.QueryRowContext(ctx,
			`SELECT derived_text, embedding FROM turns WHERE namespace = ? AND sequence_id = ?`,
			namespace, u.SequenceID).Scan(&current, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if current.Valid && current.String == u.DerivedText {
			if _, err := tx.ExecContext(ctx,
				`UPDATE turns SET derived_version = ? WHERE namespace = ? AND sequence_id = ?`,
				u.Version, namespace, u.SequenceID); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE turns SET derived_text = ?, derived_version = ?, embedding = NULL,
			 embed_failures = 0, last_error = NULL
			 WHERE namespace = ? AND sequence_id = ?`,
			u.DerivedText, u.Version, namespace, u.SequenceID); err != nil {
			return nil, err
		}
		if blob != nil {
			invalidated = append(invalidated, u.SequenceID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return invalidated, nil
}

// PendingEmbeddings returns rows derived with version that still have no embedding.
func (s *SQLiteStorage) PendingEmbeddings(ctx context.Context, namespace, version string, afterSeq int64, limit int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = ? AND derived_version = ? AND embedding IS NULL AND sequence_id > ?
		 ORDER BY sequence_id LIMIT ?`,
		namespace, version, afterSeq, limit)
}

// SaveEmbedding stores vec for a row and clears its failure count. It fails with
// ErrNotFound when the row was re-derived under a different version meanwhile.
func (s *SQLiteStorage) SaveEmbedding(ctx context.Context, namespace string, seq int64, version string, vec []float32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE turns SET embedding = ?, embed_failures = 0, last_error = NULL
		 WHERE namespace = ? AND sequence_id = ? AND derived_version = ?`,
		EncodeVector(vec), namespace, seq, version)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("turn %d at version %s: %w", seq, version, models.ErrNotFound)
	}
	return nil
}

// RecordEmbeddingFailure increments the row's failure count and returns the new value.
func (s *SQLiteStorage) RecordEmbeddingFailure(ctx context.Context, namespace string, seq int64, msg string) (int, error) {
	var failures int
	err := s.db.QueryRowContext(ctx,
		`UPDATE turns SET embed_failures = embed_failures + 1, last_error = ?
		 WHERE namespace = ? AND sequence_id = ? RETURNING embed_failures`,
		msg, namespace, seq).Scan(&failures)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("turn not found: %d: %w", seq, models.ErrNotFound)
	}
	return failures, err
}

// LoadEmbeddings pages through embedded rows derived with version.
func (s *SQLiteStorage) LoadEmbeddings(ctx context.Context, namespace, version string, afterSeq int64, limit int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = ? AND derived_version = ? AND embedding IS NOT NULL AND sequence_id > ?
		 ORDER BY sequence_id LIMIT ?`,
		namespace, version, afterSeq, limit)
}

// CountEmbedded returns how many rows derived with version have an embedding.
func (s *SQLiteStorage) CountEmbedded(ctx context.Context, namespace, version string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE namespace = ? AND derived_version = ? AND embedding IS NOT NULL`,
		namespace, version).Scan(&n)
	return n, err
}

// FailedRows returns rows with at least minFailures consecutive embedding failures.
func (s *SQLiteStorage) FailedRows(ctx context.Context, namespace string, minFailures int) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE namespace = ? AND embed_failures >= ? ORDER BY sequence_id`,
		namespace, minFailures)
}

// ResetEmbeddings drops every embedding in namespace so the next build re-embeds all rows.
func (s *SQLiteStorage) ResetEmbeddings(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET embedding = NULL, embed_failures = 0, last_error = NULL WHERE namespace = ?`,
		namespace)
	return err
}

// GetSchemaEntry returns a setup entry or an error wrapping ErrNotFound.
func (s *SQLiteStorage) GetSchemaEntry(ctx context.Context, namespace, kind, name string) (*models.SchemaEntry, error) {
	e := models.SchemaEntry{Namespace: namespace, Kind: kind, Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, version, created_at, updated_at FROM memory_schema
		 WHERE namespace = ? AND kind = ? AND name = ?`,
		namespace, kind, name).Scan(&e.Definition, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schema entry not found: %s/%s: %w", kind, name, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutSchemaEntry inserts or replaces a setup entry.
func (s *SQLiteStorage) PutSchemaEntry(ctx context.Context, e *models.SchemaEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_schema (namespace, kind, name, definition, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, kind, name) DO UPDATE SET
		   definition = excluded.definition, version = excluded.version, updated_at = excluded.updated_at`,
		e.Namespace, e.Kind, e.Name, e.Definition, e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) queryTurns(ctx context.Context, query string, args ...any) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// NormalizeTimestamp assigns now for a zero timestamp and drops sub-microsecond precision
// so the value survives a round trip through either backend unchanged.
func NormalizeTimestamp(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Truncate(time.Microsecond)
}
