package storage

import (
	"database/sql"
	"fmt"

	"github.com/hyperjump/recall/internal/models"
)

const turnColumns = `sequence_id, namespace, timestamp, role, content,
	derived_text, derived_version, embedding, embed_failures, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var (
		t       models.Turn
		role    string
		derived sql.NullString
		version sql.NullString
		blob    []byte
		lastErr sql.NullString
	)
	if err := row.Scan(&t.SequenceID, &t.Namespace, &t.Timestamp, &role, &t.Content,
		&derived, &version, &blob, &t.EmbedFailures, &lastErr); err != nil {
		return nil, err
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("turn %d: %w", t.SequenceID, err)
	}
	t.Role = models.Role(role)
	t.Timestamp = t.Timestamp.UTC()
	t.DerivedText = derived.String
	t.DerivedVersion = version.String
	t.Embedding = vec
	t.Indexed = vec != nil
	t.LastError = lastErr.String
	return &t, nil
}


// derivationArgs returns derived_text and derived_version for an insert. A turn without a
// version is written with both NULL so the next sweep derives it.
func derivationArgs(in *models.TurnInput) (sql.NullString, sql.NullString) {
	if in.DerivedVersion == "" {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: in.DerivedText, Valid: true}, sql.NullString{String: in.DerivedVersion, Valid: true}
}
