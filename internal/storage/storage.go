// Package storage defines the persistence interface for dialogue turns and memory schema entries.
package storage

import (
	"context"

	"github.com/hyperjump/recall/internal/models"
)

// Storage defines turn persistence and the maintenance queries used by derivation and indexing.
// Turns are append-only: no operation changes a turn's role, content, timestamp or sequence id.
type Storage interface {
	// Turn operations
	AppendTurn(ctx context.Context, in *models.TurnInput) (*models.Turn, error)
	GetTurn(ctx context.Context, namespace string, seq int64) (*models.Turn, error)
	GetTurns(ctx context.Context, namespace string, seqs []int64) (map[int64]*models.Turn, error)
	ScanTurns(ctx context.Context, namespace string, filter models.TurnFilter) ([]*models.Turn, error)
	CountTurns(ctx context.Context, namespace string) (int64, error)
	ListNamespaces(ctx context.Context) ([]string, error)

	// Derivation
	StaleDerivations(ctx context.Context, namespace, version string, limit int) ([]*models.Turn, error)
	// SaveDerivations stores recomputed text and returns the rows whose embedding was invalidated.
	SaveDerivations(ctx context.Context, namespace string, updates []models.DerivationUpdate) ([]int64, error)

	// Embeddings
	PendingEmbeddings(ctx context.Context, namespace, version string, afterSeq int64, limit int) ([]*models.Turn, error)
	SaveEmbedding(ctx context.Context, namespace string, seq int64, version string, vec []float32) error
	RecordEmbeddingFailure(ctx context.Context, namespace string, seq int64, msg string) (int, error)
	LoadEmbeddings(ctx context.Context, namespace, version string, afterSeq int64, limit int) ([]*models.Turn, error)
	CountEmbedded(ctx context.Context, namespace, version string) (int64, error)
	FailedRows(ctx context.Context, namespace string, minFailures int) ([]*models.Turn, error)
	ResetEmbeddings(ctx context.Context, namespace string) error

	// Schema registry
	GetSchemaEntry(ctx context.Context, namespace, kind, name string) (*models.SchemaEntry, error)
	PutSchemaEntry(ctx context.Context, entry *models.SchemaEntry) error

	Close() error
}
