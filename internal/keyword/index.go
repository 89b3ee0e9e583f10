// Package keyword provides keyword (BM25) indexing and search over derived turn text.
package keyword

import (
	"context"

	"github.com/hyperjump/recall/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2).
	// Default is 2 when FuzzyEnabled is true.
	Fuzziness int
	// Role restricts hits to turns with the given role. Empty means any role.
	Role models.Role
}

// KeywordIndex defines keyword search operations scoped by namespace.
type KeywordIndex interface {
	// Index upserts the derived text of the given turns.
	Index(ctx context.Context, namespace string, turns []*models.Turn) error
	Search(ctx context.Context, namespace, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, namespace string, ids []int64) error
	// DocCount returns the total number of documents across all namespaces.
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    int64
	Score float64
}
