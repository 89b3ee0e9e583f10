// Package vector provides vector indices over turn embeddings and cosine top-k search.
package vector

import "context"

// Entry is one vector keyed by turn sequence id.
type Entry struct {
	ID     int64
	Vector []float32
}

// VectorIndex defines vector storage and similarity search. Add is an upsert and a batch
// becomes visible to Search all at once.
type VectorIndex interface {
	Add(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []int64) error
	Contains(id int64) bool
	Size() int
	Type() string
	Close() error
}

// VectorResult is a single search hit. Score is cosine similarity in [-1, 1].
type VectorResult struct {
	ID    int64
	Score float64
}
