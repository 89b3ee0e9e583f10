package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeChromem stores vectors in a chromem-go collection.
	IndexTypeChromem IndexType = "chromem"
)

type indexOptions struct {
	name     string
	tieBreak TieBreak
}

// Option configures an index created by NewVectorIndex.
type Option func(*indexOptions)

// WithName sets the collection name (used by chromem).
func WithName(name string) Option {
	return func(o *indexOptions) { o.name = name }
}

// WithTieBreak sets the ordering of equal-score results.
func WithTieBreak(t TieBreak) Option {
	return func(o *indexOptions) { o.tieBreak = t }
}

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "memory" (default), "chromem".
func NewVectorIndex(indexType string, dimensions int, opts ...Option) (VectorIndex, error) {
	o := indexOptions{name: "turns", tieBreak: NewestFirst}
	for _, fn := range opts {
		fn(&o)
	}
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions, o.tieBreak)
	case IndexTypeChromem:
		return NewChromemIndex(o.name, dimensions, o.tieBreak)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, chromem)", indexType)
	}
}
