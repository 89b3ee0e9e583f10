package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/recall/pkg/utils"
)

// MemoryIndex is an in-memory vector index using brute-force cosine search.
// Vectors are normalized on insertion so search is a plain inner product.
type MemoryIndex struct {
	dimensions int
	tieBreak   TieBreak
	ids        []int64
	vectors    [][]float32
	pos        map[int64]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int, tieBreak TieBreak) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		tieBreak:   tieBreak,
		pos:        make(map[int64]int),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Add inserts or replaces vectors. The batch is validated before any entry is applied.
func (m *MemoryIndex) Add(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch for %d: got %d, expected %d", e.ID, len(e.Vector), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		vec := make([]float32, m.dimensions)
		copy(vec, e.Vector)
		utils.NormalizeL2(vec)
		if i, ok := m.pos[e.ID]; ok {
			m.vectors[i] = vec
			continue
		}
		m.pos[e.ID] = len(m.ids)
		m.ids = append(m.ids, e.ID)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns the top-k vectors by cosine similarity to query.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	q := make([]float32, len(query))
	copy(q, query)
	utils.NormalizeL2(q)

	m.mu.RLock()
	results := make([]*VectorResult, len(m.ids))
	for i, vec := range m.vectors {
		results[i] = &VectorResult{ID: m.ids[i], Score: utils.Dot(q, vec)}
	}
	m.mu.RUnlock()

	return Rank(results, k, m.tieBreak), nil
}

// Remove deletes vectors by ID. Unknown IDs are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		i, ok := m.pos[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		m.ids[i], m.vectors[i] = m.ids[last], m.vectors[last]
		m.pos[m.ids[i]] = i
		m.ids, m.vectors = m.ids[:last], m.vectors[:last]
		delete(m.pos, id)
	}
	return nil
}

// Contains reports whether id is indexed.
func (m *MemoryIndex) Contains(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pos[id]
	return ok
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
