package vector

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/hyperjump/recall/pkg/utils"
)

var errNoEmbedding = errors.New("chromem index expects precomputed embeddings")

// ChromemIndex keeps vectors in an in-process chromem-go collection. chromem returns results
// ordered by similarity only, so hits are re-ranked with the configured tie-break.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimensions int
	tieBreak   TieBreak
	ids        map[int64]struct{}
	// mu makes a whole Add batch visible to Search at once.
	mu sync.RWMutex
}

// NewChromemIndex creates a collection named name.
func NewChromemIndex(name string, dimensions int, tieBreak TieBreak) (*ChromemIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	db := chromem.NewDB()
	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedding }
	col, err := db.GetOrCreateCollection(name, nil, chromem.EmbeddingFunc(noEmbed))
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}
	return &ChromemIndex{
		db:         db,
		collection: col,
		dimensions: dimensions,
		tieBreak:   tieBreak,
		ids:        make(map[int64]struct{}),
	}, nil
}

// Type returns the index type identifier.
func (c *ChromemIndex) Type() string {
	return string(IndexTypeChromem)
}

// Add upserts the batch into the collection.
func (c *ChromemIndex) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if len(e.Vector) != c.dimensions {
			return fmt.Errorf("vector dimension mismatch for %d: got %d, expected %d", e.ID, len(e.Vector), c.dimensions)
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		utils.NormalizeL2(vec)
		if utils.Dot(vec, vec) == 0 {
			return fmt.Errorf("zero vector for %d", e.ID)
		}
		docs[i] = chromem.Document{ID: strconv.FormatInt(e.ID, 10), Embedding: vec}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	for _, e := range entries {
		c.ids[e.ID] = struct{}{}
	}
	return nil
}

// Search returns the top-k documents by cosine similarity.
func (c *ChromemIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != c.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), c.dimensions)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	q := make([]float32, len(query))
	copy(q, query)
	utils.NormalizeL2(q)
	if utils.Dot(q, q) == 0 {
		return nil, fmt.Errorf("zero query vector")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	// Ask for everything: equal scores beyond k may still outrank by tie-break.
	found, err := c.collection.QueryEmbedding(ctx, q, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	results := make([]*VectorResult, 0, len(found))
	for _, r := range found {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid document id %q: %w", r.ID, err)
		}
		results = append(results, &VectorResult{ID: id, Score: float64(r.Similarity)})
	}
	return Rank(results, k, c.tieBreak), nil
}

// Remove deletes documents by ID. Unknown IDs are ignored.
func (c *ChromemIndex) Remove(ctx context.Context, ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var known []string
	for _, id := range ids {
		if _, ok := c.ids[id]; ok {
			known = append(known, strconv.FormatInt(id, 10))
		}
	}
	if len(known) == 0 {
		return nil
	}
	if err := c.collection.Delete(ctx, nil, nil, known...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	for _, id := range ids {
		delete(c.ids, id)
	}
	return nil
}

// Contains reports whether id is indexed.
func (c *ChromemIndex) Contains(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok
}

// Size returns the number of indexed documents.
func (c *ChromemIndex) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Close drops the collection.
func (c *ChromemIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make(map[int64]struct{})
	return c.db.DeleteCollection(c.collection.Name)
}
