package keyword

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/recall/internal/models"
)

const defaultFuzziness = 2

// turnDoc is the document shape stored in Bleve for a single turn.
type turnDoc struct {
	Namespace string `json:"namespace"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so "paris" matches "Paris" exactly.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textFieldMapping)

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keywordanalyzer.Name
	docMapping.AddFieldMappingsAt("namespace", exact)
	docMapping.AddFieldMappingsAt("role", exact)

	im.AddDocumentMapping("turn", docMapping)
	im.DefaultType = "turn"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path.
// An empty path builds an in-memory index that is lost on Close.
// If you change the index mapping, remove the index directory; the next build re-indexes every embedded turn.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := newMapping()

	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index upserts turns in a single batch.
func (b *BleveIndex) Index(ctx context.Context, namespace string, turns []*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, t := range turns {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := turnDoc{Namespace: namespace, Role: string(t.Role), Text: t.DerivedText}
		if err := batch.Index(docID(namespace, t.SequenceID), doc); err != nil {
			return fmt.Errorf("failed to add turn %d to batch: %w", t.SequenceID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index batch: %w", err)
	}
	return nil
}

// Search runs a match (or fuzzy) query over text restricted to namespace and returns up to limit results.
func (b *BleveIndex) Search(ctx context.Context, namespace, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	fuzziness := defaultFuzziness
	fuzzyEnabled := false
	var role models.Role
	if opts != nil {
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
		role = opts.Role
	}

	var textQuery blevequery.Query
	if fuzzyEnabled {
		textQuery = buildFuzzyQuery(query, fuzziness, "text")
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("text")
		textQuery = mq
	}

	nsQuery := bleve.NewTermQuery(namespace)
	nsQuery.SetField("namespace")
	parts := []blevequery.Query{textQuery, nsQuery}
	if role != "" {
		rq := bleve.NewTermQuery(string(role))
		rq.SetField("role")
		parts = append(parts, rq)
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(parts...))
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, ok := parseDocID(hit.ID)
		if !ok {
			continue
		}
		out = append(out, &KeywordResult{ID: id, Score: hit.Score})
	}
	return out, nil
}

// Delete removes turns from the index. Unknown ids are ignored.
func (b *BleveIndex) Delete(ctx context.Context, namespace string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(docID(namespace, id))
	}
	return b.index.Batch(batch)
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

func docID(namespace string, id int64) string {
	return namespace + "/" + strconv.FormatInt(id, 10)
}

func parseDocID(s string) (int64, bool) {
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	return id, err == nil
}

// tokenizeQuery lowercases and splits on anything that is not a letter or digit.
// Fuzzy queries bypass the analyzer, so terms must already look like indexed tokens.
func tokenizeQuery(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// buildFuzzyQuery creates a query that matches any term within fuzziness edits.
func buildFuzzyQuery(queryStr string, fuzziness int, field string) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(field)
		return mq
	}

	if len(terms) == 1 {
		fq := bleve.NewFuzzyQuery(terms[0])
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		return fq
	}

	// Any term may match (OR), like a MatchQuery.
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}
