// Package indexer keeps a namespace's vector index in step with its turns: it re-derives stale
// text, embeds pending rows and loads persisted embeddings back into memory.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/recall/internal/derive"
	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/observability"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 4
	defaultBatchSize   = 64
	defaultMaxFailures = 3
)

// Indexer maintains the vector index (and optionally the keyword index) for one namespace.
// BuildOrUpdate and Warm are serialised; State and the indices are safe to read concurrently.
type Indexer struct {
	namespace    string
	storage      storage.Storage
	embedder     embedding.Embedder
	computer     *derive.Holder
	vectorIndex  vector.VectorIndex
	keywordIndex keyword.KeywordIndex // optional
	logger       *zap.Logger          // optional; when set, logs debug events
	metrics      *observability.Metrics

	workers     int
	batchSize   int
	maxFailures int
	batchEmbed  bool

	buildMu sync.Mutex

	mu        sync.RWMutex
	state     models.IndexState
	lastBuild time.Time
	lastRunID string
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (batches embedded, rows failed, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithKeywordIndex mirrors indexed rows into a keyword index for hybrid retrieval.
func WithKeywordIndex(k keyword.KeywordIndex) IndexerOption {
	return func(idx *Indexer) { idx.keywordIndex = k }
}

// WithMetrics records build results on m.
func WithMetrics(m *observability.Metrics) IndexerOption {
	return func(idx *Indexer) { idx.metrics = m }
}

// WithWorkers bounds how many rows of one batch are embedded in parallel.
func WithWorkers(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.workers = n
		}
	}
}

// WithBatchEmbedding sends each batch to the embedder in one EmbedBatch call. When the call
// fails the batch is embedded row by row so one bad row does not fail the others.
func WithBatchEmbedding() IndexerOption {
	return func(idx *Indexer) { idx.batchEmbed = true }
}

// WithBatchSize sets how many rows are read, embedded and published per step.
func WithBatchSize(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.batchSize = n
		}
	}
}

// WithMaxFailures sets after how many consecutive failures a row is reported as an IndexRowError.
func WithMaxFailures(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.maxFailures = n
		}
	}
}

// NewIndexer creates an indexer for namespace. The index starts Empty; call Warm to load
// embeddings persisted by earlier runs.
func NewIndexer(
	namespace string,
	storage storage.Storage,
	embedder embedding.Embedder,
	computer *derive.Holder,
	vectorIndex vector.VectorIndex,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		namespace:   namespace,
		storage:     storage,
		embedder:    embedder,
		computer:    computer,
		vectorIndex: vectorIndex,
		workers:     defaultWorkers,
		batchSize:   defaultBatchSize,
		maxFailures: defaultMaxFailures,
		state:       models.IndexEmpty,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Namespace returns the namespace this indexer maintains.
func (idx *Indexer) Namespace() string { return idx.namespace }

// VectorIndex returns the index queries run against.
func (idx *Indexer) VectorIndex() vector.VectorIndex { return idx.vectorIndex }

// KeywordIndex returns the keyword index, or nil when hybrid retrieval is disabled.
func (idx *Indexer) KeywordIndex() keyword.KeywordIndex { return idx.keywordIndex }

// State returns the current index state.
func (idx *Indexer) State() models.IndexState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.state
}

// LastBuild returns when the last successful build finished and its run id.
func (idx *Indexer) LastBuild() (time.Time, string) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastBuild, idx.lastRunID
}

func (idx *Indexer) setState(s models.IndexState) {
	idx.mu.Lock()
	idx.state = s
	idx.mu.Unlock()
}

// BuildOrUpdate brings the index up to date: every row is re-derived with the current
// definition, rows whose text changed leave the index, and every row without an embedding
// is embedded and published. Rows that fail to embed are counted and skipped; the pass
// goes on with the rest. Calling it again with nothing new to do changes nothing.
func (idx *Indexer) BuildOrUpdate(ctx context.Context) (report *models.BuildReport, err error) {
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	start := time.Now()
	prev := idx.State()
	idx.setState(models.IndexBuilding)
	defer func() {
		if err != nil {
			if idx.vectorIndex.Size() > 0 {
				idx.setState(models.IndexReady)
			} else {
				idx.setState(prev)
			}
		}
	}()

	c := idx.computer.Load()
	report = &models.BuildReport{RunID: uuid.New().String(), Namespace: idx.namespace}
	if idx.logger != nil {
		idx.logger.Debug("indexer build started",
			zap.String("namespace", idx.namespace), zap.String("run_id", report.RunID))
	}

	sweep, err := derive.Sweep(ctx, idx.storage, idx.namespace, c, idx.batchSize)
	if err != nil {
		return nil, err
	}
	report.Rederived = sweep.Rederived
	if err := idx.drop(ctx, sweep.Invalidated); err != nil {
		return nil, err
	}
	if err := idx.attachEmbedded(ctx, c); err != nil {
		return nil, err
	}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := idx.storage.PendingEmbeddings(ctx, idx.namespace, c.Version(), after, idx.batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		// Rows that fail stay pending; advancing the cursor keeps this pass from retrying them.
		after = rows[len(rows)-1].SequenceID
		if err := idx.indexBatch(ctx, c, rows, report); err != nil {
			return nil, err
		}
	}

	report.IndexSize = idx.vectorIndex.Size()
	report.Duration = time.Since(start)
	for _, re := range report.RowErrors {
		report.FailedRows = append(report.FailedRows, models.FailedRowReport{
			SequenceID: re.SequenceID,
			Failures:   re.Failures,
			LastError:  re.LastError,
		})
	}

	idx.mu.Lock()
	idx.state = models.IndexReady
	idx.lastBuild = time.Now()
	idx.lastRunID = report.RunID
	idx.mu.Unlock()

	idx.metrics.ObserveBuild(idx.namespace, report.Embedded, report.Failed, report.IndexSize, report.Duration)
	if idx.logger != nil {
		idx.logger.Debug("indexer build finished",
			zap.String("namespace", idx.namespace),
			zap.String("run_id", report.RunID),
			zap.Int("rederived", report.Rederived),
			zap.Int("embedded", report.Embedded),
			zap.Int("failed", report.Failed),
			zap.Int("index_size", report.IndexSize),
			zap.Duration("duration", report.Duration))
	}
	return report, nil
}

// indexBatch embeds rows, persists each embedding and publishes the batch.
func (idx *Indexer) indexBatch(ctx context.Context, c *derive.Computer, rows []*models.Turn, report *models.BuildReport) error {
	vecs, errs := idx.embedRows(ctx, rows)
	if err := ctx.Err(); err != nil {
		return err
	}

	entries := make([]vector.Entry, 0, len(rows))
	published := make([]*models.Turn, 0, len(rows))
	for i, row := range rows {
		if errs[i] != nil {
			if err := idx.recordFailure(ctx, row, errs[i], report); err != nil {
				return err
			}
			continue
		}
		err := idx.storage.SaveEmbedding(ctx, idx.namespace, row.SequenceID, c.Version(), vecs[i])
		if errors.Is(err, models.ErrNotFound) {
			// Re-derived underneath us; the next pass picks up the new text.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save embedding for turn %d: %w", row.SequenceID, err)
		}
		row.Embedding = vecs[i]
		row.Indexed = true
		entries = append(entries, vector.Entry{ID: row.SequenceID, Vector: vecs[i]})
		published = append(published, row)
	}
	if len(entries) == 0 {
		return nil
	}
	if err := idx.vectorIndex.Add(ctx, entries); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}
	idx.indexKeywords(ctx, published)
	report.Embedded += len(entries)
	if idx.logger != nil {
		idx.logger.Debug("indexer batch published",
			zap.String("namespace", idx.namespace),
			zap.Int("rows", len(entries)),
			zap.Int64("last_sequence_id", rows[len(rows)-1].SequenceID))
	}
	return nil
}

// embedRows returns one vector or one error per row.
func (idx *Indexer) embedRows(ctx context.Context, rows []*models.Turn) ([][]float32, []error) {
	vecs := make([][]float32, len(rows))
	errs := make([]error, len(rows))

	if idx.batchEmbed {
		texts := make([]string, len(rows))
		for i, row := range rows {
			texts[i] = row.DerivedText
		}
		out, err := idx.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(out) != len(rows) {
			err = fmt.Errorf("embedder returned %d vectors for %d rows", len(out), len(rows))
		}
		if err == nil {
			for i, vec := range out {
				vecs[i], errs[i] = idx.checkDimensions(vec)
			}
			return vecs, errs
		}
		if idx.logger != nil {
			idx.logger.Debug("indexer batch embedding failed, embedding rows one by one",
				zap.String("namespace", idx.namespace), zap.Int("rows", len(rows)), zap.Error(err))
		}
	}

	var g errgroup.Group
	g.SetLimit(idx.workers)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			vec, err := idx.embedder.Embed(ctx, row.DerivedText)
			if err != nil {
				errs[i] = err
				return nil
			}
			vecs[i], errs[i] = idx.checkDimensions(vec)
			return nil
		})
	}
	_ = g.Wait()
	return vecs, errs
}

func (idx *Indexer) checkDimensions(vec []float32) ([]float32, error) {
	if len(vec) != idx.embedder.Dimensions() {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), idx.embedder.Dimensions())
	}
	return vec, nil
}

func (idx *Indexer) recordFailure(ctx context.Context, row *models.Turn, cause error, report *models.BuildReport) error {
	report.Failed++
	failures, err := idx.storage.RecordEmbeddingFailure(ctx, idx.namespace, row.SequenceID, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to record embedding failure for turn %d: %w", row.SequenceID, err)
	}
	if idx.logger != nil {
		idx.logger.Warn("indexer failed to embed turn",
			zap.String("namespace", idx.namespace),
			zap.Int64("sequence_id", row.SequenceID),
			zap.Int("failures", failures),
			zap.Error(cause))
	}
	if failures >= idx.maxFailures {
		report.RowErrors = append(report.RowErrors, &models.IndexRowError{
			SequenceID: row.SequenceID,
			Failures:   failures,
			LastError:  cause.Error(),
		})
	}
	return nil
}

// drop removes rows whose derived text changed from both indices.
func (idx *Indexer) drop(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := idx.vectorIndex.Remove(ctx, ids); err != nil {
		return fmt.Errorf("failed to remove re-derived rows from vector index: %w", err)
	}
	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.Delete(ctx, idx.namespace, ids); err != nil {
			return fmt.Errorf("failed to remove re-derived rows from keyword index: %w", err)
		}
	}
	if idx.logger != nil {
		idx.logger.Debug("indexer dropped re-derived rows",
			zap.String("namespace", idx.namespace), zap.Int("rows", len(ids)))
	}
	return nil
}

// attachEmbedded publishes rows that already carry a current embedding but are missing from
// the index, e.g. rows whose version moved while their text stayed the same.
func (idx *Indexer) attachEmbedded(ctx context.Context, c *derive.Computer) error {
	n, err := idx.storage.CountEmbedded(ctx, idx.namespace, c.Version())
	if err != nil {
		return fmt.Errorf("failed to count embedded rows: %w", err)
	}
	if int(n) <= idx.vectorIndex.Size() {
		return nil
	}
	_, err = idx.load(ctx, c, true)
	return err
}

// Warm loads embeddings persisted under the current definition into the indices without
// calling the embedder. A namespace with any embedded row becomes Ready.
func (idx *Indexer) Warm(ctx context.Context) (int, error) {
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	n, err := idx.load(ctx, idx.computer.Load(), false)
	if err != nil {
		return n, err
	}
	if idx.vectorIndex.Size() > 0 {
		idx.setState(models.IndexReady)
	}
	idx.metrics.SetIndexSize(idx.namespace, idx.vectorIndex.Size())
	if idx.logger != nil {
		idx.logger.Debug("indexer warmed",
			zap.String("namespace", idx.namespace), zap.Int("rows", n))
	}
	return n, nil
}

func (idx *Indexer) load(ctx context.Context, c *derive.Computer, missingOnly bool) (int, error) {
	var (
		after int64
		total int
	)
	for {
		rows, err := idx.storage.LoadEmbeddings(ctx, idx.namespace, c.Version(), after, idx.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to load embeddings: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		after = rows[len(rows)-1].SequenceID

		entries := make([]vector.Entry, 0, len(rows))
		published := make([]*models.Turn, 0, len(rows))
		for _, row := range rows {
			if missingOnly && idx.vectorIndex.Contains(row.SequenceID) {
				continue
			}
			if len(row.Embedding) != idx.embedder.Dimensions() {
				if idx.logger != nil {
					idx.logger.Warn("indexer skipping embedding with wrong dimensions",
						zap.Int64("sequence_id", row.SequenceID), zap.Int("dimensions", len(row.Embedding)))
				}
				continue
			}
			entries = append(entries, vector.Entry{ID: row.SequenceID, Vector: row.Embedding})
			published = append(published, row)
		}
		if len(entries) == 0 {
			continue
		}
		if err := idx.vectorIndex.Add(ctx, entries); err != nil {
			return total, fmt.Errorf("failed to index vectors: %w", err)
		}
		idx.indexKeywords(ctx, published)
		total += len(entries)
	}
}

// indexKeywords mirrors rows into the keyword index. Failures only cost hybrid recall,
// so they are logged rather than returned.
func (idx *Indexer) indexKeywords(ctx context.Context, rows []*models.Turn) {
	if idx.keywordIndex == nil || len(rows) == 0 {
		return
	}
	if err := idx.keywordIndex.Index(ctx, idx.namespace, rows); err != nil && idx.logger != nil {
		idx.logger.Warn("indexer failed to update keyword index",
			zap.String("namespace", idx.namespace), zap.Error(err))
	}
}

// Reset clears the in-memory indices and returns the indexer to Empty. Persisted rows are
// untouched; callers that change the embedding model also reset the stored embeddings.
func (idx *Indexer) Reset(ctx context.Context) error {
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	ids := make([]int64, 0)
	var after int64
	for {
		rows, err := idx.storage.ScanTurns(ctx, idx.namespace, models.TurnFilter{AfterSequence: after, Limit: 1000})
		if err != nil {
			return fmt.Errorf("failed to scan turns: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		after = rows[len(rows)-1].SequenceID
		for _, r := range rows {
			if idx.vectorIndex.Contains(r.SequenceID) {
				ids = append(ids, r.SequenceID)
			}
		}
	}
	if err := idx.drop(ctx, ids); err != nil {
		return err
	}
	idx.setState(models.IndexEmpty)
	idx.metrics.SetIndexSize(idx.namespace, idx.vectorIndex.Size())
	return nil
}
