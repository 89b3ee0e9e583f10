// Package memory is the agent-facing facade: one Memory per agent namespace bundling the
// turn table, derived text definition, vector index, maintenance loop and retrieval.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/recall/internal/derive"
	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/indexer"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/observability"
	"github.com/hyperjump/recall/internal/retrieval"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/vector"
	"go.uber.org/zap"
)

// Memory is the semantic memory of one agent.
type Memory struct {
	name       string
	storage    storage.Storage
	embedder   embedding.Embedder
	holder     *derive.Holder
	table      *storage.Table
	indexer    *indexer.Indexer
	retrieval  *retrieval.Service
	maintainer *indexer.Maintainer // nil unless auto update is on
	logger     *zap.Logger
	metrics    *observability.Metrics

	maxFailures int
	diskPaths   []string

	setupMu sync.Mutex
}

// Name returns the agent namespace.
func (m *Memory) Name() string { return m.name }

// Table returns the agent's turn table.
func (m *Memory) Table() *storage.Table { return m.table }

// Computer returns the current derived text definition.
func (m *Memory) Computer() *derive.Computer { return m.holder.Load() }

// AppendTurn stores a turn and returns its sequence id.
func (m *Memory) AppendTurn(ctx context.Context, role models.Role, content string) (int64, error) {
	turn, err := m.Append(ctx, models.TurnInput{Role: role, Content: content})
	if err != nil {
		return 0, err
	}
	return turn.SequenceID, nil
}

// Append stores a turn from a full input (an explicit timestamp is kept). The derived text
// is computed with the current definition so it is visible to scans before the next build.
func (m *Memory) Append(ctx context.Context, in models.TurnInput) (*models.Turn, error) {
	in.Timestamp = storage.NormalizeTimestamp(in.Timestamp)
	c := m.holder.Load()
	in.DerivedText = c.Derive(&models.Turn{Timestamp: in.Timestamp, Role: in.Role, Content: in.Content})
	in.DerivedVersion = c.Version()
	turn, err := m.table.AppendInput(ctx, in)
	if err != nil {
		return nil, err
	}
	m.metrics.TurnAppended(m.name, string(turn.Role))
	if m.maintainer != nil {
		m.maintainer.Notify()
	}
	return turn, nil
}

// Retrieve returns the formatted context for query.
func (m *Memory) Retrieve(ctx context.Context, query string, limit int) (string, error) {
	return m.retrieval.Retrieve(ctx, query, limit)
}

// Search returns ranked hits and the formatted context.
func (m *Memory) Search(ctx context.Context, req *models.RetrieveRequest) (*models.RetrieveResponse, error) {
	return m.retrieval.Search(ctx, req)
}

// BuildOrUpdate runs one maintenance pass.
func (m *Memory) BuildOrUpdate(ctx context.Context) (*models.BuildReport, error) {
	return m.indexer.BuildOrUpdate(ctx)
}

// State returns the index state.
func (m *Memory) State() models.IndexState { return m.indexer.State() }

// SetTemplate switches the derived text definition. Rows are re-derived on the next pass.
func (m *Memory) SetTemplate(ctx context.Context, template, layout string) error {
	if err := m.EnsureComputedColumn(ctx, derive.Definition{Template: template, Layout: layout}, models.IfExistsReplace); err != nil {
		return err
	}
	if m.maintainer != nil {
		m.maintainer.Notify()
	}
	return nil
}

// ConfigureRetrieval swaps retrieval formatting options.
func (m *Memory) ConfigureRetrieval(opts retrieval.Options) error {
	return m.retrieval.Configure(opts)
}

// Status reports counts, state and rows that keep failing to embed.
func (m *Memory) Status(ctx context.Context) (*models.IndexStatus, error) {
	c := m.holder.Load()
	turns, err := m.storage.CountTurns(ctx, m.name)
	if err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}
	embedded, err := m.storage.CountEmbedded(ctx, m.name, c.Version())
	if err != nil {
		return nil, fmt.Errorf("failed to count embedded rows: %w", err)
	}
	failed, err := m.storage.FailedRows(ctx, m.name, m.maxFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed rows: %w", err)
	}
	lastBuild, runID := m.indexer.LastBuild()
	status := &models.IndexStatus{
		Namespace: m.name,
		State:     m.indexer.State(),
		Turns:     turns,
		Embedded:  embedded,
		Indexed:   m.indexer.VectorIndex().Size(),
		Pending:   turns - embedded,
		IndexType: m.indexer.VectorIndex().Type(),
		Model:     m.embedder.Model(),
		Template:  c.Template(),
		LastBuild: lastBuild,
		LastRunID: runID,
	}
	for _, t := range failed {
		status.FailedRows = append(status.FailedRows, models.FailedRowReport{
			SequenceID: t.SequenceID,
			Failures:   t.EmbedFailures,
			LastError:  t.LastError,
		})
	}
	if len(m.diskPaths) > 0 {
		if n, err := storage.DiskUsageBytes(m.diskPaths...); err == nil {
			status.DiskUsageBytes = n
		}
	}
	return status, nil
}

func (m *Memory) close() error {
	return m.indexer.VectorIndex().Close()
}

// newVectorIndex builds the per-agent index named after the agent.
func newVectorIndex(cfg Config, name string, dims int) (vector.VectorIndex, error) {
	return vector.NewVectorIndex(cfg.IndexType, dims, vector.WithName(name), vector.WithTieBreak(cfg.TieBreak))
}
