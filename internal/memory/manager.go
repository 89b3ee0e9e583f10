package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/recall/internal/derive"
	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/indexer"
	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/observability"
	"github.com/hyperjump/recall/internal/retrieval"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/vector"
	"go.uber.org/zap"
)

// Config holds the settings every Memory opened by a Manager shares.
type Config struct {
	Template    string
	Layout      string
	IndexType   string
	TieBreak    vector.TieBreak
	Workers     int
	BatchSize   int
	MaxFailures int
	BatchEmbed  bool // one EmbedBatch call per indexing batch
	AutoUpdate  bool
	Interval    time.Duration
	Retrieval   retrieval.Options
}

// Manager opens and caches one Memory per agent over a shared store and embedder.
type Manager struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	keywordIndex keyword.KeywordIndex // optional
	logger       *zap.Logger          // optional
	metrics      *observability.Metrics
	diskPaths    []string
	onBuild      func(agent string, report *models.BuildReport, err error)

	mu       sync.Mutex
	cfg      Config
	memories map[string]*Memory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records appends, builds and retrievals on mt.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithKeywordIndex enables hybrid retrieval backed by k.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(m *Manager) { m.keywordIndex = k }
}

// WithBuildHook is called after every background build of any agent.
func WithBuildHook(fn func(agent string, report *models.BuildReport, err error)) Option {
	return func(m *Manager) { m.onBuild = fn }
}

// WithDiskPaths lists files and directories whose size Status reports.
func WithDiskPaths(paths ...string) Option {
	return func(m *Manager) { m.diskPaths = paths }
}

// NewManager creates a manager. The embedder is shared by every agent and is not closed by
// the manager.
func NewManager(store storage.Storage, embedder embedding.Embedder, cfg Config, opts ...Option) *Manager {
	if cfg.Template == "" {
		cfg.Template = derive.DefaultTemplate
	}
	if cfg.Layout == "" {
		cfg.Layout = derive.DefaultLayout
	}
	if cfg.IndexType == "" {
		cfg.IndexType = string(vector.IndexTypeMemory)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		storage:  store,
		embedder: embedder,
		cfg:      cfg,
		memories: make(map[string]*Memory),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the agent's Memory, creating it on first use: schema entries are ensured,
// the index is built from persisted embeddings and, when enabled, the maintenance loop
// starts. Concurrent and repeated calls return the same Memory.
func (m *Manager) Open(ctx context.Context, agent string) (*Memory, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return nil, &models.ValidationError{Field: "agent", Reason: "must not be empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.memories[agent]; ok {
		return mem, nil
	}
	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("memory manager is closed")
	}

	cfg := m.cfg
	computer, err := derive.NewComputer(cfg.Template, cfg.Layout)
	if err != nil {
		return nil, err
	}
	vi, err := newVectorIndex(cfg, agent, m.embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}

	holder := derive.NewHolder(computer)
	idxOpts := []indexer.IndexerOption{
		indexer.WithMetrics(m.metrics),
		indexer.WithWorkers(cfg.Workers),
		indexer.WithBatchSize(cfg.BatchSize),
		indexer.WithMaxFailures(cfg.MaxFailures),
	}
	if m.logger != nil {
		idxOpts = append(idxOpts, indexer.WithLogger(m.logger))
	}
	if m.keywordIndex != nil {
		idxOpts = append(idxOpts, indexer.WithKeywordIndex(m.keywordIndex))
	}
	if cfg.BatchEmbed {
		idxOpts = append(idxOpts, indexer.WithBatchEmbedding())
	}
	idx := indexer.NewIndexer(agent, m.storage, m.embedder, holder, vi, idxOpts...)

	retrievalOpts := cfg.Retrieval
	retrievalOpts.TieBreak = cfg.TieBreak
	svcOpts := []retrieval.ServiceOption{retrieval.WithMetrics(m.metrics)}
	if m.logger != nil {
		svcOpts = append(svcOpts, retrieval.WithLogger(m.logger))
	}
	svc, err := retrieval.NewService(m.storage, m.embedder, idx, retrievalOpts, svcOpts...)
	if err != nil {
		_ = vi.Close()
		return nil, err
	}

	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	mem := &Memory{
		name:        agent,
		storage:     m.storage,
		embedder:    m.embedder,
		holder:      holder,
		table:       storage.NewTable(m.storage, agent),
		indexer:     idx,
		retrieval:   svc,
		logger:      m.logger,
		metrics:     m.metrics,
		maxFailures: maxFailures,
		diskPaths:   m.diskPaths,
	}

	// Configuration is authoritative: a changed template or model replaces the stored one.
	// A fallback embedder never replaces embeddings made by another model.
	if err := mem.EnsureComputedColumn(ctx, computer.Definition(), models.IfExistsReplace); err != nil {
		_ = vi.Close()
		return nil, err
	}
	spec := IndexSpec{
		Model:      m.embedder.Model(),
		Dimensions: m.embedder.Dimensions(),
		IndexType:  vi.Type(),
		Field:      ColumnDerivedText,
	}
	policy := models.IfExistsReplace
	if embedding.IsFallback(m.embedder) {
		policy = models.IfExistsError
	}
	if err := mem.EnsureEmbeddingIndex(ctx, spec, policy); err != nil {
		_ = vi.Close()
		if policy == models.IfExistsError && errors.Is(err, models.ErrAlreadyExists) {
			return nil, fmt.Errorf("agent %q keeps embeddings from another model while the configured provider is unavailable: %w", agent, err)
		}
		return nil, err
	}
	if _, err := idx.Warm(ctx); err != nil {
		_ = vi.Close()
		return nil, err
	}

	if cfg.AutoUpdate {
		mOpts := []indexer.MaintainerOption{indexer.WithBuildHook(m.backgroundBuildHook(agent))}
		if m.logger != nil {
			mOpts = append(mOpts, indexer.WithMaintainerLogger(m.logger))
		}
		mem.maintainer = indexer.NewMaintainer(idx, cfg.Interval, mOpts...)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			mem.maintainer.Run(m.ctx)
		}()
		mem.maintainer.Notify()
	}

	m.memories[agent] = mem
	if m.logger != nil {
		m.logger.Info("memory opened",
			zap.String("agent", agent),
			zap.String("state", string(idx.State())),
			zap.Int("indexed", vi.Size()),
			zap.String("model", m.embedder.Model()))
	}
	return mem, nil
}

// Get returns an already opened Memory.
func (m *Manager) Get(agent string) (*Memory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[agent]
	return mem, ok
}

// Agents lists every agent with stored turns or an open memory, sorted by name.
func (m *Manager) Agents(ctx context.Context) ([]string, error) {
	names, err := m.storage.ListNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		seen[n] = struct{}{}
	}
	m.mu.Lock()
	for n := range m.memories {
		if _, ok := seen[n]; !ok {
			names = append(names, n)
		}
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

// SetTemplate switches the derived text definition of every open memory and of memories
// opened later.
func (m *Manager) SetTemplate(ctx context.Context, template, layout string) error {
	if _, err := derive.NewComputer(template, layout); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Template = template
	m.cfg.Layout = layout
	open := make([]*Memory, 0, len(m.memories))
	for _, mem := range m.memories {
		open = append(open, mem)
	}
	m.mu.Unlock()

	for _, mem := range open {
		if err := mem.SetTemplate(ctx, template, layout); err != nil {
			return fmt.Errorf("agent %s: %w", mem.Name(), err)
		}
	}
	return nil
}

// SetRetrieval swaps retrieval options on every open memory and memories opened later.
func (m *Manager) SetRetrieval(opts retrieval.Options) error {
	m.mu.Lock()
	m.cfg.Retrieval = opts
	open := make([]*Memory, 0, len(m.memories))
	for _, mem := range m.memories {
		open = append(open, mem)
	}
	tieBreak := m.cfg.TieBreak
	m.mu.Unlock()

	opts.TieBreak = tieBreak
	for _, mem := range open {
		if err := mem.ConfigureRetrieval(opts); err != nil {
			return err
		}
	}
	return nil
}

// Close stops maintenance loops and releases the in-memory indices.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, mem := range m.memories {
		if err := mem.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("agent %s: %w", name, err)
		}
		delete(m.memories, name)
	}
	return firstErr
}

// backgroundBuildHook warns about rows that reached the failure limit during a
// background build, which no caller would otherwise see.
func (m *Manager) backgroundBuildHook(agent string) func(*models.BuildReport, error) {
	return func(report *models.BuildReport, err error) {
		if err == nil && m.logger != nil {
			for _, re := range report.RowErrors {
				m.logger.Warn("turn gave up indexing",
					zap.String("namespace", agent),
					zap.Int64("sequence_id", re.SequenceID),
					zap.Int("failures", re.Failures),
					zap.String("last_error", re.LastError))
			}
		}
		if m.onBuild != nil {
			m.onBuild(agent, report, err)
		}
	}
}
