// Package retrieval turns a query into the context block an agent prepends to its next
// model call: embed the query, rank indexed turns, map hits back to rows and format them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/observability"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/vector"
	"go.uber.org/zap"
)

// Fields a retrieved item can be rendered from.
const (
	FieldDerivedText = "derived_text"
	FieldContent     = "content"
)

// DefaultLabelTemplate prefixes every retrieved item.
const DefaultLabelTemplate = "Previous conversations: {{.Text}}"

// Source is the index state retrieval reads from.
type Source interface {
	Namespace() string
	State() models.IndexState
	VectorIndex() vector.VectorIndex
	KeywordIndex() keyword.KeywordIndex
}

// Options configures formatting and ranking. Zero values take the defaults.
type Options struct {
	DefaultLimit   int
	MaxLimit       int
	LabelTemplate  string
	Field          string
	Mode           string
	SemanticWeight float64
	KeywordWeight  float64
	TopKCandidates int
	TieBreak       vector.TieBreak
}

func (o *Options) applyDefaults() {
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = models.DefaultRetrieveLimit
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = models.MaxRetrieveLimit
	}
	if o.LabelTemplate == "" {
		o.LabelTemplate = DefaultLabelTemplate
	}
	if o.Field == "" {
		o.Field = FieldDerivedText
	}
	if o.Mode == "" {
		o.Mode = models.ModeSemantic
	}
	if o.SemanticWeight == 0 && o.KeywordWeight == 0 {
		o.SemanticWeight, o.KeywordWeight = 0.7, 0.3
	}
	if o.TopKCandidates <= 0 {
		o.TopKCandidates = 100
	}
}

// Item is the data a label template is executed with.
type Item struct {
	SequenceID  int64
	Role        models.Role
	Timestamp   time.Time
	Content     string
	DerivedText string
	// Text is the configured field.
	Text  string
	Score float64
	Rank  int
}

// Service answers retrieval requests for one namespace. It never writes to the store or index.
type Service struct {
	storage  storage.Storage
	embedder embedding.Embedder
	source   Source
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu    sync.RWMutex
	opts  Options
	label *template.Template
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records retrievals on m.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a retrieval service. It fails when the label template does not parse
// or the field is unknown.
func NewService(
	storage storage.Storage,
	embedder embedding.Embedder,
	source Source,
	opts Options,
	svcOpts ...ServiceOption,
) (*Service, error) {
	s := &Service{storage: storage, embedder: embedder, source: source}
	for _, opt := range svcOpts {
		opt(s)
	}
	if err := s.Configure(opts); err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateOptions reports whether opts would be accepted by Configure.
func ValidateOptions(opts Options) error {
	_, _, err := compile(opts)
	return err
}

func compile(opts Options) (Options, *template.Template, error) {
	opts.applyDefaults()
	switch opts.Field {
	case FieldDerivedText, FieldContent:
	default:
		return opts, nil, &models.ValidationError{Field: "field", Reason: fmt.Sprintf("unknown field %q", opts.Field)}
	}
	switch opts.Mode {
	case models.ModeSemantic, models.ModeHybrid:
	default:
		return opts, nil, &models.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", opts.Mode)}
	}
	label, err := template.New("label").Option("missingkey=error").Parse(opts.LabelTemplate)
	if err != nil {
		return opts, nil, &models.ValidationError{Field: "label_template", Reason: err.Error()}
	}
	return opts, label, nil
}

// Configure swaps formatting and ranking options, e.g. after a config reload.
func (s *Service) Configure(opts Options) error {
	opts, label, err := compile(opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.opts = opts
	s.label = label
	s.mu.Unlock()
	return nil
}

func (s *Service) config() (Options, *template.Template) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts, s.label
}

// Retrieve returns the formatted context for query: at most limit items, most similar first,
// joined by newlines. limit 0 means the configured default. An empty string means nothing
// is indexed yet.
func (s *Service) Retrieve(ctx context.Context, query string, limit int) (string, error) {
	resp, err := s.Search(ctx, &models.RetrieveRequest{Query: query, Limit: limit})
	if err != nil {
		return "", err
	}
	return resp.Context, nil
}

// Search runs a retrieval and returns the ranked hits together with the formatted context.
func (s *Service) Search(ctx context.Context, req *models.RetrieveRequest) (resp *models.RetrieveResponse, err error) {
	start := time.Now()
	opts, label := s.config()
	namespace := s.source.Namespace()
	defer func() {
		s.metrics.ObserveRetrieval(namespace, outcome(resp, err), time.Since(start))
	}()

	r := *req
	req = &r
	if req.Limit == 0 {
		req.Limit = opts.DefaultLimit
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Limit > opts.MaxLimit {
		req.Limit = opts.MaxLimit
	}
	if req.Mode == "" {
		req.Mode = opts.Mode
	}

	resp = &models.RetrieveResponse{
		Namespace: namespace,
		Query:     req.Query,
		Mode:      req.Mode,
		Hits:      []*models.RetrievalHit{},
	}

	if s.source.State() == models.IndexEmpty {
		n, err := s.storage.CountTurns(ctx, namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to count turns: %w", err)
		}
		if n > 0 {
			return nil, &models.IndexNotReadyError{Namespace: namespace, Turns: n}
		}
	}
	vi := s.source.VectorIndex()
	if vi.Size() == 0 {
		resp.QueryTime = time.Since(start).Milliseconds()
		return resp, nil
	}

	queryEmbedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, &models.EmbeddingError{Err: err}
	}

	ranked, err := s.rank(ctx, req, opts, vi, queryEmbedding)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	turns, err := s.storage.GetTurns(ctx, namespace, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}

	lines := make([]string, 0, len(ranked))
	for _, r := range ranked {
		turn, ok := turns[r.ID]
		if !ok {
			continue
		}
		item := Item{
			SequenceID:  turn.SequenceID,
			Role:        turn.Role,
			Timestamp:   turn.Timestamp,
			Content:     turn.Content,
			DerivedText: turn.DerivedText,
			Text:        turn.DerivedText,
			Score:       r.Score,
			Rank:        len(resp.Hits) + 1,
		}
		if opts.Field == FieldContent {
			item.Text = turn.Content
		}
		var b strings.Builder
		if err := label.Execute(&b, item); err != nil {
			return nil, fmt.Errorf("failed to render label template: %w", err)
		}
		lines = append(lines, b.String())
		resp.Hits = append(resp.Hits, &models.RetrievalHit{
			SequenceID:    item.SequenceID,
			Role:          item.Role,
			Timestamp:     item.Timestamp,
			Text:          item.Text,
			Score:         r.Score,
			SemanticScore: r.SemanticScore,
			KeywordScore:  r.KeywordScore,
			Rank:          item.Rank,
		})
	}
	resp.Context = strings.Join(lines, "\n")
	resp.QueryTime = time.Since(start).Milliseconds()

	if s.logger != nil {
		s.logger.Debug("retrieval finished",
			zap.String("namespace", namespace),
			zap.String("mode", req.Mode),
			zap.Int("hits", len(resp.Hits)),
			zap.Int64("query_time_ms", resp.QueryTime))
	}
	return resp, nil
}

// rank returns at most req.Limit candidates in final order.
func (s *Service) rank(ctx context.Context, req *models.RetrieveRequest, opts Options, vi vector.VectorIndex, q []float32) ([]*FusedResult, error) {
	if req.Mode != models.ModeHybrid || s.source.KeywordIndex() == nil {
		results, err := vi.Search(ctx, q, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		out := make([]*FusedResult, len(results))
		for i, r := range results {
			out[i] = &FusedResult{ID: r.ID, Score: r.Score, SemanticScore: r.Score}
		}
		return out, nil
	}

	candidates := opts.TopKCandidates
	if candidates < req.Limit {
		candidates = req.Limit
	}
	semantic, err := vi.Search(ctx, q, candidates)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	kwHits, err := s.source.KeywordIndex().Search(ctx, s.source.Namespace(), req.Query, candidates, &keyword.SearchOptions{FuzzyEnabled: true, Fuzziness: 1})
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	// Keyword hits for rows the vector index does not hold would break index consistency.
	indexed := kwHits[:0]
	for _, h := range kwHits {
		if vi.Contains(h.ID) {
			indexed = append(indexed, h)
		}
	}
	fused := Fuse(NormalizeKeywordScores(indexed), SemanticScores(semantic),
		opts.KeywordWeight, opts.SemanticWeight, opts.TieBreak)
	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}
	return fused, nil
}

func outcome(resp *models.RetrieveResponse, err error) string {
	switch {
	case errors.Is(err, models.ErrIndexNotReady):
		return "not_ready"
	case errors.Is(err, models.ErrEmbedding):
		return "embedding_error"
	case err != nil:
		return "error"
	case resp == nil || len(resp.Hits) == 0:
		return "empty"
	default:
		return "ok"
	}
}
