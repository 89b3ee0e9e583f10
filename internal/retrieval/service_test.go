package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/recall/internal/derive"
	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/indexer"
	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/vector"
	"go.uber.org/zap"
)

const testDims = 128

// queryFailEmbedder fails for any text containing "explode".
type queryFailEmbedder struct {
	*embedding.HashEmbedder
}

func (e queryFailEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "explode") {
		return nil, errors.New("provider down")
	}
	return e.HashEmbedder.Embed(ctx, text)
}

type harness struct {
	store   *storage.SQLiteStorage
	indexer *indexer.Indexer
	svc     *Service
}

func newHarness(t *testing.T, opts Options, withKeyword bool) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	emb := queryFailEmbedder{embedding.NewHashEmbedder(testDims)}
	vi, err := vector.NewMemoryIndex(testDims, vector.NewestFirst)
	if err != nil {
		t.Fatal(err)
	}
	holder := derive.NewHolder(derive.MustComputer(derive.DefaultTemplate, derive.DefaultLayout))
	idxOpts := []indexer.IndexerOption{indexer.WithLogger(zap.NewNop())}
	if withKeyword {
		kw, err := keyword.NewBleveIndex("")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = kw.Close() })
		idxOpts = append(idxOpts, indexer.WithKeywordIndex(kw))
	}
	idx := indexer.NewIndexer("agent", store, emb, holder, vi, idxOpts...)
	svc, err := NewService(store, emb, idx, opts, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	return &harness{store: store, indexer: idx, svc: svc}
}

func (h *harness) append(t *testing.T, role models.Role, content string) *models.Turn {
	t.Helper()
	turn, err := h.store.AppendTurn(context.Background(), &models.TurnInput{Namespace: "agent", Role: role, Content: content})
	if err != nil {
		t.Fatal(err)
	}
	return turn
}

func (h *harness) build(t *testing.T) {
	t.Helper()
	if _, err := h.indexer.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRetrieve_EmptyStore(t *testing.T) {
	h := newHarness(t, Options{}, false)
	got, err := h.svc.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Retrieve on empty store: %v", err)
	}
	if got != "" {
		t.Errorf("context = %q, want empty", got)
	}
	h.build(t)
	if got, err := h.svc.Retrieve(context.Background(), "anything", 5); err != nil || got != "" {
		t.Errorf("after empty build: %q, %v", got, err)
	}
}

func TestRetrieve_IndexNotReady(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.append(t, models.RoleUser, "hello")
	h.append(t, models.RoleAssistant, "hi")

	_, err := h.svc.Retrieve(context.Background(), "hello", 5)
	var notReady *models.IndexNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("err = %v, want IndexNotReadyError", err)
	}
	if notReady.Turns != 2 || notReady.Namespace != "agent" {
		t.Errorf("error = %+v", notReady)
	}
}

func TestRetrieve_TravelScenario(t *testing.T) {
	h := newHarness(t, Options{}, false)
	t1 := h.append(t, models.RoleUser, "What are your favorite travel destinations?")
	t2 := h.append(t, models.RoleAssistant, "I enjoy Paris and Tokyo.")
	h.build(t)

	got, err := h.svc.Retrieve(context.Background(), "vacation ideas", 5)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), got)
	}
	for _, turn := range []*models.Turn{t1, t2} {
		stored, err := h.store.GetTurn(context.Background(), "agent", turn.SequenceID)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(got, "Previous conversations: "+stored.DerivedText) {
			t.Errorf("context missing turn %d: %q", turn.SequenceID, got)
		}
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "Previous conversations: ") {
			t.Errorf("line without label: %q", line)
		}
	}
}

func TestSearch_RankingAndScores(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.append(t, models.RoleUser, "the weather is rainy today")
	target := h.append(t, models.RoleUser, "I love hiking in the alps")
	h.append(t, models.RoleAssistant, "stock prices fell sharply")
	h.build(t)

	resp, err := h.svc.Search(context.Background(), &models.RetrieveRequest{Query: "hiking in the alps", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 3 {
		t.Fatalf("hits = %d", len(resp.Hits))
	}
	if resp.Hits[0].SequenceID != target.SequenceID {
		t.Errorf("top hit = %d, want %d", resp.Hits[0].SequenceID, target.SequenceID)
	}
	for i := 1; i < len(resp.Hits); i++ {
		if resp.Hits[i].Score > resp.Hits[i-1].Score {
			t.Errorf("hits not in descending score order at %d", i)
		}
		if resp.Hits[i].Rank != i+1 {
			t.Errorf("rank = %d, want %d", resp.Hits[i].Rank, i+1)
		}
	}
	if resp.Mode != models.ModeSemantic {
		t.Errorf("mode = %q", resp.Mode)
	}
}

func TestRetrieve_TopKBound(t *testing.T) {
	h := newHarness(t, Options{MaxLimit: 7}, false)
	for i := 0; i < 12; i++ {
		h.append(t, models.RoleUser, fmt.Sprintf("note %d about gardening", i))
	}
	h.build(t)
	ctx := context.Background()

	tests := []struct {
		limit int
		want  int
	}{
		{0, 5},
		{5, 5},
		{3, 3},
		{50, 7},
	}
	for _, tt := range tests {
		got, err := h.svc.Retrieve(ctx, "gardening", tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if n := len(strings.Split(got, "\n")); n != tt.want {
			t.Errorf("limit %d: got %d items, want %d", tt.limit, n, tt.want)
		}
	}
	if _, err := h.svc.Retrieve(ctx, "gardening", -1); !errors.Is(err, models.ErrValidation) {
		t.Errorf("negative limit err = %v", err)
	}
	if _, err := h.svc.Retrieve(ctx, "   ", 5); !errors.Is(err, models.ErrValidation) {
		t.Errorf("blank query err = %v", err)
	}
}

func TestSearch_ConfiguredMaxLimitAboveDefault(t *testing.T) {
	h := newHarness(t, Options{MaxLimit: 1000}, false)
	for i := 0; i < 150; i++ {
		h.append(t, models.RoleUser, fmt.Sprintf("journal entry %d about cycling", i))
	}
	h.build(t)

	resp, err := h.svc.Search(context.Background(), &models.RetrieveRequest{Query: "cycling", Limit: 150})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 150 {
		t.Errorf("got %d hits, want 150", len(resp.Hits))
	}

	resp, err = h.svc.Search(context.Background(), &models.RetrieveRequest{Query: "cycling", Limit: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 150 {
		t.Errorf("limit above max_limit: got %d hits, want every indexed row", len(resp.Hits))
	}
}

func TestRetrieve_FieldAndTemplate(t *testing.T) {
	h := newHarness(t, Options{Field: FieldContent, LabelTemplate: "[{{.Role}}] {{.Text}}"}, false)
	h.append(t, models.RoleUser, "only row")
	h.build(t)
	got, err := h.svc.Retrieve(context.Background(), "row", 5)
	if err != nil {
		t.Fatal(err)
	}
	if got != "[user] only row" {
		t.Errorf("context = %q", got)
	}
}

func TestNewService_InvalidOptions(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	emb := embedding.NewHashEmbedder(8)
	vi, _ := vector.NewMemoryIndex(8, vector.NewestFirst)
	idx := indexer.NewIndexer("agent", store, emb, derive.NewHolder(derive.MustComputer(derive.DefaultTemplate, derive.DefaultLayout)), vi)

	cases := []Options{
		{LabelTemplate: "{{.Text"},
		{Field: "embedding"},
		{Mode: "fulltext"},
	}
	for _, opts := range cases {
		if _, err := NewService(store, emb, idx, opts); !errors.Is(err, models.ErrValidation) {
			t.Errorf("options %+v: err = %v, want validation error", opts, err)
		}
	}
}

func TestRetrieve_EmbeddingError(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.append(t, models.RoleUser, "hello")
	h.build(t)
	_, err := h.svc.Retrieve(context.Background(), "please explode", 5)
	if !errors.Is(err, models.ErrEmbedding) {
		t.Fatalf("err = %v, want embedding error", err)
	}
}

func TestRetrieve_ReadOnly(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.append(t, models.RoleUser, "one")
	h.build(t)
	h.append(t, models.RoleUser, "two")
	ctx := context.Background()

	if _, err := h.svc.Retrieve(ctx, "one", 5); err != nil {
		t.Fatal(err)
	}
	pending, err := h.store.StaleDerivations(ctx, "agent", derive.MustComputer(derive.DefaultTemplate, derive.DefaultLayout).Version(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("retrieval must not derive rows; %d stale rows, want 1", len(pending))
	}
	if h.indexer.VectorIndex().Size() != 1 {
		t.Errorf("retrieval must not index rows; size %d", h.indexer.VectorIndex().Size())
	}
}

func TestSearch_HybridMode(t *testing.T) {
	h := newHarness(t, Options{Mode: models.ModeHybrid, KeywordWeight: 0.5, SemanticWeight: 0.5}, true)
	h.append(t, models.RoleUser, "generic chatter about nothing")
	target := h.append(t, models.RoleUser, "my passport number ends in 4471")
	h.append(t, models.RoleAssistant, "more generic chatter")
	h.build(t)

	resp, err := h.svc.Search(context.Background(), &models.RetrieveRequest{Query: "passport", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Mode != models.ModeHybrid {
		t.Errorf("mode = %q", resp.Mode)
	}
	if len(resp.Hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(resp.Hits))
	}
	if resp.Hits[0].SequenceID != target.SequenceID || resp.Hits[0].KeywordScore != 1 {
		t.Errorf("top hit = %+v", resp.Hits[0])
	}
}

func TestRetrieve_AvailableDuringBuild(t *testing.T) {
	// A built index answers queries while a later build is pending.
	h := newHarness(t, Options{}, false)
	h.append(t, models.RoleUser, "first fact")
	h.build(t)
	h.append(t, models.RoleUser, "second fact")
	got, err := h.svc.Retrieve(context.Background(), "fact", 5)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(got, "\n") != 0 || !strings.Contains(got, "first fact") {
		t.Errorf("expected only the indexed row, got %q", got)
	}
}
