package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/recall/internal/derive"
	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/observability"
	"github.com/hyperjump/recall/internal/retrieval"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/vector"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testDims = 96

// namedEmbedder counts Embed calls and reports a configurable model name.
type namedEmbedder struct {
	*embedding.HashEmbedder
	model string
	calls atomic.Int64
}

func newNamedEmbedder(model string) *namedEmbedder {
	return &namedEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDims), model: model}
}

func (e *namedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	return e.HashEmbedder.Embed(ctx, text)
}

func (e *namedEmbedder) Model() string { return e.model }

func openStore(t *testing.T, path string) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newManager(t *testing.T, store storage.Storage, emb embedding.Embedder, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	m := NewManager(store, emb, cfg, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_OpenIsIdempotent(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mems = make([]*Memory, 8)
		errs = make([]error, 8)
	)
	for i := range mems {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mems[i], errs[i] = m.Open(ctx, "travel")
		}(i)
	}
	wg.Wait()
	for i := range mems {
		if errs[i] != nil {
			t.Fatalf("Open %d: %v", i, errs[i])
		}
		if mems[i] != mems[0] {
			t.Fatal("Open returned different memories for the same agent")
		}
	}

	// Re-running setup with the same definitions is a no-op.
	mem := mems[0]
	if err := mem.EnsureComputedColumn(ctx, mem.Computer().Definition(), models.IfExistsError); err != nil {
		t.Errorf("same computed column with error policy: %v", err)
	}
	if _, err := m.Open(ctx, "  "); !errors.Is(err, models.ErrValidation) {
		t.Errorf("blank agent err = %v", err)
	}
}

func TestMemory_TravelScenario(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	mem, err := m.Open(ctx, "travel")
	if err != nil {
		t.Fatal(err)
	}

	if got, err := mem.Retrieve(ctx, "vacation ideas", 5); err != nil || got != "" {
		t.Fatalf("empty memory: %q, %v", got, err)
	}
	id1, err := mem.AppendTurn(ctx, models.RoleUser, "What are your favorite travel destinations?")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := mem.AppendTurn(ctx, models.RoleAssistant, "I enjoy Paris and Tokyo.")
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("sequence ids not increasing: %d, %d", id1, id2)
	}
	if _, err := mem.Retrieve(ctx, "vacation ideas", 5); !errors.Is(err, models.ErrIndexNotReady) {
		t.Errorf("before build err = %v, want index not ready", err)
	}

	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := mem.Retrieve(ctx, "vacation ideas", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "user: What are your favorite travel destinations?") ||
		!strings.Contains(got, "assistant: I enjoy Paris and Tokyo.") {
		t.Errorf("context = %q", got)
	}
}

func TestMemory_RoleValidation(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.Role("narrator"), "x"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	turns, err := mem.Table().Scan(ctx, models.TurnFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("rejected turn was stored: %+v", turns)
	}
}

func TestMemory_AppendDerivesText(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2024, 5, 2, 9, 30, 0, 250000999, time.UTC)
	turn, err := mem.Append(ctx, models.TurnInput{Role: models.RoleUser, Content: "pack the {umbrella}", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	want := "2024-05-02 09:30:00.25: user: pack the {umbrella}"
	if turn.DerivedText != want {
		t.Errorf("returned derived text = %q, want %q", turn.DerivedText, want)
	}
	stored, err := mem.Table().Get(ctx, turn.SequenceID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.DerivedText != want || stored.DerivedVersion != mem.Computer().Version() {
		t.Errorf("stored derivation = %q (%s)", stored.DerivedText, stored.DerivedVersion)
	}
	if stored.DerivedText != mem.Computer().Derive(stored) {
		t.Error("append-time text differs from deriving the stored row")
	}

	report, err := mem.BuildOrUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Rederived != 0 || report.Embedded != 1 {
		t.Errorf("report = %+v, want only the embedding step", report)
	}
}

func TestMemory_EnsureComputedColumnPolicies(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	original := mem.Computer()
	next := derive.Definition{Template: "{role} -> {content}", Layout: derive.DefaultLayout}

	if err := mem.EnsureComputedColumn(ctx, next, models.IfExistsError); !errors.Is(err, models.ErrAlreadyExists) {
		t.Errorf("error policy: err = %v", err)
	}
	if err := mem.EnsureComputedColumn(ctx, next, models.IfExistsIgnore); err != nil {
		t.Errorf("ignore policy: %v", err)
	}
	if !mem.Computer().Equal(original) {
		t.Errorf("ignore policy changed the definition to %s", mem.Computer())
	}
	if err := mem.EnsureComputedColumn(ctx, next, models.IfExistsReplace); err != nil {
		t.Fatalf("replace policy: %v", err)
	}
	if mem.Computer().Template() != next.Template {
		t.Errorf("replace policy kept %s", mem.Computer())
	}
	entry, err := store.GetSchemaEntry(ctx, "agent", models.KindComputedColumn, ColumnDerivedText)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Version != mem.Computer().Version() {
		t.Errorf("stored version %s, memory uses %s", entry.Version, mem.Computer().Version())
	}
	if err := mem.EnsureComputedColumn(ctx, derive.Definition{Template: "no placeholders"}, models.IfExistsReplace); !errors.Is(err, models.ErrValidation) {
		t.Errorf("invalid template err = %v", err)
	}
}

func TestMemory_EnsureEmbeddingIndexPolicies(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}

	other := IndexSpec{Model: "other-model", Dimensions: testDims, IndexType: "memory", Field: ColumnDerivedText}
	if err := mem.EnsureEmbeddingIndex(ctx, other, models.IfExistsError); !errors.Is(err, models.ErrAlreadyExists) {
		t.Errorf("error policy: err = %v", err)
	}
	if err := mem.EnsureEmbeddingIndex(ctx, other, models.IfExistsIgnore); err != nil {
		t.Errorf("ignore policy: %v", err)
	}
	if st, _ := mem.Status(ctx); st.Embedded != 1 {
		t.Errorf("ignore policy dropped embeddings: %+v", st)
	}
	if err := mem.EnsureEmbeddingIndex(ctx, other, models.IfExistsReplace); err != nil {
		t.Fatalf("replace policy: %v", err)
	}
	st, err := mem.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Embedded != 0 || st.Indexed != 0 || st.State != models.IndexEmpty {
		t.Errorf("replace should reset embeddings: %+v", st)
	}
	wrong := other
	wrong.Dimensions = testDims + 1
	if err := mem.EnsureEmbeddingIndex(ctx, wrong, models.IfExistsReplace); !errors.Is(err, models.ErrValidation) {
		t.Errorf("dimension mismatch err = %v", err)
	}
}

func TestManager_RestartWarmsWithoutReembedding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	ctx := context.Background()

	store := openStore(t, path)
	emb := newNamedEmbedder("hash")
	m := NewManager(store, emb, Config{})
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := mem.AppendTurn(ctx, models.RoleUser, fmt.Sprintf("fact %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	restartEmb := newNamedEmbedder("hash")
	m2 := newManager(t, store, restartEmb, Config{})
	mem2, err := m2.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if mem2.State() != models.IndexReady {
		t.Errorf("state after restart = %s", mem2.State())
	}
	got, err := mem2.Retrieve(ctx, "fact", 10)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Split(got, "\n")); n != 4 {
		t.Errorf("got %d items after restart", n)
	}
	report, err := mem2.BuildOrUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Only the query was embedded.
	if report.Embedded != 0 || restartEmb.calls.Load() != 1 {
		t.Errorf("restart re-embedded: report %+v, calls %d", report, restartEmb.calls.Load())
	}
}

func TestManager_ModelChangeResetsEmbeddings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	ctx := context.Background()
	store := openStore(t, path)

	m := NewManager(store, newNamedEmbedder("model-a"), Config{})
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	_ = m.Close()

	embB := newNamedEmbedder("model-b")
	m2 := newManager(t, store, embB, Config{})
	mem2, err := m2.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if mem2.State() != models.IndexEmpty {
		t.Errorf("state = %s, want empty after model change", mem2.State())
	}
	report, err := mem2.BuildOrUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Embedded != 1 {
		t.Errorf("expected the row to be re-embedded with the new model, report %+v", report)
	}
}

func TestManager_FallbackKeepsStoredEmbeddings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	ctx := context.Background()
	store := openStore(t, path)

	m := NewManager(store, newNamedEmbedder("text-embedding-3-small"), Config{})
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"hello", "plan a trip to Lisbon", "book the ferry"} {
		if _, err := mem.AppendTurn(ctx, models.RoleUser, content); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	version := mem.Computer().Version()
	_ = m.Close()

	// The configured provider is down for one restart.
	fallback := &embedding.FallbackEmbedder{Embedder: embedding.NewHashEmbedder(testDims), Provider: "openai"}
	m2 := newManager(t, store, fallback, Config{})
	if _, err := m2.Open(ctx, "agent"); !errors.Is(err, models.ErrAlreadyExists) {
		t.Fatalf("open with fallback err = %v, want ErrAlreadyExists", err)
	}
	embedded, err := store.CountEmbedded(ctx, "agent", version)
	if err != nil {
		t.Fatal(err)
	}
	if embedded != 3 {
		t.Errorf("embedded rows after fallback open = %d, want 3", embedded)
	}
	entry, err := store.GetSchemaEntry(ctx, "agent", models.KindEmbeddingIndex, IndexDerivedText)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(entry.Version, "text-embedding-3-small/") {
		t.Errorf("stored index version = %s", entry.Version)
	}

	// New agents still work on the fallback.
	fresh, err := m2.Open(ctx, "newcomer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.AppendTurn(ctx, models.RoleUser, "first words"); err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	_ = m2.Close()

	// Once the provider is back nothing is re-embedded.
	restored := newNamedEmbedder("text-embedding-3-small")
	m3 := newManager(t, store, restored, Config{})
	mem3, err := m3.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if mem3.State() != models.IndexReady {
		t.Errorf("state = %s, want ready", mem3.State())
	}
	report, err := mem3.BuildOrUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Embedded != 0 || restored.calls.Load() != 0 {
		t.Errorf("provider recovery re-embedded rows: report %+v, calls %d", report, restored.calls.Load())
	}
}

func TestManager_SetTemplateRederives(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "remember me"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.SetTemplate(ctx, "{content}", derive.DefaultLayout); err != nil {
		t.Fatal(err)
	}
	report, err := mem.BuildOrUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Rederived != 1 || report.Embedded != 1 {
		t.Errorf("report = %+v", report)
	}
	got, err := mem.Retrieve(ctx, "remember", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Previous conversations: remember me" {
		t.Errorf("context = %q", got)
	}

	other, err := m.Open(ctx, "later")
	if err != nil {
		t.Fatal(err)
	}
	if other.Computer().Template() != "{content}" {
		t.Errorf("memory opened after SetTemplate uses %s", other.Computer())
	}
	if err := m.SetTemplate(ctx, "nothing", ""); !errors.Is(err, models.ErrValidation) {
		t.Errorf("invalid template err = %v", err)
	}
}

func TestMemory_Status(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "m.db")
	store := openStore(t, dbPath)
	m := newManager(t, store, newNamedEmbedder("hash"), Config{IndexType: string(vector.IndexTypeChromem)}, WithDiskPaths(dbPath))
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mem.AppendTurn(ctx, models.RoleUser, fmt.Sprintf("row %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	st, err := mem.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Turns != 3 || st.Pending != 3 || st.State != models.IndexEmpty {
		t.Errorf("status before build = %+v", st)
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	st, err = mem.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Embedded != 3 || st.Indexed != 3 || st.Pending != 0 || st.State != models.IndexReady {
		t.Errorf("status after build = %+v", st)
	}
	if st.IndexType != string(vector.IndexTypeChromem) || st.Model != "hash" || st.LastRunID == "" {
		t.Errorf("status metadata = %+v", st)
	}
	if st.DiskUsageBytes <= 0 {
		t.Errorf("disk usage = %d", st.DiskUsageBytes)
	}
}

func TestManager_AutoUpdate(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	metrics := observability.NewMetrics("recall_memory_test")
	m := newManager(t, store, newNamedEmbedder("hash"), Config{AutoUpdate: true}, WithMetrics(metrics))
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "eventually indexed"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := mem.Status(ctx); err == nil && st.Indexed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("maintainer never indexed the appended turn")
}

// refusingEmbedder fails every text containing "unembeddable".
type refusingEmbedder struct{ *namedEmbedder }

func (e refusingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "unembeddable") {
		return nil, errors.New("provider rejected input")
	}
	return e.namedEmbedder.Embed(ctx, text)
}

func TestManager_BackgroundBuildHook(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	core, logs := observer.New(zap.WarnLevel)
	type built struct {
		agent  string
		report *models.BuildReport
	}
	reports := make(chan built, 16)
	m := newManager(t, store, refusingEmbedder{newNamedEmbedder("hash")},
		Config{AutoUpdate: true, MaxFailures: 1},
		WithLogger(zap.New(core)),
		WithBuildHook(func(agent string, report *models.BuildReport, err error) {
			if err != nil {
				return
			}
			select {
			case reports <- built{agent, report}:
			default:
			}
		}))
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "an unembeddable turn"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "a plain turn"); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case b := <-reports:
			if b.agent != "agent" {
				t.Fatalf("hook agent = %q", b.agent)
			}
			if len(b.report.RowErrors) == 0 {
				continue
			}
			if b.report.RowErrors[0].SequenceID != 1 {
				t.Errorf("row errors = %+v", b.report.RowErrors[0])
			}
			if logs.FilterMessage("turn gave up indexing").Len() == 0 {
				t.Error("expected a warning for the row that gave up")
			}
			return
		case <-timeout:
			t.Fatal("background build never reported the failing turn")
		}
	}
}

func TestManager_HybridRetrieval(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	cfg := Config{Retrieval: retrieval.Options{Mode: models.ModeHybrid}}
	m := newManager(t, store, newNamedEmbedder("hash"), cfg, WithKeywordIndex(kw))
	ctx := context.Background()
	mem, err := m.Open(ctx, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AppendTurn(ctx, models.RoleUser, "my locker code is 9981"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.BuildOrUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	resp, err := mem.Search(ctx, &models.RetrieveRequest{Query: "locker"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Mode != models.ModeHybrid || len(resp.Hits) != 1 || resp.Hits[0].KeywordScore == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestManager_Agents(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "m.db"))
	m := newManager(t, store, newNamedEmbedder("hash"), Config{})
	ctx := context.Background()
	if _, err := store.AppendTurn(ctx, &models.TurnInput{Namespace: "zeta", Role: models.RoleUser, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	agents, err := m.Agents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(agents, ",") != "alpha,zeta" {
		t.Errorf("agents = %v", agents)
	}
}
