package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}

func TestMetrics_RecordAndServe(t *testing.T) {
	m := NewMetrics("recall_test")
	m.TurnAppended("travel", "user")
	m.TurnAppended("travel", "user")
	m.ObserveBuild("travel", 3, 1, 3, 12*time.Millisecond)
	m.ObserveRetrieval("travel", "embedding_error", time.Millisecond)

	if got := value(t, m.TurnsAppended.WithLabelValues("travel", "user")); got != 2 {
		t.Errorf("turns appended = %v, want 2", got)
	}
	if got := value(t, m.IndexSize.WithLabelValues("travel")); got != 3 {
		t.Errorf("index size = %v, want 3", got)
	}
	if got := value(t, m.EmbeddingFailures.WithLabelValues("travel", "query")); got != 1 {
		t.Errorf("query embedding failures = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "recall_test_rows_embedded_total") {
		t.Errorf("metrics output missing rows_embedded_total:\n%s", rec.Body.String())
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnAppended("a", "user")
	m.ObserveBuild("a", 1, 0, 1, time.Second)
	m.ObserveRetrieval("a", "ok", time.Second)
	m.SetIndexSize("a", 2)
	m.WSMessage("in", "append")
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances with the same namespace must not collide.
	a := NewMetrics("dup")
	b := NewMetrics("dup")
	a.TurnAppended("x", "user")
	if got := value(t, b.TurnsAppended.WithLabelValues("x", "user")); got != 0 {
		t.Errorf("registries leak: %v", got)
	}
}
