package retrieval

import (
	"testing"

	"github.com/hyperjump/recall/internal/vector"
)

func BenchmarkFuse(b *testing.B) {
	kw := make(map[int64]float64)
	sem := make(map[int64]float64)
	for i := 0; i < 100; i++ {
		kw[int64(i%60)] = float64(i) / 100
		sem[int64(i)] = float64(100-i) / 100
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Fuse(kw, sem, 0.3, 0.7, vector.NewestFirst)
	}
}
