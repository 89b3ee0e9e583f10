package vector

import (
	"context"
	"testing"
)

func benchEntries(n, dims int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		vec := make([]float32, dims)
		vec[0] = float32(i) / float32(n)
		vec[1+i%(dims-1)] = 1
		entries[i] = Entry{ID: int64(i + 1), Vector: vec}
	}
	return entries
}

func BenchmarkMemoryIndexSearch(b *testing.B) {
	idx, _ := NewMemoryIndex(384, NewestFirst)
	ctx := context.Background()
	_ = idx.Add(ctx, benchEntries(1000, 384))
	query := make([]float32, 384)
	query[0] = 1.0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Search(ctx, query, 10)
	}
}

func BenchmarkChromemIndexSearch(b *testing.B) {
	idx, err := NewChromemIndex("bench", 384, NewestFirst)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	_ = idx.Add(ctx, benchEntries(1000, 384))
	query := make([]float32, 384)
	query[0] = 1.0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Search(ctx, query, 10)
	}
}
