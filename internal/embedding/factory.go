package embedding

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Options selects and configures an embedding provider.
type Options struct {
	Provider   string
	ModelPath  string
	Model      string
	Dimensions int
	MaxTokens  int
	CacheSize  int
	APIKeyEnv  string
	BaseURL    string
	// Fallback substitutes the hash embedder when the provider cannot start.
	Fallback bool
}

// FallbackEmbedder stands in for a provider that could not start. Memories opened with it
// never replace embeddings stored under another model.
type FallbackEmbedder struct {
	Embedder
	Provider string
}

// IsFallback reports whether e, directly or behind a cache, is a FallbackEmbedder.
func IsFallback(e Embedder) bool {
	if c, ok := e.(*CachedEmbedder); ok {
		e = c.inner
	}
	_, ok := e.(*FallbackEmbedder)
	return ok
}

// New creates the configured provider wrapped in a cache. When the provider cannot start,
// New fails unless opts.Fallback is set, in which case it logs a warning and returns a
// FallbackEmbedder over the hash embedder.
func New(opts Options, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inner, err := newProvider(opts)
	if err != nil {
		if !opts.Fallback {
			return nil, err
		}
		logger.Warn("embedding provider unavailable, using hash embedder",
			zap.String("provider", opts.Provider), zap.Error(err))
		inner = &FallbackEmbedder{Embedder: NewHashEmbedder(opts.Dimensions), Provider: opts.Provider}
	}
	if opts.CacheSize < 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, opts.CacheSize)
}

func newProvider(opts Options) (Embedder, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "hash":
		return NewHashEmbedder(opts.Dimensions), nil
	case "onnx":
		if opts.ModelPath == "" {
			return nil, fmt.Errorf("onnx provider requires model_path")
		}
		if _, err := os.Stat(opts.ModelPath); err != nil {
			return nil, fmt.Errorf("onnx model not found: %w", err)
		}
		return NewONNXEmbedder(opts.ModelPath, opts.Dimensions, opts.MaxTokens)
	case "openai":
		key := ""
		if opts.APIKeyEnv != "" {
			key = os.Getenv(opts.APIKeyEnv)
		}
		if key == "" {
			return nil, fmt.Errorf("openai provider requires %s to be set", opts.APIKeyEnv)
		}
		return NewOpenAIEmbedder(key, opts.BaseURL, opts.Model, opts.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}
