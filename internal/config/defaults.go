package config

import "time"

// Default values shared with components that can run without a config file.
const (
	DefaultDerivedTemplate = "{timestamp}: {role}: {content}"
	DefaultTimestampLayout = "2006-01-02 15:04:05.999999"
	DefaultLabelTemplate   = "Previous conversations: {{.Text}}"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/recall/data/db/memory.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/recall/data/indices/bleve"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.Model == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Memory.DefaultAgent == "" {
		cfg.Memory.DefaultAgent = "default"
	}
	if cfg.Memory.DerivedTemplate == "" {
		cfg.Memory.DerivedTemplate = DefaultDerivedTemplate
	}
	if cfg.Memory.TimestampLayout == "" {
		cfg.Memory.TimestampLayout = DefaultTimestampLayout
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "memory"
	}
	if cfg.Index.Workers == 0 {
		cfg.Index.Workers = 4
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 64
	}
	if cfg.Index.MaxFailures == 0 {
		cfg.Index.MaxFailures = 3
	}
	if cfg.Index.Interval == 0 {
		cfg.Index.Interval = 30 * time.Second
	}
	if cfg.Index.TieBreak == "" {
		cfg.Index.TieBreak = "newest"
	}
	if cfg.Retrieval.DefaultLimit == 0 {
		cfg.Retrieval.DefaultLimit = 5
	}
	if cfg.Retrieval.MaxLimit == 0 {
		cfg.Retrieval.MaxLimit = 100
	}
	if cfg.Retrieval.LabelTemplate == "" {
		cfg.Retrieval.LabelTemplate = DefaultLabelTemplate
	}
	if cfg.Retrieval.Field == "" {
		cfg.Retrieval.Field = "derived_text"
	}
	if cfg.Retrieval.Mode == "" {
		cfg.Retrieval.Mode = "semantic"
	}
	if cfg.Retrieval.SemanticWeight == 0 && cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.SemanticWeight = 0.7
		cfg.Retrieval.KeywordWeight = 0.3
	}
	if cfg.Retrieval.TopKCandidates == 0 {
		cfg.Retrieval.TopKCandidates = 100
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "recall"
	}
}
