package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/recall/internal/config"
	"github.com/hyperjump/recall/internal/retrieval"
	"github.com/hyperjump/recall/internal/vector"
)

// ConfigFrom maps the loaded configuration file onto manager settings.
func ConfigFrom(c *config.Config) (Config, error) {
	tieBreak, err := vector.ParseTieBreak(c.Index.TieBreak)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Template:    c.Memory.DerivedTemplate,
		Layout:      c.Memory.TimestampLayout,
		IndexType:   c.Index.Type,
		TieBreak:    tieBreak,
		Workers:     c.Index.Workers,
		BatchSize:   c.Index.BatchSize,
		MaxFailures: c.Index.MaxFailures,
		BatchEmbed:  c.Index.BatchEmbed || strings.EqualFold(c.Embedding.Provider, "openai"),
		AutoUpdate:  c.Index.AutoUpdate,
		Interval:    c.Index.Interval,
		Retrieval:   RetrievalOptionsFrom(c),
	}, nil
}

// RetrievalOptionsFrom maps the retrieval section of the configuration file.
func RetrievalOptionsFrom(c *config.Config) retrieval.Options {
	r := c.Retrieval
	return retrieval.Options{
		DefaultLimit:   r.DefaultLimit,
		MaxLimit:       r.MaxLimit,
		LabelTemplate:  r.LabelTemplate,
		Field:          r.Field,
		Mode:           r.Mode,
		SemanticWeight: r.SemanticWeight,
		KeywordWeight:  r.KeywordWeight,
		TopKCandidates: r.TopKCandidates,
	}
}

// Reload applies the parts of a changed configuration that can switch at runtime: the
// derived text definition and retrieval options. Storage, embedding and index settings
// need a restart.
func (m *Manager) Reload(ctx context.Context, c *config.Config) error {
	next, err := ConfigFrom(c)
	if err != nil {
		return err
	}
	if err := retrieval.ValidateOptions(next.Retrieval); err != nil {
		return err
	}

	m.mu.Lock()
	cur := m.cfg
	m.mu.Unlock()
	if next.Template == "" {
		next.Template = cur.Template
	}
	if next.Layout == "" {
		next.Layout = cur.Layout
	}

	if next.Template != cur.Template || next.Layout != cur.Layout {
		if err := m.SetTemplate(ctx, next.Template, next.Layout); err != nil {
			return fmt.Errorf("failed to apply template: %w", err)
		}
	}
	if err := m.SetRetrieval(next.Retrieval); err != nil {
		return fmt.Errorf("failed to apply retrieval options: %w", err)
	}
	return nil
}
