package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/recall/internal/derive"
	"github.com/hyperjump/recall/internal/models"
	"go.uber.org/zap"
)

// Schema entry names.
const (
	ColumnDerivedText = "derived_text"
	IndexDerivedText  = "derived_text_embedding"
)

// IndexSpec describes the embedding index over derived text.
type IndexSpec struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	IndexType  string `json:"index_type"`
	Field      string `json:"field"`
}

func (s IndexSpec) version() string {
	return fmt.Sprintf("%s/%d", s.Model, s.Dimensions)
}

// EnsureComputedColumn registers the derived text definition. When an entry already exists
// with a different definition, ifExists decides: ignore keeps (and adopts) the stored one,
// replace stores def so every row is re-derived on the next pass, error fails with
// ErrAlreadyExists. Re-running with the same definition is a no-op.
func (m *Memory) EnsureComputedColumn(ctx context.Context, def derive.Definition, ifExists models.IfExists) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	c, err := derive.NewComputer(def.Template, def.Layout)
	if err != nil {
		return err
	}
	existing, err := m.storage.GetSchemaEntry(ctx, m.name, models.KindComputedColumn, ColumnDerivedText)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if err := m.putEntry(ctx, models.KindComputedColumn, ColumnDerivedText, c.Definition(), c.Version(), nil); err != nil {
			return err
		}
		m.swapComputer(c)
		return nil
	case err != nil:
		return fmt.Errorf("failed to read computed column: %w", err)
	}

	if existing.Version == c.Version() {
		m.swapComputer(c)
		return nil
	}
	switch ifExists {
	case models.IfExistsReplace:
		if err := m.putEntry(ctx, models.KindComputedColumn, ColumnDerivedText, c.Definition(), c.Version(), existing); err != nil {
			return err
		}
		m.swapComputer(c)
		return nil
	case models.IfExistsError:
		return fmt.Errorf("computed column %q in %q has a different definition: %w",
			ColumnDerivedText, m.name, models.ErrAlreadyExists)
	default:
		var stored derive.Definition
		if err := json.Unmarshal([]byte(existing.Definition), &stored); err != nil {
			return fmt.Errorf("failed to decode stored computed column: %w", err)
		}
		sc, err := derive.NewComputer(stored.Template, stored.Layout)
		if err != nil {
			return fmt.Errorf("stored computed column is invalid: %w", err)
		}
		m.swapComputer(sc)
		return nil
	}
}

// EnsureEmbeddingIndex registers the embedding index. Replacing a definition whose model or
// dimensions changed drops every stored embedding so the next pass re-embeds all rows.
func (m *Memory) EnsureEmbeddingIndex(ctx context.Context, spec IndexSpec, ifExists models.IfExists) error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	if spec.Dimensions <= 0 {
		return &models.ValidationError{Field: "dimensions", Reason: "must be positive"}
	}
	if spec.Dimensions != m.embedder.Dimensions() {
		return &models.ValidationError{
			Field:  "dimensions",
			Reason: fmt.Sprintf("provider produces %d dimensions, index wants %d", m.embedder.Dimensions(), spec.Dimensions),
		}
	}
	existing, err := m.storage.GetSchemaEntry(ctx, m.name, models.KindEmbeddingIndex, IndexDerivedText)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return m.putEntry(ctx, models.KindEmbeddingIndex, IndexDerivedText, spec, spec.version(), nil)
	case err != nil:
		return fmt.Errorf("failed to read embedding index: %w", err)
	}

	if existing.Version == spec.version() {
		return nil
	}
	switch ifExists {
	case models.IfExistsReplace:
		if err := m.storage.ResetEmbeddings(ctx, m.name); err != nil {
			return fmt.Errorf("failed to reset embeddings: %w", err)
		}
		if err := m.indexer.Reset(ctx); err != nil {
			return err
		}
		if m.logger != nil {
			m.logger.Info("embedding model changed, embeddings reset",
				zap.String("agent", m.name),
				zap.String("from", existing.Version),
				zap.String("to", spec.version()))
		}
		return m.putEntry(ctx, models.KindEmbeddingIndex, IndexDerivedText, spec, spec.version(), existing)
	case models.IfExistsError:
		return fmt.Errorf("embedding index %q in %q has a different definition: %w",
			IndexDerivedText, m.name, models.ErrAlreadyExists)
	default:
		return nil
	}
}

func (m *Memory) putEntry(ctx context.Context, kind, name string, def any, version string, existing *models.SchemaEntry) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	now := time.Now().UTC()
	entry := &models.SchemaEntry{
		Namespace:  m.name,
		Kind:       kind,
		Name:       name,
		Definition: string(raw),
		Version:    version,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		entry.CreatedAt = existing.CreatedAt
	}
	if err := m.storage.PutSchemaEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to store %s: %w", kind, err)
	}
	return nil
}

func (m *Memory) swapComputer(c *derive.Computer) {
	if m.holder.Swap(c) && m.logger != nil {
		m.logger.Info("derived text definition changed",
			zap.String("agent", m.name), zap.String("definition", c.String()))
	}
}
