package derive

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/storage"
)

const defaultSweepBatch = 256

// SweepResult reports what a sweep changed.
type SweepResult struct {
	Rederived   int
	Invalidated []int64
}

// Sweep recomputes derived text for every row in namespace not produced by c's version.
// It returns once no stale row remains, so callers can index knowing every row carries
// text from the same definition.
func Sweep(ctx context.Context, store storage.Storage, namespace string, c *Computer, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	var res SweepResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stale, err := store.StaleDerivations(ctx, namespace, c.Version(), batchSize)
		if err != nil {
			return res, fmt.Errorf("failed to list stale derivations: %w", err)
		}
		if len(stale) == 0 {
			return res, nil
		}
		updates := make([]models.DerivationUpdate, len(stale))
		for i, t := range stale {
			updates[i] = models.DerivationUpdate{
				SequenceID:  t.SequenceID,
				DerivedText: c.Derive(t),
				Version:     c.Version(),
			}
		}
		invalidated, err := store.SaveDerivations(ctx, namespace, updates)
		if err != nil {
			return res, fmt.Errorf("failed to save derivations: %w", err)
		}
		res.Rederived += len(updates)
		res.Invalidated = append(res.Invalidated, invalidated...)
	}
}

// Holder publishes the current Computer to concurrent readers.
type Holder struct {
	p atomic.Pointer[Computer]
}

// NewHolder returns a Holder initialized with c.
func NewHolder(c *Computer) *Holder {
	h := &Holder{}
	h.p.Store(c)
	return h
}

// Load returns the current Computer.
func (h *Holder) Load() *Computer { return h.p.Load() }

// Swap installs c and reports whether the definition changed.
func (h *Holder) Swap(c *Computer) bool {
	old := h.p.Swap(c)
	return !c.Equal(old)
}
