package storage

import (
	"context"

	"github.com/hyperjump/recall/internal/models"
)

// Table is an agent's view of the turn store, restricted to one namespace.
type Table struct {
	store     Storage
	namespace string
}

// NewTable returns the table for namespace.
func NewTable(store Storage, namespace string) *Table {
	return &Table{store: store, namespace: namespace}
}

// Namespace returns the namespace the table is bound to.
func (t *Table) Namespace() string { return t.namespace }

// Append stores a new turn and returns it with its assigned sequence id.
func (t *Table) Append(ctx context.Context, role models.Role, content string) (*models.Turn, error) {
	return t.store.AppendTurn(ctx, &models.TurnInput{Namespace: t.namespace, Role: role, Content: content})
}

// AppendInput stores a turn from a full input; the input's namespace is overridden.
func (t *Table) AppendInput(ctx context.Context, in models.TurnInput) (*models.Turn, error) {
	in.Namespace = t.namespace
	return t.store.AppendTurn(ctx, &in)
}

// Scan returns turns in insertion order.
func (t *Table) Scan(ctx context.Context, filter models.TurnFilter) ([]*models.Turn, error) {
	return t.store.ScanTurns(ctx, t.namespace, filter)
}

// Get returns one turn.
func (t *Table) Get(ctx context.Context, seq int64) (*models.Turn, error) {
	return t.store.GetTurn(ctx, t.namespace, seq)
}

// Count returns the number of turns.
func (t *Table) Count(ctx context.Context) (int64, error) {
	return t.store.CountTurns(ctx, t.namespace)
}
