package storage

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a Storage backend.
type Options struct {
	Driver       string
	DatabasePath string
	DatabaseURL  string
}

// New opens the backend named by opts.Driver: "sqlite" (default) or "postgres".
func New(ctx context.Context, opts Options) (Storage, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStorage(opts.DatabasePath)
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres driver requires database_url")
		}
		return NewPostgresStorage(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", opts.Driver)
	}
}

// Files lists the on-disk files of the selected backend, for disk usage reporting.
// Postgres keeps its data on the server, so it has none.
func (o Options) Files() []string {
	switch strings.ToLower(o.Driver) {
	case "", "sqlite", "sqlite3":
		return SQLiteFiles(o.DatabasePath)
	default:
		return nil
	}
}
