package models

import (
	"fmt"
	"strings"
	"time"
)

// Schema entry kinds.
const (
	KindComputedColumn = "computed_column"
	KindEmbeddingIndex = "embedding_index"
)

// SchemaEntry records one idempotent setup step for a namespace.
type SchemaEntry struct {
	Namespace  string    `json:"namespace"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Definition string    `json:"definition"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IfExists selects what setup does when an entry with the same name already exists.
type IfExists string

const (
	IfExistsIgnore  IfExists = "ignore"
	IfExistsReplace IfExists = "replace"
	IfExistsError   IfExists = "error"
)

// ParseIfExists accepts "", "ignore", "replace" or "error"; the empty string means ignore.
func ParseIfExists(s string) (IfExists, error) {
	switch v := IfExists(strings.ToLower(s)); v {
	case "":
		return IfExistsIgnore, nil
	case IfExistsIgnore, IfExistsReplace, IfExistsError:
		return v, nil
	}
	return "", &ValidationError{Field: "if_exists", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// IndexState is the lifecycle of a namespace's vector index.
type IndexState string

const (
	IndexEmpty    IndexState = "empty"
	IndexBuilding IndexState = "building"
	IndexReady    IndexState = "ready"
)

// IndexStatus reports counts and state for one namespace.
type IndexStatus struct {
	Namespace      string            `json:"namespace"`
	State          IndexState        `json:"state"`
	Turns          int64             `json:"turns"`
	Embedded       int64             `json:"embedded"`
	Indexed        int               `json:"indexed"`
	Pending        int64             `json:"pending"`
	IndexType      string            `json:"index_type"`
	Model          string            `json:"model"`
	Template       string            `json:"template"`
	LastBuild      time.Time         `json:"last_build,omitempty"`
	LastRunID      string            `json:"last_run_id,omitempty"`
	FailedRows     []FailedRowReport `json:"failed_rows,omitempty"`
	DiskUsageBytes int64             `json:"disk_usage_bytes,omitempty"`
}
