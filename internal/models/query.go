package models

import (
	"strconv"
	"strings"
)

const (
	DefaultRetrieveLimit = 5
	MaxRetrieveLimit     = 100
)

// Retrieval modes.
const (
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"
)

// RetrieveRequest represents a retrieval request for one agent namespace.
type RetrieveRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// Validate rejects an empty query, a negative limit or an unknown mode. A zero limit takes
// the default; the upper bound is applied by the retrieval service from its configuration.
func (r *RetrieveRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if r.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must be positive"}
	}
	if r.Limit == 0 {
		r.Limit = DefaultRetrieveLimit
	}
	switch r.Mode {
	case "":
	case ModeSemantic, ModeHybrid:
	default:
		return &ValidationError{Field: "mode", Reason: "unknown mode " + strconv.Quote(r.Mode)}
	}
	return nil
}
