// Package models defines core data structures for turns, retrieval requests, and results.
package models

import (
	"strconv"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the recognised roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole normalizes s and returns the matching Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", &ValidationError{Field: "role", Reason: "unrecognised role " + strconv.Quote(s)}
	}
	return r, nil
}

// Turn is one persisted dialogue turn. SequenceID, Timestamp, Role and Content
// never change after insertion; DerivedText and Embedding are owned by index maintenance.
type Turn struct {
	SequenceID     int64     `json:"sequence_id" db:"sequence_id"`
	Namespace      string    `json:"namespace" db:"namespace"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	Role           Role      `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	DerivedText    string    `json:"derived_text,omitempty" db:"derived_text"`
	DerivedVersion string    `json:"derived_version,omitempty" db:"derived_version"`
	Embedding      []float32 `json:"-" db:"-"`
	Indexed        bool      `json:"indexed" db:"-"`
	EmbedFailures  int       `json:"embed_failures,omitempty" db:"embed_failures"`
	LastError      string    `json:"last_error,omitempty" db:"last_error"`
}

// TurnInput is the input for appending a turn.
type TurnInput struct {
	Namespace string    `json:"namespace,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Derivation computed by the caller at append time; empty leaves it to the next sweep.
	DerivedText    string `json:"-"`
	DerivedVersion string `json:"-"`
}

// Validate checks required fields. A zero timestamp is allowed and is assigned at insertion.
func (in *TurnInput) Validate() error {
	if strings.TrimSpace(in.Namespace) == "" {
		return &ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	if !in.Role.Valid() {
		return &ValidationError{Field: "role", Reason: "unrecognised role " + strconv.Quote(string(in.Role))}
	}
	if in.Content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}

// TurnFilter narrows a scan. Zero values mean no restriction.
type TurnFilter struct {
	Role Role
	// AfterSequence is an exclusive lower bound, used to resume paging.
	AfterSequence int64
	Limit         int
}

// DerivationUpdate carries a recomputed derived_text for one row.
type DerivationUpdate struct {
	SequenceID  int64
	DerivedText string
	Version     string
}
