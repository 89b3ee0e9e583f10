package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrEmbedding     = errors.New("embedding error")
	ErrIndexNotReady = errors.New("index not ready")
	ErrIndexRow      = errors.New("index row error")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// EmbeddingError wraps a provider failure. SequenceID is zero for query embeddings.
type EmbeddingError struct {
	SequenceID int64
	Err        error
}

func (e *EmbeddingError) Error() string {
	if e.SequenceID == 0 {
		return fmt.Sprintf("embedding failed: %v", e.Err)
	}
	return fmt.Sprintf("embedding failed for turn %d: %v", e.SequenceID, e.Err)
}

func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbedding }

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexRowError is raised once a row has failed to embed MaxFailures times in a row.
// The row stays in the store and is retried on later passes.
type IndexRowError struct {
	SequenceID int64
	Failures   int
	LastError  string
}

func (e *IndexRowError) Error() string {
	return fmt.Sprintf("turn %d failed to index %d times: %s", e.SequenceID, e.Failures, e.LastError)
}

func (e *IndexRowError) Is(target error) bool { return target == ErrIndexRow }

// IndexNotReadyError is returned when a non-empty namespace is queried before its first build.
type IndexNotReadyError struct {
	Namespace string
	Turns     int64
}

func (e *IndexNotReadyError) Error() string {
	return fmt.Sprintf("index for %q not built yet (%d turns stored)", e.Namespace, e.Turns)
}

func (e *IndexNotReadyError) Is(target error) bool { return target == ErrIndexNotReady }
