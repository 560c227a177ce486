package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrEmbedding  = errors.New("embedding failed")
	ErrRetrieval  = errors.New("retrieval failed")
	ErrGeneration = errors.New("generation failed")
	ErrStorage    = errors.New("storage failed")
)

// Stable machine-readable codes carried by the stream's error event.
const (
	CodeRAG        = "RAG_ERROR"
	CodeGeneration = "GENERATION_ERROR"
	CodeStorage    = "STORAGE_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

// ValidationError names the offending field of a rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ErrorCode maps a pipeline failure to its stream error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRetrieval):
		return CodeRAG
	case errors.Is(err, ErrGeneration):
		return CodeGeneration
	case errors.Is(err, ErrStorage):
		return CodeStorage
	default:
		return CodeInternal
	}
}
