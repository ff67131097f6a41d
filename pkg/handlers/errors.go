package handlers

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned while loading handler files.
var (
	ErrFileNotFound    = errors.New("handler file not found")
	ErrEmptyFile       = errors.New("handler file is empty")
	ErrInvalidYAML     = errors.New("invalid YAML syntax")
	ErrInvalidDocument = errors.New("invalid handler document")
	ErrNoFiles         = errors.New("no handler files matched")
)

// ValidationError is a single problem found in a handler file.
type ValidationError struct {
	Path    string `json:"path"` // e.g. "/handlers/0/response/status"
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationResult collects every problem found in a handler file.
type ValidationResult struct {
	Errors []ValidationError
}

// Add records a problem.
func (r *ValidationResult) Add(path, message string) {
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: message})
}

// IsValid reports whether no problem was recorded.
func (r *ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Unwrap lets callers test for ErrInvalidDocument.
func (r *ValidationResult) Unwrap() error { return ErrInvalidDocument }
