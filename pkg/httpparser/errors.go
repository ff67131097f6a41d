package httpparser

import (
	"errors"
	"fmt"
)

var (
	// ErrHeaderTooLarge is returned when the start line and headers exceed the limit.
	ErrHeaderTooLarge = errors.New("header section too large")

	// ErrUnsupportedTransferEncoding is returned for transfer codings other than chunked.
	ErrUnsupportedTransferEncoding = errors.New("unsupported transfer encoding")

	// ErrFreed is the body error seen by readers when a parser is freed mid-message.
	ErrFreed = errors.New("parser freed before message completed")
)

// ParseError describes malformed input.
type ParseError struct {
	State State
	Line  string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("httpparser: %s: %v: %q", e.State, e.Err, e.Line)
	}
	return fmt.Sprintf("httpparser: %s: %v", e.State, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(s State, line string, err error) *ParseError {
	if len(line) > 64 {
		line = line[:64]
	}
	return &ParseError{State: s, Line: line, Err: err}
}
