package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError describes an invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Log.Level != "" && !validLevels[strings.ToLower(c.Log.Level)] {
		return &ValidationError{Field: "log.level", Message: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	if c.Log.Format != "" && !validFormats[strings.ToLower(c.Log.Format)] {
		return &ValidationError{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	if c.Socket.PipeCapacity < 0 {
		return &ValidationError{Field: "socket.pipeCapacity", Message: "must not be negative"}
	}
	if c.Socket.LookupTimeout < 0 {
		return &ValidationError{Field: "socket.lookupTimeout", Message: "must not be negative"}
	}
	if c.Socket.DialTimeout < 0 {
		return &ValidationError{Field: "socket.dialTimeout", Message: "must not be negative"}
	}
	if c.Resolution.Timeout < 0 {
		return &ValidationError{Field: "resolution.timeout", Message: "must not be negative"}
	}
	for i, g := range c.Handlers {
		if !doublestar.ValidatePathPattern(g) {
			return &ValidationError{Field: fmt.Sprintf("handlers[%d]", i), Message: fmt.Sprintf("invalid glob %q", g)}
		}
	}
	return nil
}
