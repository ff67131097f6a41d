// Package logging provides structured logging configuration for the interceptors.
//
// This package wraps log/slog so every component logs the same way. Components
// accept a *slog.Logger in their options and fall back to Nop() when none is given,
// which keeps an interceptor silent inside test suites unless asked otherwise.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelDebug,
//	    Format: logging.FormatText,
//	})
//
//	ic, err := clientrequest.New(clientrequest.Options{Logger: logger})
//
// Each component derives its own logger with Component, so a line carries
// the emitting subsystem:
//
//	level=DEBUG msg="request parsed" component=socket conn=3f2a... method=GET
//
// # Output Formats
//
//   - Text: human-readable format for development
//   - JSON: structured format for log aggregation systems
package logging
