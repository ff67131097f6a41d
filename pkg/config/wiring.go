package config

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/getmockd/interceptors/pkg/clientrequest"
	"github.com/getmockd/interceptors/pkg/logging"
)

// Logger builds the operational logger described by the log section.
func (c *Config) Logger(out io.Writer) *slog.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(c.Log.Level),
		Format: logging.ParseFormat(c.Log.Format),
		Output: out,
	})
}

// ClientRequestOptions returns interceptor options for transport built from
// the socket section.
func (c *Config) ClientRequestOptions(transport *http.Transport, logger *slog.Logger) clientrequest.Options {
	return clientrequest.Options{
		Transport:        transport,
		LookupTimeout:    c.Socket.LookupTimeout.Std(),
		DialTimeout:      c.Socket.DialTimeout.Std(),
		PipeCapacity:     c.Socket.PipeCapacity,
		ReplaySuppressed: c.Socket.ReplaySuppressed,
		Logger:           logger,
	}
}
