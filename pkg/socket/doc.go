// Package socket implements the connection shim handed to HTTP clients in
// place of a real TCP or TLS connection.
//
// A Socket looks like an established connection from the moment it is opened.
// Requests written to it are parsed and announced through Options.OnRequest,
// one Message per request. The owner then decides each message: RespondWith
// writes a synthetic response, ErrorWith fails the connection, and Passthrough
// dials the real destination and replays the buffered request bytes.
//
// Connection events are published on Events() under the names lookup, connect,
// secureConnect, ready, data, end, close, error and timeout. When the
// destination host does not resolve, the socket still reports a successful
// connection and keeps the failure aside; it is only surfaced if the request
// ends up failing or, with ReplaySuppressed, passing through.
package socket
