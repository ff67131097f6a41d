// Package resolution drives a single intercepted request from its request
// event to a decision.
//
// The Coordinator emits the request event, waits until either a listener
// decides or every listener for that request has settled, and applies the
// outcome to a Sink: a socket message for connection-level interception, or a
// wrapped transport for round-tripper interception.
//
// Listener failures are handled here rather than surfacing in the client.
// Errors that look like network failures fail the request as if the network
// had. Anything else is announced as an unhandledException event and, if no
// listener of that event decides the request, answered with a 500 response
// whose JSON body names the error.
package resolution
