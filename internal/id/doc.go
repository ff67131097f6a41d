// Package id provides identifier generation for intercepted traffic.
//
// Two formats are used across the codebase:
//
//   - Request: a UUID v4 attached to every intercepted request. Listeners use it to
//     correlate "request" and "response" events and the idle barrier uses it to keep
//     concurrent requests from waiting on each other.
//   - Short: a 16-character hex ID for sockets and log entries, where brevity matters
//     more than global uniqueness.
package id
