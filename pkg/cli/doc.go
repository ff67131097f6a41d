// Package cli provides the command-line interface of the intercept tool.
//
// Commands:
//   - fetch: perform one HTTP request with interception applied and print
//     the response, the connection trace and the request log entry
//   - validate: check handler files
//   - config: show the effective configuration
//   - version: show version information
//
// Handlers declared in YAML or JSON files decide the requests fetch makes;
// requests no handler matches reach the network.
package cli
