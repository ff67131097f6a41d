// Package metrics collects interception metrics and exposes them in the
// Prometheus text format (text/plain; version=0.0.4).
//
// Counters, gauges and histograms are safe for concurrent use. Series are
// created on demand per label combination through WithLabels.
//
// # Default Metrics
//
// Init registers the metrics the engine updates on its own:
//
//   - intercept_requests_total: decided requests (labels: interceptor, decision)
//   - intercept_resolution_duration_seconds: time from request to decision (labels: interceptor)
//   - intercept_listener_errors_total: failed request listeners (labels: event)
//   - intercept_sockets_active: open socket shims
//   - intercept_suppressed_events_total: connection events held back by mock-mode sockets
//   - intercept_handler_matches_total: declarative handler hits (labels: handler)
//   - intercept_handler_misses_total: requests no declarative handler matched
//
// Until Init is called the default metrics are nil and the engine skips them.
//
//	registry := metrics.Init()
//	http.Handle("/metrics", registry.Handler())
package metrics
