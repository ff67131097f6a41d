package metrics

import "sync"

// Default metrics updated by the interception engine. They are nil until
// Init is called.
var (
	// RequestsTotal counts decided requests.
	// Labels: interceptor (client-request, round-tripper), decision (respond, error, passthrough, exception)
	RequestsTotal *Counter

	// ResolutionDuration tracks the time from the request event to its decision, in seconds.
	// Labels: interceptor
	ResolutionDuration *Histogram

	// ListenerErrorsTotal counts listeners that returned an error or panicked.
	// Labels: event
	ListenerErrorsTotal *Counter

	// SocketsActive is the number of socket shims not yet closed.
	SocketsActive *Gauge

	// SuppressedEvents counts connection events held back by mock-mode sockets.
	SuppressedEvents *Counter

	// HandlerMatchesTotal counts requests answered by a declarative handler.
	// Labels: handler
	HandlerMatchesTotal *Counter

	// HandlerMissesTotal counts requests no declarative handler matched.
	HandlerMissesTotal *Counter

	defaultRegistry *Registry
	initOnce        sync.Once
)

// Init registers the default metrics and returns their registry. It is
// idempotent.
func Init() *Registry {
	initOnce.Do(func() {
		r := NewRegistry()

		RequestsTotal = r.NewCounter(
			"intercept_requests_total",
			"Total number of intercepted requests by decision",
			"interceptor", "decision",
		)
		ResolutionDuration = r.NewHistogram(
			"intercept_resolution_duration_seconds",
			"Time from the request event to its decision in seconds",
			DefaultBuckets,
			"interceptor",
		)
		ListenerErrorsTotal = r.NewCounter(
			"intercept_listener_errors_total",
			"Number of listeners that failed",
			"event",
		)
		SocketsActive = r.NewGauge(
			"intercept_sockets_active",
			"Number of open socket shims",
		)
		SuppressedEvents = r.NewCounter(
			"intercept_suppressed_events_total",
			"Connection events held back by sockets whose lookup failed",
		)
		HandlerMatchesTotal = r.NewCounter(
			"intercept_handler_matches_total",
			"Number of requests answered by a declarative handler",
			"handler",
		)
		HandlerMissesTotal = r.NewCounter(
			"intercept_handler_misses_total",
			"Number of requests no declarative handler matched",
		)

		defaultRegistry = r
	})
	return defaultRegistry
}

// DefaultRegistry returns the registry created by Init, or nil.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset drops the default metrics so Init can run again. Intended for tests.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	RequestsTotal = nil
	ResolutionDuration = nil
	ListenerErrorsTotal = nil
	SocketsActive = nil
	SuppressedEvents = nil
	HandlerMatchesTotal = nil
	HandlerMissesTotal = nil
}
