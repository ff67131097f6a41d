// Package roundtrip intercepts requests at the http.RoundTripper level.
//
// Where package clientrequest works on the bytes of a connection, this
// interceptor wraps the Transport of an *http.Client and sees requests
// before they are serialized. Listeners get the same events and controller,
// and undecided requests are sent through the wrapped transport.
//
// Request bodies are buffered so listeners and the real transport can both
// read them. Real response bodies are buffered only while response listeners
// are registered.
package roundtrip
