// Package requestlog keeps a history of intercepted exchanges for inspection
// and debugging.
//
// It is distinct from operational logging (which uses log/slog). A Recorder
// subscribes to an interceptor's request and response events and writes one
// Entry per request to a Store; MemoryStore is a bounded in-memory store with
// filtering and live subscriptions.
//
//	store := requestlog.NewMemoryStore(1000)
//	rec := requestlog.NewRecorder(store)
//	if err := rec.Attach(ic); err != nil {
//		return err
//	}
//	for _, e := range store.List(&requestlog.Filter{Host: "api.example.com"}) {
//		fmt.Println(e.Method, e.URL, e.ResponseStatus)
//	}
package requestlog
