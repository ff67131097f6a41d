package requestlog

import "strings"

// Logger is the minimal interface for recording entries.
type Logger interface {
	Log(entry *Entry)
}

// Store defines request history storage.
type Store interface {
	Logger

	// Update applies fn to the entry with the given ID and reports whether
	// it exists.
	Update(id string, fn func(*Entry)) bool

	// Get retrieves a copy of an entry by ID.
	Get(id string) *Entry

	// List returns copies of the matching entries, newest first.
	List(filter *Filter) []*Entry

	// Clear removes all entries.
	Clear()

	// Count returns the number of entries.
	Count() int
}

// Filter defines criteria for listing entries.
type Filter struct {
	// Interceptor filters by capability key.
	Interceptor string

	// Method filters by HTTP method.
	Method string

	// Host filters by exact host.
	Host string

	// Path filters by path prefix.
	Path string

	// Mocked filters by whether the response was mocked.
	Mocked *bool

	// StatusCode filters by response status code.
	StatusCode int

	// HasError filters by error presence.
	HasError *bool

	Limit  int
	Offset int
}

// Matches reports whether e satisfies every criterion of f.
func (f *Filter) Matches(e *Entry) bool {
	if f == nil {
		return true
	}
	if f.Interceptor != "" && e.Interceptor != f.Interceptor {
		return false
	}
	if f.Method != "" && !strings.EqualFold(e.Method, f.Method) {
		return false
	}
	if f.Host != "" && e.Host != f.Host {
		return false
	}
	if f.Path != "" && !strings.HasPrefix(e.Path, f.Path) {
		return false
	}
	if f.Mocked != nil && e.Mocked != *f.Mocked {
		return false
	}
	if f.StatusCode != 0 && e.ResponseStatus != f.StatusCode {
		return false
	}
	if f.HasError != nil && (e.Error != "") != *f.HasError {
		return false
	}
	return true
}

// Subscriber receives entries as they are logged and completed.
type Subscriber chan *Entry

// SubscribableStore extends Store with live updates.
type SubscribableStore interface {
	Store

	// Subscribe returns a channel receiving new and updated entries and a
	// function that unsubscribes and closes it.
	Subscribe() (Subscriber, func())
}
