// Package httpparser reconstructs HTTP/1.1 messages from raw byte streams.
//
// RequestParser and ResponseParser are push parsers: the owner feeds whatever
// bytes arrived and the parser reports headers as soon as they are complete,
// streaming the body into a non-blocking Body. Each Feed consumes at most one
// message; after Complete the owner calls Free and feeds the remainder to parse
// the next message on a keep-alive connection.
//
//	p := &httpparser.RequestParser{
//	    Scheme:    "https",
//	    Host:      "api.example.com",
//	    OnRequest: func(r *http.Request) { ... },
//	}
//	for len(b) > 0 {
//	    n, err := p.Feed(b)
//	    if err != nil { ... }
//	    b = b[n:]
//	    if p.State() == httpparser.StateComplete {
//	        p.Free()
//	    }
//	}
//
// WriteResponse is the inverse for responses and is what synthetic responses
// are serialized with.
package httpparser
