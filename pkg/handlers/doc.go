// Package handlers answers intercepted requests from declarative definitions.
//
// Definitions are loaded from YAML or JSON files:
//
//	handlers:
//	  - name: list-users
//	    match:
//	      method: GET
//	      url: "api.example.com/users/**"
//	      query: {page: "2"}
//	      when: 'headers["X-Tenant"] == "acme"'
//	    response:
//	      status: 200
//	      headers: {Content-Type: application/json}
//	      json: [{"id": 1}]
//	  - name: payments-down
//	    match: {url: "payments.example.com/**"}
//	    error: refused
//	  - name: real-auth
//	    match: {url: "auth.example.com/**"}
//	    passthrough: true
//
// Every handler carries exactly one outcome: a response, a network error
// (refused, reset, timeout, or any other text) or passthrough. Files are
// checked against a JSON Schema before they are decoded.
//
// A Set registers itself as a request listener. When several handlers match
// a request the most specific one wins (see package matching), ties going to
// the handler defined first. Requests no handler matches are left to other
// listeners.
package handlers
