// Package testing provides a test harness that intercepts the outgoing
// requests of an http.Client and answers them with mocks.
//
// # Basic Usage
//
// Create a harness, declare mocks, and make requests with its client:
//
//	func TestMyClient(t *testing.T) {
//	    mock := testing.New(t)
//
//	    mock.Mock("GET", "https://api.example.com/users/123").
//	        WithStatus(200).
//	        WithJSON(map[string]string{"id": "123", "name": "Test User"}).
//	        Reply()
//
//	    client := mock.Start()
//
//	    resp, err := client.Get("https://api.example.com/users/123")
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer resp.Body.Close()
//
//	    mock.AssertCalled(t, "GET", "/users/123")
//	}
//
// Requests are intercepted at the connection level: the client's transport
// dials into the interceptor instead of the network, so no listener needs
// to be reachable and TLS is never negotiated for mocked requests.
//
// # Matching
//
// A target starting with "/" matches the request path; anything else is a
// URL glob over host and path:
//
//	mock.Mock("GET", "/search").WithQueryParam("q", "test").Reply()
//	mock.Mock("POST", "*.example.com/**").WithBodyContains("important").Reply()
//	mock.Mock("POST", "/users").WithJSONPath("$.role", "admin").RespondCreated(nil).Reply()
//
// When several mocks match, the most specific one answers.
//
// # Outcomes
//
// Besides responses a mock can fail the request or let it through:
//
//	mock.Mock("GET", "/flaky").FailWith("reset").Reply()
//	mock.Mock("GET", "/real").Passthrough().Reply()
//
// Requests no mock matches go to the network unless the harness is
// created with Strict, in which case they fail.
//
// # Assertions
//
//	mock.AssertCalledTimes(t, "POST", "/api/create", 3)
//	mock.AssertNotCalled(t, "DELETE", "/api/item")
//	for _, req := range mock.Requests() {
//	    req.AssertHeader(t, "Content-Type", "application/json")
//	}
package testing
