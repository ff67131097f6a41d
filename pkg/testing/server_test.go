package testing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	stdtesting "testing"
	"time"
)

// mockURL has an IP literal host so no lookup is attempted.
const mockURL = "http://127.0.0.1:9"

func get(t *stdtesting.T, c *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, string(body)
}

func TestNew(t *stdtesting.T) {
	mock := New(t)
	if mock == nil {
		t.Fatal("New() returned nil")
	}
	if mock.Client() == nil {
		t.Fatal("Client() returned nil")
	}
}

func TestStartAndStop(t *stdtesting.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "real")
	}))
	defer upstream.Close()

	mock := New(t)
	mock.Mock("GET", "/test").WithBody("mocked").Reply()

	client := mock.Start()
	if again := mock.Start(); again != client {
		t.Error("Start() should return the same client when already started")
	}

	resp, body := get(t, client, upstream.URL+"/test")
	if resp.StatusCode != http.StatusOK || body != "mocked" {
		t.Errorf("expected mocked 200, got %d %q", resp.StatusCode, body)
	}

	mock.Stop()

	_, body = get(t, client, upstream.URL+"/test")
	if body != "real" {
		t.Errorf("expected the real server after Stop, got %q", body)
	}
}

func TestMockWithJSON(t *stdtesting.T) {
	mock := New(t)
	client := mock.Start()

	type User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	mock.Mock("GET", "/users/123").
		WithStatus(http.StatusOK).
		WithJSON(User{ID: "123", Name: "Test User"}).
		Reply()

	resp, body := get(t, client, mockURL+"/users/123")
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if body != `{"id":"123","name":"Test User"}` {
		t.Errorf("unexpected body %q", body)
	}
	mock.AssertCalled(t, "GET", "/users/123")
	mock.AssertAllMatched(t)
}

func TestMockURLGlobAndHeaders(t *stdtesting.T) {
	mock := New(t)
	client := mock.Start()

	mock.Mock("GET", "127.0.0.1:9/v1/**").
		WithRequestHeader("Authorization", "Bearer token123").
		WithHeader("X-Mock", "yes").
		WithStatus(http.StatusAccepted).
		Reply()

	req, _ := http.NewRequest(http.MethodGet, mockURL+"/v1/items/7", nil)
	req.Header.Set("Authorization", "Bearer token123")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || resp.Header.Get("X-Mock") != "yes" {
		t.Errorf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}

	reqs := mock.RequestsTo("GET", "/v1/items/7")
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	reqs[0].AssertHeader(t, "authorization", "Bearer token123")
	reqs[0].AssertMethod(t, "get")
}

func TestRequestBodyAssertions(t *stdtesting.T) {
	mock := New(t)
	client := mock.Start()

	mock.Mock("POST", "/users").
		WithJSONPath("$.role", "admin").
		RespondCreated(map[string]string{"id": "u1"}).
		Reply()

	resp, err := client.Post(mockURL+"/users?dry=1", "application/json",
		strings.NewReader(`{"name":"ada","role":"admin","meta":{"team":"core"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	r := mock.Requests()[0]
	r.AssertJSONBody(t, map[string]any{"name": "ada", "role": "admin", "meta": map[string]any{"team": "core"}})
	r.AssertBodyContains(t, `"ada"`)
	r.AssertJSONField(t, "meta.team", "core")
	r.AssertQueryParam(t, "dry", "1")
	r.AssertHeaderExists(t, "Content-Type")
	r.AssertPath(t, "/users")
}

func TestTimes(t *stdtesting.T) {
	mock := New(t, Strict())
	client := mock.Start()

	mock.Mock("GET", "/once").WithBody("first").Once().Reply()

	_, body := get(t, client, mockURL+"/once")
	if body != "first" {
		t.Errorf("unexpected body %q", body)
	}

	_, err := client.Get(mockURL + "/once")
	if err == nil || !strings.Contains(err.Error(), ErrUnmatched.Error()) {
		t.Errorf("expected an unmatched error after the limit, got %v", err)
	}
	mock.AssertCalledTimes(t, "GET", "/once", 2)
}

func TestFailWith(t *stdtesting.T) {
	mock := New(t)
	client := mock.Start()

	mock.Mock("GET", "/down").FailWith("refused").Reply()

	_, err := client.Get(mockURL + "/down")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected connection refused, got %v", err)
	}
}

func TestPassthroughAndUnmatched(t *stdtesting.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "real "+r.URL.Path)
	}))
	defer upstream.Close()

	mock := New(t)
	client := mock.Start()
	mock.Mock("GET", "/through").Passthrough().Reply()

	_, body := get(t, client, upstream.URL+"/through")
	if body != "real /through" {
		t.Errorf("unexpected body %q", body)
	}
	_, body = get(t, client, upstream.URL+"/other")
	if body != "real /other" {
		t.Errorf("unexpected body %q", body)
	}

	reqs := mock.Requests()
	if len(reqs) != 2 || !reqs[0].Matched || reqs[1].Matched {
		t.Errorf("unexpected matched flags: %+v", reqs)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !allCompleted(mock, 2) {
		if time.Now().After(deadline) {
			t.Fatal("request log did not record both responses")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func allCompleted(mock *MockServer, n int) bool {
	entries := mock.Log().List(nil)
	if len(entries) < n {
		return false
	}
	for _, e := range entries {
		if !e.Completed || e.Mocked {
			return false
		}
	}
	return true
}

func TestDelayHonoursContext(t *stdtesting.T) {
	mock := New(t)
	client := mock.Start()
	mock.Mock("GET", "/slow").WithDelay("5s").Reply()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, mockURL+"/slow", nil)

	start := time.Now()
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected the request to be cancelled")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
}

func TestBuilderErrors(t *stdtesting.T) {
	mock := New(t)
	b := mock.Mock("GET", "/x").WithDelay("soon")
	if b.Err() == nil {
		t.Error("expected an error for an invalid delay")
	}
	b = mock.Mock("GET", "/x").WithJSON(make(chan int))
	if b.Err() == nil {
		t.Error("expected an error for an unencodable body")
	}
}

func TestReset(t *stdtesting.T) {
	mock := New(t, Strict())
	client := mock.Start()

	mock.Mock("GET", "/api").WithStatus(http.StatusOK).Reply()
	resp, _ := get(t, client, mockURL+"/api")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	mock.Reset()
	mock.AssertNotCalled(t, "GET", "/api")

	mock.Mock("GET", "/api").RespondServerError("boom").Reply()
	resp, body := get(t, client, mockURL+"/api")
	if resp.StatusCode != http.StatusInternalServerError || body != `{"error":"boom"}` {
		t.Errorf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestWithLookup(t *stdtesting.T) {
	var lookups atomic.Int32
	mock := New(t, WithLookup(func(context.Context, string) ([]string, error) {
		lookups.Add(1)
		return []string{"127.0.0.1"}, nil
	}))
	client := mock.Start()
	mock.Mock("GET", "api.example.test/ping").WithBody("pong").Reply()

	_, body := get(t, client, "http://api.example.test/ping")
	if body != "pong" {
		t.Errorf("unexpected body %q", body)
	}
	if lookups.Load() == 0 {
		t.Error("custom lookup was not used")
	}
}
