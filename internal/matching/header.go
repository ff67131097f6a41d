package matching

import (
	"net/http"
	"net/url"
	"strings"
)

// MatchMethod compares methods case-insensitively.
func MatchMethod(expected, actual string) bool {
	return strings.EqualFold(expected, actual)
}

// MatchHeaderPattern checks if a header matches a pattern. Supports exact
// values and prefix*, *suffix and *middle* patterns.
func MatchHeaderPattern(name, pattern string, headers http.Header) bool {
	actual := headers.Get(name)
	if actual == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return actual == pattern
	}

	prefix := strings.HasSuffix(pattern, "*")
	suffix := strings.HasPrefix(pattern, "*")
	switch {
	case prefix && suffix:
		return strings.Contains(actual, strings.Trim(pattern, "*"))
	case prefix:
		return strings.HasPrefix(actual, strings.TrimSuffix(pattern, "*"))
	case suffix:
		return strings.HasSuffix(actual, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// MatchQueryParams checks that every expected parameter has the given value.
func MatchQueryParams(expected map[string]string, params url.Values) bool {
	for name, value := range expected {
		if params.Get(name) != value {
			return false
		}
	}
	return true
}
