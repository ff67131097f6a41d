package matching

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchPath checks if the request path matches the pattern and returns the
// score, 0 for no match.
//   - Exact match: "/api/users" matches "/api/users"
//   - Wildcard: "/api/users/*" matches "/api/users/123"
//   - Named params: "/api/users/{id}" matches "/api/users/123"
func MatchPath(pattern, path string) int {
	if pattern == path {
		return ScorePathExact
	}

	if strings.Contains(pattern, "{") && strings.Contains(pattern, "}") {
		if matchNamedParams(pattern, path) {
			return ScorePathNamedParams
		}
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if strings.HasPrefix(path, prefix+"/") || path == prefix {
			return ScorePathWildcard
		}
	}

	if strings.Contains(pattern, "*") && matchWildcard(pattern, path) {
		return ScorePathWildcard
	}
	return 0
}

func matchNamedParams(pattern, path string) bool {
	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(patternParts) != len(pathParts) {
		return false
	}
	for i, p := range patternParts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			continue
		}
		if p != pathParts[i] {
			return false
		}
	}
	return true
}

// matchWildcard matches * against any sequence of characters.
func matchWildcard(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	pos := len(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		idx := strings.Index(path[pos:], part)
		if idx == -1 {
			return false
		}
		pos += idx + len(part)
	}
	last := parts[len(parts)-1]
	return last == "" || strings.HasSuffix(path, last)
}

// PathParams extracts {name} parameters and * segments from path.
//   - "/users/{id}" with "/users/123" returns {"id": "123"}
//   - "/api/*/items/*" with "/api/users/items/789" returns {"0": "users", "1": "789"}
func PathParams(pattern, path string) map[string]string {
	result := make(map[string]string)
	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	wildcard := 0
	for i, p := range patternParts {
		if i >= len(pathParts) {
			break
		}
		switch {
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			result[p[1:len(p)-1]] = pathParts[i]
		case p == "*":
			if i == len(patternParts)-1 {
				result[fmt.Sprint(wildcard)] = strings.Join(pathParts[i:], "/")
			} else {
				result[fmt.Sprint(wildcard)] = pathParts[i]
			}
			wildcard++
		}
	}
	return result
}

// MatchURL matches a doublestar glob against "host/path". A pattern with a
// scheme ("https://api.test/**") also requires the scheme to match.
func MatchURL(pattern, scheme, host, path string) bool {
	if i := strings.Index(pattern, "://"); i >= 0 {
		if !strings.EqualFold(pattern[:i], scheme) {
			return false
		}
		pattern = pattern[i+3:]
	}
	target := host + path
	if path == "" {
		target = host + "/"
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

// ValidateURLPattern reports a malformed URL glob.
func ValidateURLPattern(pattern string) error {
	if i := strings.Index(pattern, "://"); i >= 0 {
		pattern = pattern[i+3:]
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid URL pattern %q", pattern)
	}
	return nil
}
