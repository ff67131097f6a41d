package matching

import (
	"fmt"
	"regexp"
)

// MatchBodyPattern checks the body against a RE2 pattern. An invalid pattern
// never matches.
func MatchBodyPattern(pattern string, body []byte) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.Match(body)
}

// ValidateBodyPattern checks if a regex pattern is valid.
func ValidateBodyPattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid body pattern %q: %w", pattern, err)
	}
	return nil
}
