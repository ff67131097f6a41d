package matching

import (
	"net/http"
	"strings"
)

// Criteria describes the requests a handler applies to. Empty fields match
// everything.
type Criteria struct {
	Method       string
	URL          string
	Path         string
	Headers      map[string]string
	Query        map[string]string
	BodyEquals   string
	BodyContains string
	BodyPattern  string
	BodyJSONPath map[string]any
}

// NeedsBody reports whether matching reads the request body.
func (c *Criteria) NeedsBody() bool {
	return c.BodyEquals != "" || c.BodyContains != "" || c.BodyPattern != "" || len(c.BodyJSONPath) > 0
}

// Validate checks patterns that can be malformed.
func (c *Criteria) Validate() error {
	if c.URL != "" {
		if err := ValidateURLPattern(c.URL); err != nil {
			return err
		}
	}
	if err := ValidateBodyPattern(c.BodyPattern); err != nil {
		return err
	}
	for path := range c.BodyJSONPath {
		if err := ValidateJSONPath(path); err != nil {
			return err
		}
	}
	return nil
}

// Result is the outcome of matching one request.
type Result struct {
	Score  int
	Params map[string]string
	Values map[string]any
}

// Matched reports whether every criterion matched.
func (r Result) Matched() bool { return r.Score > 0 }

// Match scores r against c. A zero score means no match. Criteria with no
// fields set match any request with a score of 1.
func Match(c *Criteria, r *http.Request, body []byte) Result {
	if c == nil {
		return Result{}
	}
	res := Result{Score: 1}

	if c.Method != "" {
		if !MatchMethod(c.Method, r.Method) {
			return Result{}
		}
		res.Score += ScoreMethod
	}

	if c.URL != "" {
		host := r.URL.Host
		if host == "" {
			host = r.Host
		}
		if !MatchURL(c.URL, r.URL.Scheme, host, r.URL.Path) {
			return Result{}
		}
		res.Score += ScoreURLGlob
	}

	if c.Path != "" {
		s := MatchPath(c.Path, r.URL.Path)
		if s == 0 {
			return Result{}
		}
		res.Score += s
		res.Params = PathParams(c.Path, r.URL.Path)
	}

	for name, value := range c.Headers {
		if !MatchHeaderPattern(name, value, r.Header) {
			return Result{}
		}
		res.Score += ScoreHeader
	}

	if len(c.Query) > 0 {
		if !MatchQueryParams(c.Query, r.URL.Query()) {
			return Result{}
		}
		res.Score += ScoreQueryParam * len(c.Query)
	}

	if c.BodyEquals != "" {
		if string(body) != c.BodyEquals {
			return Result{}
		}
		res.Score += ScoreBodyEquals
	}
	if c.BodyContains != "" {
		if !strings.Contains(string(body), c.BodyContains) {
			return Result{}
		}
		res.Score += ScoreBodyContains
	}
	if c.BodyPattern != "" {
		if !MatchBodyPattern(c.BodyPattern, body) {
			return Result{}
		}
		res.Score += ScoreBodyPattern
	}
	if len(c.BodyJSONPath) > 0 {
		jr := MatchJSONPath(c.BodyJSONPath, body)
		if jr.Score == 0 {
			return Result{}
		}
		res.Score += jr.Score
		res.Values = jr.Values
	}
	return res
}
