package matching

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// JSONPathResult holds the outcome of JSONPath matching.
type JSONPathResult struct {
	// Score is ScoreJSONPathCondition per matched condition, 0 if any failed.
	Score int
	// Values maps a sanitized path ("$.user.name" -> "user_name") to the
	// value it selected.
	Values map[string]any
}

// MatchJSONPath evaluates every condition against a JSON body. A body that is
// not JSON matches nothing.
//
// A condition value of {"exists": true|false} checks presence only. For paths
// selecting several values, any equal value satisfies the condition.
func MatchJSONPath(conditions map[string]any, body []byte) JSONPathResult {
	if len(conditions) == 0 {
		return JSONPathResult{}
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return JSONPathResult{}
	}

	result := JSONPathResult{Values: make(map[string]any)}
	for path, expected := range conditions {
		ok, value := matchOne(path, expected, data)
		if !ok {
			return JSONPathResult{}
		}
		result.Score += ScoreJSONPathCondition
		if value != nil {
			result.Values[jsonPathKey(path)] = value
		}
	}
	return result
}

func matchOne(path string, expected, data any) (bool, any) {
	x, err := jp.ParseString(path)
	if err != nil {
		return false, nil
	}
	found := x.Get(data)

	if want, ok := existenceCheck(expected); ok {
		if len(found) == 0 {
			return !want, nil
		}
		if want {
			return true, found[0]
		}
		return false, nil
	}

	for _, v := range found {
		if valuesEqual(v, expected) {
			return true, v
		}
	}
	return false, nil
}

// existenceCheck reports whether expected is {"exists": bool} and its value.
func existenceCheck(expected any) (want, ok bool) {
	m, isMap := expected.(map[string]any)
	if !isMap || len(m) != 1 {
		return false, false
	}
	v, has := m["exists"]
	if !has {
		return false, false
	}
	b, _ := v.(bool)
	return b, true
}

// valuesEqual compares JSON values, treating all numbers as float64.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	a, aok := toFloat64(actual)
	e, eok := toFloat64(expected)
	return aok && eok && a == e
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

// jsonPathKey turns "$.items[0].id" into "items_0_id".
func jsonPathKey(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '.', '[', ']', '*', '@', '?', '(', ')', ',', ' ', '\'', '"':
			s := b.String()
			if len(s) > 0 && s[len(s)-1] != '_' {
				b.WriteByte('_')
			}
		default:
			b.WriteByte(c)
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// ValidateJSONPath checks a JSONPath expression at load time.
func ValidateJSONPath(path string) error {
	if _, err := jp.ParseString(path); err != nil {
		return fmt.Errorf("invalid JSONPath expression %q: %w", path, err)
	}
	return nil
}
