// Package matching scores intercepted requests against handler criteria.
//
// Every criterion that is set must match. Each match adds to a score so the
// most specific handler wins when several match the same request:
//
//   - Method: exact, case-insensitive
//   - URL: doublestar glob over "host/path" ("api.example.com/users/**")
//   - Path: exact, {name} parameters, or * wildcards
//   - Headers: exact or simple * patterns
//   - Query: exact values
//   - Body: equals, contains, RE2 pattern and JSONPath conditions
//
// Score constants are defined in scores.go.
package matching
