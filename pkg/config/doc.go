// Package config loads the settings of the intercept tool and of programs
// embedding the interceptors.
//
// Configuration is read from a YAML or JSON file (format by extension),
// then environment overrides are applied:
//
//	INTERCEPT_LOG_LEVEL   log level (debug, info, warn, error)
//	INTERCEPT_LOG_FORMAT  log format (text, json)
//	INTERCEPT_HANDLERS    comma-separated handler file globs
//
// Example file:
//
//	log:
//	  level: debug
//	  format: json
//	socket:
//	  pipeCapacity: 65536
//	  lookupTimeout: 2s
//	  dialTimeout: 10s
//	  replaySuppressed: false
//	resolution:
//	  timeout: 30s
//	handlers:
//	  - mocks/**/*.yaml
package config
