package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["handlers"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string"},
    "handlers": {
      "type": "array",
      "items": {"$ref": "#/$defs/handler"}
    }
  },
  "$defs": {
    "stringMap": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "handler": {
      "type": "object",
      "required": ["name"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "match": {"$ref": "#/$defs/match"},
        "response": {"$ref": "#/$defs/response"},
        "error": {"type": "string", "minLength": 1},
        "passthrough": {"type": "boolean"},
        "times": {"type": "integer", "minimum": 0}
      },
      "oneOf": [
        {"required": ["response"], "not": {"anyOf": [{"required": ["error"]}, {"required": ["passthrough"]}]}},
        {"required": ["error"], "not": {"anyOf": [{"required": ["response"]}, {"required": ["passthrough"]}]}},
        {"required": ["passthrough"], "not": {"anyOf": [{"required": ["response"]}, {"required": ["error"]}]}}
      ]
    },
    "match": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "method": {"type": "string"},
        "url": {"type": "string"},
        "path": {"type": "string"},
        "headers": {"$ref": "#/$defs/stringMap"},
        "query": {"$ref": "#/$defs/stringMap"},
        "when": {"type": "string"},
        "body": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "equals": {"type": "string"},
            "contains": {"type": "string"},
            "pattern": {"type": "string"},
            "jsonPath": {"type": "object"}
          }
        }
      }
    },
    "response": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "status": {"type": "integer", "minimum": 100, "maximum": 599},
        "headers": {"$ref": "#/$defs/stringMap"},
        "body": {"type": "string"},
        "json": {},
        "delay": {"type": "string"}
      },
      "not": {"required": ["body", "json"]}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("handlers.json", strings.NewReader(fileSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("handlers.json")
	})
	return schema, schemaErr
}

// validateDocument checks a decoded document against the file schema. The
// document is normalized through encoding/json first so YAML and JSON input
// validate alike.
func validateDocument(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if err := s.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return schemaErrors(ve)
		}
		return err
	}
	return nil
}

// schemaErrors flattens a schema validation error into leaf causes.
func schemaErrors(ve *jsonschema.ValidationError) error {
	result := &ValidationResult{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			result.Add(e.InstanceLocation, e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return result
}
