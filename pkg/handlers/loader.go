package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Parse decodes and validates a handler document. YAML and JSON are both
// accepted; name labels errors.
func Parse(name string, data []byte) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, name)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w in %s: %v", ErrInvalidYAML, name, err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w in %s: %v", ErrInvalidDocument, name, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &f, nil
}

// Validate performs the checks the schema cannot express: unique names and
// well-formed patterns and expressions.
func (f *File) Validate() error {
	result := &ValidationResult{}
	seen := make(map[string]bool, len(f.Handlers))
	for i, d := range f.Handlers {
		path := fmt.Sprintf("/handlers/%d", i)
		if d == nil {
			result.Add(path, "handler is empty")
			continue
		}
		if seen[d.Name] {
			result.Add(path+"/name", fmt.Sprintf("duplicate handler name %q", d.Name))
		}
		seen[d.Name] = true

		if _, err := compile(d); err != nil {
			result.Add(path, err.Error())
		}
	}
	if !result.IsValid() {
		return result
	}
	return nil
}

// LoadFile reads and parses one handler file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to read handler file: %w", err)
	}
	return Parse(path, data)
}

// LoadGlob loads every file matched by the patterns, which may use ** for
// recursive matching. Files are loaded in lexical order and their handlers
// concatenated.
func LoadGlob(patterns ...string) (*File, error) {
	var files []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := expandGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding glob pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, strings.Join(patterns, ", "))
	}
	sort.Strings(files)

	merged := &File{}
	for _, path := range files {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		merged.Handlers = append(merged.Handlers, f.Handlers...)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// expandGlob resolves a pattern to regular files. A pattern without glob
// metacharacters names a single file, which must exist.
func expandGlob(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		if _, err := os.Stat(pattern); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, pattern)
			}
			return nil, err
		}
		return []string{pattern}, nil
	}

	matches, err := doublestar.FilepathGlob(filepath.Clean(pattern), doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	return matches, nil
}
