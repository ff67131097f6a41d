package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "250ms" in
// configuration files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Config is the root configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" json:"log"`
	Socket     SocketConfig     `yaml:"socket" json:"socket"`
	Resolution ResolutionConfig `yaml:"resolution" json:"resolution"`
	// Handlers lists handler file globs.
	Handlers []string `yaml:"handlers,omitempty" json:"handlers,omitempty"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// SocketConfig configures connection-level interception.
type SocketConfig struct {
	// PipeCapacity is the per-direction buffer of a socket shim in bytes.
	PipeCapacity int `yaml:"pipeCapacity" json:"pipeCapacity"`
	// LookupTimeout bounds the host lookup probe.
	LookupTimeout Duration `yaml:"lookupTimeout" json:"lookupTimeout"`
	// DialTimeout bounds real connections on passthrough.
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
	// ReplaySuppressed replays lookup failures on passthrough.
	ReplaySuppressed bool `yaml:"replaySuppressed" json:"replaySuppressed"`
}

// ResolutionConfig bounds request resolution.
type ResolutionConfig struct {
	// Timeout bounds one request from start to response headers. Zero
	// disables the bound.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Socket: SocketConfig{
			PipeCapacity:  64 << 10,
			LookupTimeout: Duration(5 * time.Second),
			DialTimeout:   Duration(30 * time.Second),
		},
		Resolution: ResolutionConfig{Timeout: Duration(30 * time.Second)},
	}
}
