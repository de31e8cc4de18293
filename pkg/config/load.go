package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a rules file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q: use .yaml, .yml or .toml", filepath.Ext(path))
	}
}

// Load reads a rules file, resolves credential files relative to it,
// applies defaults and validates the result.
func Load(path string) (*Sharding, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.resolveCredentials(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration and applies defaults. It does not validate
// and does not read credential files.
func Parse(data []byte, format Format) (*Sharding, error) {
	cfg := &Sharding{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (s *Sharding) resolveCredentials(baseDir string) error {
	for name, ds := range s.DataSources {
		if ds == nil || ds.CredentialsFile == "" {
			continue
		}
		path := ds.CredentialsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		creds, err := loadCredentials(path)
		if err != nil {
			return fmt.Errorf("data source %q: %w", name, err)
		}
		dsn, err := creds.apply(ds.Driver, ds.DSN)
		if err != nil {
			return fmt.Errorf("data source %q: %w", name, err)
		}
		ds.DSN = dsn
	}
	return nil
}
