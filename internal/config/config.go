// Package config reads the optional shardctl YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// EnvPath names the config file when --config is not given.
const EnvPath = "SHARDSET_CONFIG"

// File mirrors shardset.yaml. Every field is optional.
type File struct {
	Root           string `yaml:"root"`
	MaxShardLength int64  `yaml:"max_shard_length"`
	Compression    string `yaml:"compression"`
	Codec          string `yaml:"codec"`
	// MaxSize is a human byte size such as "512MiB" or "2 GB".
	MaxSize  string `yaml:"max_size"`
	Workers  int    `yaml:"workers"`
	LogLevel string `yaml:"log_level"`

	// Source is the path the file was read from, empty if none.
	Source string `yaml:"-"`
}

// MaxSizeBytes parses MaxSize; empty means 0 (unbounded).
func (f File) MaxSizeBytes() (int64, error) {
	return ParseSize(f.MaxSize)
}

// ParseSize parses a human byte size; empty means 0.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: size %q: %w", s, err)
	}
	return int64(n), nil
}

// Load reads the config at path, falling back to $SHARDSET_CONFIG and then
// to shardset.yaml in the user config directory. A missing file at a
// fallback location is not an error and yields the zero File; a missing
// file at an explicit path is.
func Load(path string) (File, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPath)
		explicit = path != ""
	}
	if !explicit {
		dir, err := os.UserConfigDir()
		if err != nil {
			return File{}, nil
		}
		path = filepath.Join(dir, "shardset.yaml")
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if _, err := f.MaxSizeBytes(); err != nil {
		return File{}, err
	}
	f.Source = path
	log.Debugf("using config file: %s", path)
	return f, nil
}
