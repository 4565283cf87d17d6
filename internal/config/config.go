// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the defaults of the ziparchive command. Values come
// from built-in defaults, an optional TOML file and ZIPARCHIVE_* environment
// variables, in that order. Command-line flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/lemon4ksan/ziparchive"
)

// EnvPrefix is the prefix of environment overrides, e.g. ZIPARCHIVE_USE_AES.
const EnvPrefix = "ZIPARCHIVE"

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type Config struct {
	CompressionLevel    string `toml:"compression_level" envconfig:"COMPRESSION_LEVEL"`
	UseAES              bool   `toml:"use_aes" envconfig:"USE_AES"`
	Overwrite           bool   `toml:"overwrite" envconfig:"OVERWRITE"`
	PreserveAttributes  bool   `toml:"preserve_attributes" envconfig:"PRESERVE_ATTRIBUTES"`
	KeepParentDirectory bool   `toml:"keep_parent_directory" envconfig:"KEEP_PARENT_DIRECTORY"`
	BufferSize          string `toml:"buffer_size" envconfig:"BUFFER_SIZE"`
	LogLevel            string `toml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat           string `toml:"log_format" envconfig:"LOG_FORMAT"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		CompressionLevel:   "default",
		UseAES:             true,
		PreserveAttributes: true,
		BufferSize:         units.BytesSize(ziparchive.DefaultBufferSize),
		LogLevel:           logrus.InfoLevel.String(),
		LogFormat:          LogFormatText,
	}
}

// Load applies the TOML file at path (skipped when empty or missing) and then
// the environment on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if err := c.LoadFile(path); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile decodes the TOML file at path into c. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logrus.WithField("config", path).Warningf("Unknown config keys: %v", undecoded)
	}
	return nil
}

// Validate checks the values that cannot fall back silently.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("log_format: unknown format %q", c.LogFormat)
	}
	if _, err := c.BufferBytes(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured compression level.
func (c *Config) Level() int {
	return ParseCompressionLevel(c.CompressionLevel)
}

// BufferBytes parses buffer_size, e.g. "64KiB" or "1m".
func (c *Config) BufferBytes() (int, error) {
	if c.BufferSize == "" {
		return ziparchive.DefaultBufferSize, nil
	}
	n, err := units.RAMInBytes(c.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("buffer_size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("buffer_size: %q must be positive", c.BufferSize)
	}
	return int(n), nil
}

// ConfigureLogger applies log_level and log_format to l.
func (c *Config) ConfigureLogger(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if c.LogFormat == LogFormatJSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return nil
}

// ParseCompressionLevel accepts a level name or a number 0..9. Anything
// else logs a warning and selects the default level.
func ParseCompressionLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fastest":
		return ziparchive.DeflateSuperFast
	case "fast":
		return ziparchive.DeflateFast
	case "default", "":
		return ziparchive.DefaultCompression
	case "slow":
		return ziparchive.DeflateNormal + 1
	case "slowest":
		return ziparchive.DeflateMaximum
	}

	if n, err := strconv.Atoi(name); err == nil && n >= ziparchive.NoCompression && n <= ziparchive.DeflateMaximum {
		return n
	}

	logrus.Warningf("compression level %q is invalid, falling back to default", name)
	return ziparchive.DefaultCompression
}
