// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/controlledadmin/cacd/lib/binhash"
)

// EnvPrefix prefixes every environment variable the daemon reads.
const EnvPrefix = "CONTROLLED_ADMIN_COMMAND_"

// EnvConfigFile names the YAML config file when --config is absent.
const EnvConfigFile = EnvPrefix + "CONFIG"

// Defaults.
const (
	DefaultSocketPath    = "/run/controlled-admin-command.sock"
	DefaultSocketMode    = "0666"
	DefaultRegistryFile  = "Scripts.json"
	DefaultScriptsDir    = "Scripts"
	DefaultTimeoutMS     = 10000
	DefaultMaxClients    = 10
	DefaultMaxFrameBytes = 1024 * 1024
	DefaultListenRetryMS = 1000
	DefaultInterpreter   = "/bin/sh"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

// Config is the daemon configuration.
type Config struct {
	// BaseDir anchors relative RegistryFile and ScriptsDir paths.
	BaseDir string `yaml:"base_dir"`

	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string `yaml:"socket_path"`

	// SocketMode is the octal permission applied to the socket file.
	// The default 0666 lets any local account connect; the registry is
	// what limits what a caller can do.
	SocketMode string `yaml:"socket_mode"`

	RegistryFile string `yaml:"registry_file"`
	ScriptsDir   string `yaml:"scripts_dir"`

	// RegistryDigest pins the registry file to a known fingerprint, in
	// the hex form the daemon logs at startup. Empty accepts any file.
	RegistryDigest string `yaml:"registry_digest"`

	// ReadTimeoutMS and WriteTimeoutMS bound each individual socket
	// read and write.
	ReadTimeoutMS  int `yaml:"read_timeout_ms"`
	WriteTimeoutMS int `yaml:"write_timeout_ms"`

	// MaxClients caps concurrent sessions. Values below 1 become 1.
	MaxClients int `yaml:"max_clients"`

	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// ListenRetryMS is the pause between failed listener attempts.
	ListenRetryMS int `yaml:"listen_retry_ms"`

	// Interpreter runs scripts without the executable bit, or every
	// script when InterpreterAlways is set.
	Interpreter       string `yaml:"interpreter"`
	InterpreterAlways bool   `yaml:"interpreter_always"`

	// MetricsListen is the address for the Prometheus endpoint. Empty
	// disables it.
	MetricsListen string `yaml:"metrics_listen"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Warnings lists ignored environment values.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in configuration. BaseDir is the directory
// of the running executable, or the working directory if that cannot
// be determined.
func Default() *Config {
	return &Config{
		BaseDir:        executableDir(),
		SocketPath:     DefaultSocketPath,
		SocketMode:     DefaultSocketMode,
		RegistryFile:   DefaultRegistryFile,
		ScriptsDir:     DefaultScriptsDir,
		ReadTimeoutMS:  DefaultTimeoutMS,
		WriteTimeoutMS: DefaultTimeoutMS,
		MaxClients:     DefaultMaxClients,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		ListenRetryMS:  DefaultListenRetryMS,
		Interpreter:    DefaultInterpreter,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
	}
}

func executableDir() string {
	executable, err := os.Executable()
	if err == nil {
		if resolved, err := filepath.EvalSymlinks(executable); err == nil {
			executable = resolved
		}
		return filepath.Dir(executable)
	}
	directory, err := os.Getwd()
	if err != nil {
		return "."
	}
	return directory
}

// LoadOptions controls Load.
type LoadOptions struct {
	// ConfigFile is the YAML file to read. Empty falls back to the
	// CONTROLLED_ADMIN_COMMAND_CONFIG variable; if that is also empty
	// no file is read.
	ConfigFile string

	// Environment replaces the process environment. Nil reads the
	// process environment.
	Environment map[string]string
}

// Load layers defaults, the config file, and the environment, then
// normalizes and validates the result. Flags are applied by the caller
// afterwards with [Flags.Apply], followed by another Normalize and
// Validate.
func Load(options LoadOptions) (*Config, error) {
	environment := options.Environment
	if environment == nil {
		environment = processEnvironment()
	}

	config := Default()

	path := options.ConfigFile
	if path == "" {
		path = environment[EnvConfigFile]
	}
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnvironment(environment); err != nil {
		return nil, err
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadFile merges a YAML file into the config. Keys absent from the
// file keep their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Normalize clamps values the daemon can correct on its own.
func (c *Config) Normalize() {
	if c.MaxClients < 1 {
		c.MaxClients = 1
	}
	if c.ReadTimeoutMS <= 0 {
		c.ReadTimeoutMS = DefaultTimeoutMS
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = DefaultTimeoutMS
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.ListenRetryMS <= 0 {
		c.ListenRetryMS = DefaultListenRetryMS
	}
	if c.Interpreter == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.SocketMode == "" {
		c.SocketMode = DefaultSocketMode
	}
	if c.RegistryFile == "" {
		c.RegistryFile = DefaultRegistryFile
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = DefaultScriptsDir
	}
}

// Validate reports configuration errors that Normalize cannot fix.
func (c *Config) Validate() error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base_dir is required"))
	}
	if _, err := c.SocketFileMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.RegistryDigest != "" {
		if _, err := binhash.ParseDigest(c.RegistryDigest); err != nil {
			errs = append(errs, fmt.Errorf("registry_digest: %w", err))
		}
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// PinnedRegistryDigest returns the parsed RegistryDigest and whether
// one is configured.
func (c *Config) PinnedRegistryDigest() (binhash.Digest, bool, error) {
	if c.RegistryDigest == "" {
		return binhash.Digest{}, false, nil
	}
	digest, err := binhash.ParseDigest(c.RegistryDigest)
	if err != nil {
		return binhash.Digest{}, false, fmt.Errorf("registry_digest: %w", err)
	}
	return digest, true, nil
}

// RegistryPath is RegistryFile resolved against BaseDir.
func (c *Config) RegistryPath() string {
	return c.resolve(c.RegistryFile)
}

// ScriptsPath is ScriptsDir resolved against BaseDir.
func (c *Config) ScriptsPath() string {
	return c.resolve(c.ScriptsDir)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// ReadTimeout returns ReadTimeoutMS as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns WriteTimeoutMS as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// ListenRetry returns ListenRetryMS as a duration.
func (c *Config) ListenRetry() time.Duration {
	return time.Duration(c.ListenRetryMS) * time.Millisecond
}

// SocketFileMode parses SocketMode as octal permission bits.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("socket_mode must be octal permission bits, got %q", c.SocketMode)
	}
	return os.FileMode(mode), nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
