// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// environmentValues holds the raw environment layer. Every field is a
// string so a bad value never fails the whole parse; conversion happens
// per field in applyEnvironment.
type environmentValues struct {
	BaseDir           string `env:"DAEMON_DIR"`
	SocketPath        string `env:"SOCKET"`
	SocketMode        string `env:"SOCKET_MODE"`
	RegistryFile      string `env:"REGISTRY"`
	ScriptsDir        string `env:"SCRIPTS_DIR"`
	RegistryDigest    string `env:"REGISTRY_DIGEST"`
	ReadTimeout       string `env:"READ_TIMEOUT"`
	WriteTimeout      string `env:"WRITE_TIMEOUT"`
	MaxClients        string `env:"MAX_CLIENTS"`
	MaxFrameBytes     string `env:"MAX_FRAME_BYTES"`
	ListenRetry       string `env:"LISTEN_RETRY"`
	Interpreter       string `env:"INTERPRETER"`
	InterpreterAlways string `env:"INTERPRETER_ALWAYS"`
	MetricsListen     string `env:"METRICS_LISTEN"`
	LogLevel          string `env:"LOG_LEVEL"`
	LogFormat         string `env:"LOG_FORMAT"`
}

func processEnvironment() map[string]string {
	environment := make(map[string]string)
	for _, entry := range os.Environ() {
		if name, value, ok := strings.Cut(entry, "="); ok {
			environment[name] = value
		}
	}
	return environment
}

// applyEnvironment overlays CONTROLLED_ADMIN_COMMAND_* variables.
func (c *Config) applyEnvironment(environment map[string]string) error {
	var values environmentValues
	if err := env.ParseWithOptions(&values, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	setString(&c.BaseDir, values.BaseDir)
	setString(&c.SocketPath, values.SocketPath)
	setString(&c.SocketMode, values.SocketMode)
	setString(&c.RegistryFile, values.RegistryFile)
	setString(&c.ScriptsDir, values.ScriptsDir)
	setString(&c.RegistryDigest, values.RegistryDigest)
	setString(&c.Interpreter, values.Interpreter)
	setString(&c.MetricsListen, values.MetricsListen)
	setString(&c.LogLevel, values.LogLevel)
	setString(&c.LogFormat, values.LogFormat)

	c.setInt(&c.ReadTimeoutMS, "READ_TIMEOUT", values.ReadTimeout)
	c.setInt(&c.WriteTimeoutMS, "WRITE_TIMEOUT", values.WriteTimeout)
	c.setInt(&c.MaxClients, "MAX_CLIENTS", values.MaxClients)
	c.setInt(&c.MaxFrameBytes, "MAX_FRAME_BYTES", values.MaxFrameBytes)
	c.setInt(&c.ListenRetryMS, "LISTEN_RETRY", values.ListenRetry)

	if values.InterpreterAlways != "" {
		always, err := strconv.ParseBool(values.InterpreterAlways)
		if err != nil {
			c.warnIgnored("INTERPRETER_ALWAYS", values.InterpreterAlways)
		} else {
			c.InterpreterAlways = always
		}
	}
	return nil
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) setInt(target *int, name, value string) {
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		c.warnIgnored(name, value)
		return
	}
	*target = parsed
}

func (c *Config) warnIgnored(name, value string) {
	c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s%s=%q: not a valid value", EnvPrefix, name, value))
}
