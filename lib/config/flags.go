// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/spf13/pflag"
)

// Flags holds the command-line layer. Only flags the user actually set
// override the loaded configuration.
type Flags struct {
	set *pflag.FlagSet

	configFile    string
	baseDir       string
	socketPath    string
	socketMode    string
	maxClients    int
	readTimeout   int
	writeTimeout  int
	interpreter   string
	metricsListen string
	logLevel      string
	logFormat     string
}

// RegisterFlags adds the daemon's configuration flags to set.
func RegisterFlags(set *pflag.FlagSet) *Flags {
	flags := &Flags{set: set}
	set.StringVar(&flags.configFile, "config", "", "YAML config file (default $"+EnvConfigFile+")")
	set.StringVar(&flags.baseDir, "base-dir", "", "directory holding the registry and scripts (default: executable directory)")
	set.StringVar(&flags.socketPath, "socket", DefaultSocketPath, "Unix socket path")
	set.StringVar(&flags.socketMode, "socket-mode", DefaultSocketMode, "octal permissions for the socket file")
	set.IntVar(&flags.maxClients, "max-clients", DefaultMaxClients, "maximum concurrent sessions")
	set.IntVar(&flags.readTimeout, "read-timeout-ms", DefaultTimeoutMS, "per-read timeout in milliseconds")
	set.IntVar(&flags.writeTimeout, "write-timeout-ms", DefaultTimeoutMS, "per-write timeout in milliseconds")
	set.StringVar(&flags.interpreter, "interpreter", DefaultInterpreter, "interpreter for scripts without the executable bit")
	set.StringVar(&flags.metricsListen, "metrics-listen", "", "address for the Prometheus metrics endpoint (empty disables)")
	set.StringVar(&flags.logLevel, "log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	set.StringVar(&flags.logFormat, "log-format", DefaultLogFormat, "log format (json or text)")
	return flags
}

// ConfigFile returns the --config value.
func (f *Flags) ConfigFile() string {
	return f.configFile
}

// Apply overlays every flag that was set on the command line.
func (f *Flags) Apply(config *Config) {
	if f.set.Changed("base-dir") {
		config.BaseDir = f.baseDir
	}
	if f.set.Changed("socket") {
		config.SocketPath = f.socketPath
	}
	if f.set.Changed("socket-mode") {
		config.SocketMode = f.socketMode
	}
	if f.set.Changed("max-clients") {
		config.MaxClients = f.maxClients
	}
	if f.set.Changed("read-timeout-ms") {
		config.ReadTimeoutMS = f.readTimeout
	}
	if f.set.Changed("write-timeout-ms") {
		config.WriteTimeoutMS = f.writeTimeout
	}
	if f.set.Changed("interpreter") {
		config.Interpreter = f.interpreter
	}
	if f.set.Changed("metrics-listen") {
		config.MetricsListen = f.metricsListen
	}
	if f.set.Changed("log-level") {
		config.LogLevel = f.logLevel
	}
	if f.set.Changed("log-format") {
		config.LogFormat = f.logFormat
	}
}
