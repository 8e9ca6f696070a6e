// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cacd is the controlled admin command daemon. It listens on a Unix
// socket, identifies each caller from the socket's peer credentials,
// and runs the operator-registered script the caller names, returning
// the script's JSON result.
//
// Configuration layers defaults, an optional YAML file (--config),
// CONTROLLED_ADMIN_COMMAND_* environment variables, and flags. The
// daemon runs until SIGINT or SIGTERM, then stops accepting and waits
// for in-flight requests to finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/controlledadmin/cacd/lib/broker"
	"github.com/controlledadmin/cacd/lib/config"
	"github.com/controlledadmin/cacd/lib/metrics"
	"github.com/controlledadmin/cacd/lib/process"
	"github.com/controlledadmin/cacd/lib/version"
)

// metricsShutdownTimeout bounds the wait for in-flight scrapes.
const metricsShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("cacd", pflag.ContinueOnError)
	flags := config.RegisterFlags(flagSet)
	showVersion := flagSet.Bool("version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.ExitError{Code: 2, Err: err}
	}
	if *showVersion {
		version.Print(os.Stdout, "cacd")
		return nil
	}
	if flagSet.NArg() > 0 {
		return &process.ExitError{Code: 2, Err: fmt.Errorf("unexpected arguments: %v", flagSet.Args())}
	}

	cfg, err := config.Load(config.LoadOptions{ConfigFile: flags.ConfigFile()})
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	flags.Apply(cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collectors := metrics.New()
	if cfg.MetricsListen != "" {
		metricsServer, err := metrics.Listen(cfg.MetricsListen, collectors, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	daemon := broker.NewDaemon(cfg,
		broker.WithLogger(logger),
		broker.WithMetrics(collectors),
	)
	if err := daemon.Start(); err != nil {
		return err
	}
	select {
	case <-daemon.Ready():
	default:
		logger.Warn("socket not available yet, retrying in the background",
			"socket", cfg.SocketPath,
		)
	}
	logger.Info("cacd running",
		"version", version.Info(),
		"pid", os.Getpid(),
		"base_dir", cfg.BaseDir,
		"max_clients", cfg.MaxClients,
	)

	<-ctx.Done()
	logger.Info("shutdown requested, waiting for in-flight requests")
	daemon.Stop()
	return nil
}

// newLogger builds the process logger from the log_level and
// log_format settings.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, options)), nil
	}
	return slog.New(slog.NewJSONHandler(w, options)), nil
}
