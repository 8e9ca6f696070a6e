// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/controlledadmin/cacd/lib/clock"
	"github.com/controlledadmin/cacd/lib/config"
	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/frame"
	"github.com/controlledadmin/cacd/lib/metrics"
	"github.com/controlledadmin/cacd/lib/peercred"
	"github.com/controlledadmin/cacd/lib/registry"
	"github.com/controlledadmin/cacd/lib/script"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("daemon already started")

	// ErrRegistryDigestMismatch is returned by Start when the registry
	// file does not match the configured registry_digest.
	ErrRegistryDigestMismatch = errors.New("command registry does not match pinned digest")
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithClock sets the clock used for listener backoff.
func WithClock(c clock.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithResolver replaces the SO_PEERCRED identity resolver.
func WithResolver(resolver peercred.Resolver) Option {
	return func(d *Daemon) { d.resolver = resolver }
}

// WithEngine replaces the subprocess script engine.
func WithEngine(engine script.Engine) Option {
	return func(d *Daemon) { d.engine = engine }
}

// Daemon is the broker's lifecycle: it owns the registry, dispatcher,
// and server, and the background goroutine running the server.
type Daemon struct {
	config   *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	resolver peercred.Resolver
	engine   script.Engine

	ready chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	stopOnce sync.Once
}

// NewDaemon returns a daemon for cfg. Nothing happens until Start.
func NewDaemon(cfg *config.Config, options ...Option) *Daemon {
	d := &Daemon{
		config: cfg,
		ready:  make(chan struct{}),
	}
	for _, option := range options {
		option(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.resolver == nil {
		d.resolver = peercred.SocketResolver{}
	}
	if d.engine == nil {
		d.engine = script.NewRunner(script.Options{
			Interpreter:     cfg.Interpreter,
			AlwaysInterpret: cfg.InterpreterAlways,
			Logger:          d.logger,
		})
	}
	return d
}

// Start loads the command registry, starts serving in the background,
// and returns once the first listener attempt has completed. When that
// attempt succeeds the socket is accepting connections by the time
// Start returns. When it fails, Start still returns nil and the server
// keeps retrying; Ready reports when it comes up. A registry fault is
// returned and nothing is started.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyStarted
	}

	commands, err := registry.Load(d.config.RegistryPath(), d.config.ScriptsPath())
	if err != nil {
		return fmt.Errorf("loading command registry: %w", err)
	}
	pinned, ok, err := d.config.PinnedRegistryDigest()
	if err != nil {
		return err
	}
	if ok && pinned != commands.Digest() {
		return fmt.Errorf("%w: %s is %s, want %s", ErrRegistryDigestMismatch,
			d.config.RegistryPath(), commands.Digest(), pinned)
	}
	socketMode, err := d.config.SocketFileMode()
	if err != nil {
		return err
	}

	server := NewServer(ServerConfig{
		SocketPath:  d.config.SocketPath,
		SocketMode:  socketMode,
		MaxSessions: d.config.MaxClients,
		ListenRetry: d.config.ListenRetry(),
		Frame: frame.Options{
			ReadTimeout:  d.config.ReadTimeout(),
			WriteTimeout: d.config.WriteTimeout(),
			MaxFrameSize: d.config.MaxFrameBytes,
		},
		Dispatcher: dispatch.New(commands, d.engine, d.logger),
		Resolver:   d.resolver,
		Clock:      d.clock,
		Metrics:    d.metrics,
		Logger:     d.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.started = true
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		if err := server.Serve(ctx); err != nil {
			d.logger.Error("server exited", "error", err)
		}
	}()

	<-server.Attempted()

	listening := false
	select {
	case <-server.Ready():
		listening = true
		close(d.ready)
	default:
		go func() {
			select {
			case <-server.Ready():
				close(d.ready)
			case <-ctx.Done():
			}
		}()
	}
	d.logger.Info("daemon started",
		"registry", d.config.RegistryPath(),
		"scripts_dir", commands.ScriptsDir(),
		"commands", commands.Names(),
		"registry_digest", commands.Digest().String(),
		"socket", d.config.SocketPath,
		"listening", listening,
	)
	return nil
}

// Stop cancels the server and waits for in-flight sessions. It is safe
// to call more than once and before Start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	started, cancel, done := d.started, d.cancel, d.done
	d.mu.Unlock()
	if !started {
		return
	}

	d.stopOnce.Do(func() {
		cancel()
		<-done
		d.logger.Info("daemon stopped")
	})
}

// Ready is closed once the daemon is accepting connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}
