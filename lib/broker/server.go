// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/controlledadmin/cacd/lib/clock"
	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/frame"
	"github.com/controlledadmin/cacd/lib/metrics"
	"github.com/controlledadmin/cacd/lib/peercred"
)

// ErrSocketInUse is returned when the socket path is held by a live
// listener or by something that is not a socket.
var ErrSocketInUse = errors.New("socket path in use")

// DefaultListenRetry is the pause between failed listener attempts.
const DefaultListenRetry = time.Second

// staleProbeTimeout bounds the dial used to tell a stale socket file
// from a live one.
const staleProbeTimeout = time.Second

// Dispatcher executes one request. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Execute(ctx context.Context, payload []byte, identity peercred.Identity) dispatch.Result
}

// ServerConfig holds the parameters for [NewServer]. SocketPath,
// Dispatcher, Resolver, and Logger are required.
type ServerConfig struct {
	SocketPath string

	// SocketMode is applied to the socket file after it is created.
	// Zero leaves the mode the umask produced.
	SocketMode os.FileMode

	// MaxSessions caps concurrent sessions. Values below 1 become 1.
	MaxSessions int

	// ListenRetry is the pause after a listener failure. Zero selects
	// DefaultListenRetry.
	ListenRetry time.Duration

	// Frame configures each session's codec.
	Frame frame.Options

	Dispatcher Dispatcher
	Resolver   peercred.Resolver

	// Clock drives the listener backoff and dispatch timing. Nil
	// selects clock.Real().
	Clock clock.Clock

	// Metrics may be nil.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Server accepts sessions on a Unix socket.
type Server struct {
	socketPath   string
	socketMode   os.FileMode
	maxSessions  int64
	listenRetry  time.Duration
	frameOptions frame.Options
	dispatcher   Dispatcher
	resolver     peercred.Resolver
	clock        clock.Clock
	metrics      *metrics.Metrics
	logger       *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	// attempted is closed after the first listener attempt, whether or
	// not it succeeded.
	attempted     chan struct{}
	attemptedOnce sync.Once

	// activeSessions tracks in-flight sessions. Serve waits for all of
	// them before returning.
	activeSessions sync.WaitGroup
}

// NewServer creates a server. Call Serve to start it.
func NewServer(config ServerConfig) *Server {
	server := &Server{
		socketPath:   config.SocketPath,
		socketMode:   config.SocketMode,
		maxSessions:  int64(config.MaxSessions),
		listenRetry:  config.ListenRetry,
		frameOptions: config.Frame,
		dispatcher:   config.Dispatcher,
		resolver:     config.Resolver,
		clock:        config.Clock,
		metrics:      config.Metrics,
		logger:       config.Logger,
		ready:        make(chan struct{}),
		attempted:    make(chan struct{}),
	}
	if server.maxSessions < 1 {
		server.maxSessions = 1
	}
	if server.listenRetry <= 0 {
		server.listenRetry = DefaultListenRetry
	}
	if server.clock == nil {
		server.clock = clock.Real()
	}
	return server
}

// Ready is closed the first time the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Attempted is closed once Serve has made its first attempt to create
// the listener. Ready is already closed at that point if the attempt
// succeeded.
func (s *Server) Attempted() <-chan struct{} {
	return s.attempted
}

// Serve runs the listener and accept loop until ctx is cancelled, then
// waits for in-flight sessions to finish and returns. Listener failures
// are logged and retried; they do not end Serve.
//
// Sessions dispatch with a context that is not cancelled by ctx: a
// script already running is allowed to complete.
func (s *Server) Serve(ctx context.Context) error {
	slots := semaphore.NewWeighted(s.maxSessions)

	for ctx.Err() == nil {
		listener, err := s.listen()
		if err == nil {
			s.readyOnce.Do(func() { close(s.ready) })
		}
		s.attemptedOnce.Do(func() { close(s.attempted) })
		if err != nil {
			s.metrics.ListenerFailed()
			s.logger.Error("creating listener failed",
				"path", s.socketPath,
				"error", err,
				"retry_in", s.listenRetry,
			)
			s.backoff(ctx)
			continue
		}

		s.logger.Info("listening",
			"path", s.socketPath,
			"max_sessions", s.maxSessions,
		)

		err = s.acceptLoop(ctx, listener, slots)
		// Closing a listener created by ListenUnix also unlinks the
		// socket file.
		listener.Close()
		if err != nil {
			s.metrics.ListenerFailed()
			s.logger.Error("listener failed",
				"path", s.socketPath,
				"error", err,
				"retry_in", s.listenRetry,
			)
			s.backoff(ctx)
		}
	}

	s.attemptedOnce.Do(func() { close(s.attempted) })
	s.activeSessions.Wait()
	s.logger.Info("server stopped", "path", s.socketPath)
	return nil
}

// acceptLoop accepts sessions until ctx is cancelled (returning nil) or
// the listener fails (returning the error).
func (s *Server) acceptLoop(ctx context.Context, listener *net.UnixListener, slots *semaphore.Weighted) error {
	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := listener.AcceptUnix()
		if err != nil {
			slots.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if isTransientAcceptError(err) {
				s.logger.Warn("accept failed, retrying", "error", err)
				s.backoff(ctx)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.activeSessions.Add(1)
		go func() {
			defer s.activeSessions.Done()
			defer slots.Release(1)
			s.handleSession(ctx, conn)
		}()
	}
}

// isTransientAcceptError reports whether Accept may succeed if simply
// retried on the same listener.
func isTransientAcceptError(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

// backoff waits ListenRetry or until ctx is cancelled.
func (s *Server) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.clock.After(s.listenRetry):
	}
}

// listen creates the Unix listener, replacing a stale socket file.
func (s *Server) listen() (*net.UnixListener, error) {
	if err := s.removeStaleSocket(); err != nil {
		return nil, err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	if s.socketMode != 0 {
		if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
			listener.Close()
			return nil, fmt.Errorf("setting mode on %s: %w", s.socketPath, err)
		}
	}
	return listener, nil
}

// removeStaleSocket removes a socket file nobody is serving. A socket
// that accepts a connection, or a path that is not a socket, is left
// alone and reported as ErrSocketInUse.
func (s *Server) removeStaleSocket() error {
	info, err := os.Lstat(s.socketPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", s.socketPath, err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%w: %s is not a socket", ErrSocketInUse, s.socketPath)
	}

	probe, err := net.DialTimeout("unix", s.socketPath, staleProbeTimeout)
	if err == nil {
		probe.Close()
		return fmt.Errorf("%w: %s has a live listener", ErrSocketInUse, s.socketPath)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("probing %s: %w", s.socketPath, err)
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	s.logger.Info("removed stale socket", "path", s.socketPath)
	return nil
}
