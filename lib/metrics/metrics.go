// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the daemon's Prometheus collectors and the
// optional HTTP endpoint that exposes them.
//
// A nil *Metrics is valid and records nothing, so library code calls
// the recording methods unconditionally.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cacd"

// Session outcomes that never reach the dispatcher. Dispatched sessions
// are labelled with the dispatch outcome name.
const (
	OutcomeClientClosed  = "client_closed"
	OutcomeReadError     = "read_error"
	OutcomeIdentityError = "identity_error"
	OutcomeWriteError    = "write_error"
)

// UnregisteredCommand labels dispatch latency for requests that named
// no registered command. Caller-supplied names are never used as label
// values.
const UnregisteredCommand = "-"

// Metrics is the daemon's collector set.
type Metrics struct {
	registry *prometheus.Registry

	sessions         *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	dispatchDuration *prometheus.HistogramVec
	listenerFailures prometheus.Counter
}

// New creates the collectors on a dedicated registry, together with
// the Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Completed sessions by outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently holding an admission slot.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from request decode to response envelope, by command.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 120},
		}, []string{"command"}),
		listenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Failed attempts to create or keep the listening socket.",
		}),
	}
	registry.MustRegister(
		metrics.sessions,
		metrics.activeSessions,
		metrics.dispatchDuration,
		metrics.listenerFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionFinished decrements the active session gauge and counts the
// session under outcome.
func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessions.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records how long one dispatch took.
func (m *Metrics) ObserveDispatch(command string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ListenerFailed counts a listener construction or accept failure.
func (m *Metrics) ListenerFailed() {
	if m == nil {
		return
	}
	m.listenerFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes /metrics over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Listen binds address and starts serving m.Handler at /metrics.
func Listen(address string, m *Metrics, logger *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(server.done)
		if err := server.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "address", listener.Addr().String())
	return server, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	<-s.done
	if err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}
