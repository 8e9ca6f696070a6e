// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/frame"
	"github.com/controlledadmin/cacd/lib/metrics"
	"github.com/controlledadmin/cacd/lib/netutil"
)

// handleSession runs one request-response cycle and closes conn.
func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("session_id", uuid.NewString())
	s.metrics.SessionStarted()
	outcome := metrics.OutcomeReadError
	defer func() { s.metrics.SessionFinished(outcome) }()

	codec := frame.New(conn, s.frameOptions)

	payload, err := codec.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			outcome = metrics.OutcomeClientClosed
			logger.Info("client closed without sending a request")
			return
		}
		logSessionError(logger, "reading request failed", err)
		return
	}
	logger.Debug("request frame read", "bytes", len(payload))

	identity, err := s.resolver.Resolve(conn)
	if err != nil {
		outcome = metrics.OutcomeIdentityError
		logger.Warn("resolving peer identity failed, closing without response", "error", err)
		return
	}
	logger = logger.With("account", identity.Account, "uid", identity.UID)
	logger.Debug("peer identity resolved", "pid", identity.PID)

	started := s.clock.Now()
	result := s.dispatcher.Execute(context.WithoutCancel(ctx), payload, identity)
	s.metrics.ObserveDispatch(commandLabel(result), s.clock.Now().Sub(started))

	response, err := result.Envelope.Marshal()
	if err != nil {
		logger.Error("encoding response failed", "command", result.Command, "error", err)
		result.Outcome = dispatch.OutcomeServerException
		response, _ = dispatch.ErrorEnvelope("Server exception: " + err.Error()).Marshal()
	}

	if err := codec.WriteFrame(response); err != nil {
		outcome = metrics.OutcomeWriteError
		logSessionError(logger, "writing response failed", err)
		return
	}

	outcome = result.Outcome.String()
	logger.Info("request completed",
		"command", result.Command,
		"outcome", outcome,
	)
}

// logSessionError logs a transport fault. A peer that simply went away
// is routine and logged at debug.
func logSessionError(logger *slog.Logger, message string, err error) {
	if netutil.IsExpectedCloseError(err) {
		logger.Debug(message, "error", err)
		return
	}
	logger.Warn(message, "error", err, "timeout", netutil.IsTimeout(err))
}

// commandLabel is the metrics label for a dispatch: the command name
// when it named a registered command, UnregisteredCommand otherwise.
func commandLabel(result dispatch.Result) string {
	switch result.Outcome {
	case dispatch.OutcomeMalformed, dispatch.OutcomeNotFound:
		return metrics.UnregisteredCommand
	}
	return result.Command
}
