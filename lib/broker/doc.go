// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker serves the command broker on a Unix socket.
//
// [Server] owns the listening socket and admission control: at most
// MaxSessions sessions run at once, and a slot is acquired before
// Accept is called, so an accepted connection never waits for one.
// Each accepted connection is one session: read one request frame,
// resolve the peer's identity from the socket, dispatch, write one
// response frame, close. A session whose identity cannot be resolved
// is closed without a response.
//
// Listener failures never stop the server. A stale socket file left by
// a dead daemon is removed; a socket another process is still serving
// is a collision. Either failure is logged and retried after
// ListenRetry.
//
// [Daemon] is the lifecycle wrapper the binary uses: Start loads the
// command registry and launches the server in the background; Stop
// cancels it and waits for in-flight sessions to finish.
package broker
