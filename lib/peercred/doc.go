// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peercred resolves the operating-system identity of the
// process on the other end of a Unix domain socket.
//
// Identity comes from the kernel (SO_PEERCRED), never from anything
// the peer sends. The broker calls [Resolver.Resolve] exactly once per
// session, after reading the request and before dispatching it; a
// resolution failure ends the session without a response.
//
// On platforms without SO_PEERCRED support every resolution fails with
// [ErrUnsupported].
package peercred
