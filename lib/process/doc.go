// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the daemon and
// client binaries: reporting the error returned by run() to stderr
// (the structured logger may not exist yet) and choosing the exit code.
package process
