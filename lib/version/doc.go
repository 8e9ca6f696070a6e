// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the cacd and
// cac binaries. [GitCommit], [BuildTime], and [Version] are injected at
// build time via -ldflags -X and default to "unknown" / "0.1.0-dev".
package version
