// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration.
//
// Values are layered, each layer overriding the one before it:
//
//   - [Default] -- built-in defaults
//   - a YAML file, named by --config or CONTROLLED_ADMIN_COMMAND_CONFIG
//   - CONTROLLED_ADMIN_COMMAND_* environment variables
//   - command-line flags registered with [RegisterFlags]
//
// A numeric environment value that does not parse is ignored and the
// value from the previous layer is kept; [Config].Warnings records it
// so the binary can log it once a logger exists. After layering,
// [Config].Normalize clamps out-of-range values and [Config].Validate
// reports anything that cannot be clamped.
//
// Relative registry and scripts paths resolve against BaseDir, which
// defaults to the directory holding the daemon executable.
package config
