// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package script runs registered scripts on behalf of callers.
//
// [Engine] is the narrow contract the dispatcher depends on: given a
// script path and the caller's parameters, produce either one JSON
// document or one or more error records. An error return from Run is
// reserved for faults of the engine itself (the script could not be
// started, its output overflowed), which the dispatcher reports as
// server exceptions.
//
// [Runner] implements Engine with a subprocess per invocation:
//
//   - The requesting user is passed in CAC_REQUESTING_USER and the
//     command arguments as positional arguments (and as a JSON array in
//     CAC_COMMAND_ARGS, for scripts that prefer structured input).
//   - Stdout is the script's JSON result. Empty stdout means {}.
//   - A non-zero exit status produces error records: one per non-empty
//     stderr line, or a single "script exited with status N" record.
//   - Stderr from a successful run is logged, not reported.
//
// Permissive execution: a script without the executable bit, or one
// the kernel refuses to exec (no shebang line), is run through the
// configured interpreter for that single invocation. Operators do not
// have to chmod scripts, and nothing about the script file changes.
//
// The script runs in its own process group with a minimal fixed
// environment and its own directory as the working directory.
package script
