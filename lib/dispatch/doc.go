// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch turns one request payload into one response
// envelope.
//
// [Dispatcher.Execute] validates the request, resolves the command in
// the registry, checks that the script exists, runs it through a
// [script.Engine], and normalizes whatever happened into an
// [Envelope]. Every outcome, including engine faults and panics, is an
// envelope: nothing escapes to the session. The [Outcome] on the
// returned [Result] tells the caller which kind of answer it is
// without inspecting the envelope.
//
// The envelope always carries the two reserved keys CommandError and
// CommandErrorMessage. On success the script's top-level keys are
// merged in first and the reserved keys are then forced to false and
// "", so a script cannot report its own framework-level error state.
package dispatch
