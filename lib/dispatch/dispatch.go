// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/controlledadmin/cacd/lib/binhash"
	"github.com/controlledadmin/cacd/lib/peercred"
	"github.com/controlledadmin/cacd/lib/registry"
	"github.com/controlledadmin/cacd/lib/script"
)

// MalformedRequestMessage is the CommandErrorMessage for a request that
// is not valid JSON or has no command.
const MalformedRequestMessage = "Malformed request JSON"

// Outcome classifies a dispatch result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeMalformed
	OutcomeNotFound
	OutcomeScriptMissing
	OutcomeScriptError
	OutcomeServerException
)

var outcomeNames = [...]string{
	OutcomeSuccess:         "success",
	OutcomeMalformed:       "malformed",
	OutcomeNotFound:        "not_found",
	OutcomeScriptMissing:   "script_missing",
	OutcomeScriptError:     "script_error",
	OutcomeServerException: "server_exception",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Request is the decoded request payload.
type Request struct {
	Command string   `json:"Command"`
	Args    []string `json:"Args"`
}

// Request field names. Matching is exact: a key that differs from one
// of these only in case is rejected rather than treated as an alias.
const (
	commandField = "Command"
	argsField    = "Args"
)

// ParseRequest decodes and validates a request payload. Args is never
// nil in a successfully parsed request. Invalid UTF-8 inside strings
// decodes as U+FFFD. Keys other than Command and Args are ignored
// unless they case-fold to one of them.
func ParseRequest(payload []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Request{}, err
	}
	for key := range fields {
		if key == commandField || key == argsField {
			continue
		}
		if strings.EqualFold(key, commandField) || strings.EqualFold(key, argsField) {
			return Request{}, fmt.Errorf("field %q does not match %q or %q exactly", key, commandField, argsField)
		}
	}

	var request Request
	raw, ok := fields[commandField]
	if !ok {
		return Request{}, errors.New("missing command")
	}
	if err := json.Unmarshal(raw, &request.Command); err != nil {
		return Request{}, fmt.Errorf("decoding %s: %w", commandField, err)
	}
	if request.Command == "" {
		return Request{}, errors.New("missing command")
	}
	if raw, ok := fields[argsField]; ok {
		if err := json.Unmarshal(raw, &request.Args); err != nil {
			return Request{}, fmt.Errorf("decoding %s: %w", argsField, err)
		}
	}
	if request.Args == nil {
		request.Args = []string{}
	}
	return request, nil
}

// MarshalRequest encodes request as a request payload. Nil Args are
// sent as an empty array.
func MarshalRequest(request Request) ([]byte, error) {
	if request.Args == nil {
		request.Args = []string{}
	}
	return marshal(request)
}

// Registry is the lookup the dispatcher needs. *registry.Registry
// implements it.
type Registry interface {
	Lookup(command string) (registry.Entry, bool)
}

// Result is the outcome of one Execute call.
type Result struct {
	Envelope Envelope
	Outcome  Outcome

	// Command is the requested command name, or "" if the request
	// could not be parsed.
	Command string
}

// Dispatcher executes requests against a registry and an engine. It
// holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	registry Registry
	engine   script.Engine
	logger   *slog.Logger
}

// New returns a Dispatcher.
func New(registry Registry, engine script.Engine, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		engine:   engine,
		logger:   logger,
	}
}

// Execute runs one request on behalf of identity. It always returns a
// Result with a non-nil Envelope.
func (d *Dispatcher) Execute(ctx context.Context, payload []byte, identity peercred.Identity) Result {
	request, err := ParseRequest(payload)
	if err != nil {
		d.logger.Debug("malformed request",
			"account", identity.Account,
			"error", err,
		)
		return Result{Envelope: ErrorEnvelope(MalformedRequestMessage), Outcome: OutcomeMalformed}
	}

	d.logger.Info("command requested",
		"command", request.Command,
		"account", identity.Account,
		"uid", identity.UID,
		"pid", identity.PID,
		"args", len(request.Args),
	)

	entry, ok := d.registry.Lookup(request.Command)
	if !ok {
		return Result{
			Envelope: ErrorEnvelope(fmt.Sprintf("Command '%s' not found", request.Command)),
			Outcome:  OutcomeNotFound,
			Command:  request.Command,
		}
	}

	if info, err := os.Stat(entry.Path); err != nil || !info.Mode().IsRegular() {
		d.logger.Warn("registered script missing",
			"command", request.Command,
			"path", entry.Path,
		)
		return Result{
			Envelope: ErrorEnvelope(fmt.Sprintf("Script file '%s' missing", entry.Script)),
			Outcome:  OutcomeScriptMissing,
			Command:  request.Command,
		}
	}

	digest, err := binhash.HashFile(binhash.DomainScript, entry.Path)
	if err != nil {
		return Result{
			Envelope: ErrorEnvelope(fmt.Sprintf("Script file '%s' missing", entry.Script)),
			Outcome:  OutcomeScriptMissing,
			Command:  request.Command,
		}
	}
	d.logger.Info("running script",
		"command", request.Command,
		"account", identity.Account,
		"script", entry.Script,
		"script_digest", digest.String(),
	)

	result := d.invoke(ctx, entry, request, identity)
	result.Command = request.Command
	return result
}

// invoke runs the engine and normalizes its output. Engine errors,
// unusable output, and panics all become server exceptions.
func (d *Dispatcher) invoke(ctx context.Context, entry registry.Entry, request Request, identity peercred.Identity) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = d.serverException(entry, fmt.Errorf("panic: %v", recovered))
		}
	}()

	output, err := d.engine.Run(ctx, entry.Path, script.Params{
		RequestingUser: identity.Account,
		CommandArgs:    request.Args,
	})
	if err != nil {
		return d.serverException(entry, err)
	}

	if len(output.Errors) > 0 {
		messages := make([]string, len(output.Errors))
		for i, record := range output.Errors {
			messages[i] = record.Message
		}
		return Result{
			Envelope: ErrorEnvelope(strings.Join(messages, "\n")),
			Outcome:  OutcomeScriptError,
		}
	}

	data := bytes.TrimSpace(output.JSON)
	if len(data) == 0 {
		data = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return d.serverException(entry, fmt.Errorf("decoding script output: %w", err))
	}
	if fields == nil {
		return d.serverException(entry, errors.New("decoding script output: output is not a JSON object"))
	}

	envelope := Envelope(fields)
	envelope.setStatus(false, "")
	return Result{Envelope: envelope, Outcome: OutcomeSuccess}
}

func (d *Dispatcher) serverException(entry registry.Entry, err error) Result {
	d.logger.Error("server exception",
		"command", entry.Command,
		"script", entry.Path,
		"error", err,
	)
	return Result{
		Envelope: ErrorEnvelope("Server exception: " + err.Error()),
		Outcome:  OutcomeServerException,
	}
}
