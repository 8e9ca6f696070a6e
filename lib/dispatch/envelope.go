// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Reserved envelope keys, owned by the broker.
const (
	KeyCommandError        = "CommandError"
	KeyCommandErrorMessage = "CommandErrorMessage"
)

// Envelope is a response object: top-level key to JSON value. It
// marshals with keys in sorted order.
type Envelope map[string]json.RawMessage

// ErrorEnvelope returns {CommandError: true, CommandErrorMessage: message}.
func ErrorEnvelope(message string) Envelope {
	envelope := make(Envelope, 2)
	envelope.setStatus(true, message)
	return envelope
}

// setStatus writes the two reserved keys, replacing any existing values.
func (e Envelope) setStatus(failed bool, message string) {
	e[KeyCommandError] = mustMarshal(failed)
	e[KeyCommandErrorMessage] = mustMarshal(message)
}

// CommandError reports the envelope's CommandError value. A missing or
// non-boolean value counts as an error.
func (e Envelope) CommandError() bool {
	var failed bool
	if err := json.Unmarshal(e[KeyCommandError], &failed); err != nil {
		return true
	}
	return failed
}

// Message returns CommandErrorMessage, or "" if absent.
func (e Envelope) Message() string {
	var message string
	_ = json.Unmarshal(e[KeyCommandErrorMessage], &message)
	return message
}

// Marshal encodes the envelope as a compact JSON object. HTML
// characters are not escaped: the payload is never embedded in HTML.
func (e Envelope) Marshal() ([]byte, error) {
	return marshal(map[string]json.RawMessage(e))
}

// ParseEnvelope decodes a response payload.
func ParseEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if envelope == nil {
		return nil, errors.New("response is not a JSON object")
	}
	return envelope, nil
}

func marshal(value any) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}

func mustMarshal(value any) json.RawMessage {
	data, err := marshal(value)
	if err != nil {
		// Only called with bools and strings.
		panic(err)
	}
	return data
}
