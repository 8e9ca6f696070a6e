// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/controlledadmin/cacd/lib/dispatch"
)

func TestPrintEnvelope(t *testing.T) {
	envelope := dispatch.Envelope{
		"CommandError":        []byte("false"),
		"CommandErrorMessage": []byte(`""`),
		"Users":               []byte(`["a","b"]`),
	}

	var compact bytes.Buffer
	if err := printEnvelope(&compact, envelope, false); err != nil {
		t.Fatalf("printEnvelope: %v", err)
	}
	if want := `{"CommandError":false,"CommandErrorMessage":"","Users":["a","b"]}` + "\n"; compact.String() != want {
		t.Fatalf("compact output = %q, want %q", compact.String(), want)
	}

	var pretty bytes.Buffer
	if err := printEnvelope(&pretty, envelope, true); err != nil {
		t.Fatalf("printEnvelope: %v", err)
	}
	want := "{\n  \"CommandError\": false,\n  \"CommandErrorMessage\": \"\",\n  \"Users\": [\n    \"a\",\n    \"b\"\n  ]\n}\n"
	if pretty.String() != want {
		t.Fatalf("pretty output = %q, want %q", pretty.String(), want)
	}
}
