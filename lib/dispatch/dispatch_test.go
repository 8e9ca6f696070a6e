// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/controlledadmin/cacd/lib/peercred"
	"github.com/controlledadmin/cacd/lib/registry"
	"github.com/controlledadmin/cacd/lib/script"
	"github.com/controlledadmin/cacd/lib/testutil"
)

type engineFunc func(ctx context.Context, scriptPath string, params script.Params) (script.Output, error)

func (f engineFunc) Run(ctx context.Context, scriptPath string, params script.Params) (script.Output, error) {
	return f(ctx, scriptPath, params)
}

func staticEngine(output string) engineFunc {
	return func(context.Context, string, script.Params) (script.Output, error) {
		return script.Output{JSON: []byte(output)}, nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var testIdentity = peercred.Identity{
	Credentials: peercred.Credentials{UID: 1000, GID: 1000, PID: 4242},
	Account:     "alice",
}

// testRegistry registers list-users and whoami with existing script
// files, and gone with no file on disk.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	scriptsDir := t.TempDir()
	testutil.WriteExecutable(t, filepath.Join(scriptsDir, "users", "list.sh"), "#!/bin/sh\n")
	testutil.WriteExecutable(t, filepath.Join(scriptsDir, "whoami.sh"), "#!/bin/sh\n")
	if err := os.Mkdir(filepath.Join(scriptsDir, "adir"), 0o755); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Parse([]byte(`{
		"list-users": "users/list.sh",
		"whoami": "whoami.sh",
		"gone": "gone.sh",
		"dir": "adir",
	}`), scriptsDir)
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	return reg
}

func execute(t *testing.T, dispatcher *Dispatcher, payload string) (Result, string) {
	t.Helper()
	result := dispatcher.Execute(context.Background(), []byte(payload), testIdentity)
	if result.Envelope == nil {
		t.Fatal("Execute returned a nil envelope")
	}
	data, err := result.Envelope.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return result, string(data)
}

func TestExecuteListUsersScenario(t *testing.T) {
	dispatcher := New(testRegistry(t), staticEngine(`{"Users":["a","b"]}`), testLogger())

	result, got := execute(t, dispatcher, `{"Command":"list-users","Args":[]}`)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success", result.Outcome)
	}
	if result.Command != "list-users" {
		t.Fatalf("Command = %q", result.Command)
	}
	want := `{"CommandError":false,"CommandErrorMessage":"","Users":["a","b"]}`
	if got != want {
		t.Fatalf("response = %s, want %s", got, want)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	dispatcher := New(testRegistry(t), staticEngine(`{}`), testLogger())

	for _, command := range []string{"X", "rm -rf /", "List-Users", "<script>"} {
		result, got := execute(t, dispatcher, `{"Command":`+quote(command)+`}`)
		if result.Outcome != OutcomeNotFound {
			t.Fatalf("%q: Outcome = %v, want not_found", command, result.Outcome)
		}
		want := `{"CommandError":true,"CommandErrorMessage":"Command '` + command + `' not found"}`
		if got != want {
			t.Fatalf("response = %s, want %s", got, want)
		}
	}
}

func quote(s string) string {
	data, _ := marshal(s)
	return string(data)
}

func TestExecuteMalformed(t *testing.T) {
	engineCalled := false
	dispatcher := New(testRegistry(t), engineFunc(func(context.Context, string, script.Params) (script.Output, error) {
		engineCalled = true
		return script.Output{}, nil
	}), testLogger())

	payloads := []string{
		``,
		`not json`,
		`{"Command":""}`,
		`{}`,
		`null`,
		`[]`,
		`"list-users"`,
		`{"Command":5}`,
		`{"Command":"list-users","Args":[1]}`,
		`{"Command":"list-users","Args":"a"}`,
		`{"Command":"list-users"} trailing`,
		`{"command":"list-users"}`,
		`{"COMMAND":"list-users","Args":[]}`,
		`{"Command":"list-users","command":"gone"}`,
		`{"command":"gone","Command":"list-users"}`,
		`{"Command":"list-users","args":["a"]}`,
		"{\"Command\":\"list-users\"\xff}",
	}
	for _, payload := range payloads {
		result, got := execute(t, dispatcher, payload)
		if result.Outcome != OutcomeMalformed {
			t.Errorf("%q: Outcome = %v, want malformed", payload, result.Outcome)
		}
		if want := `{"CommandError":true,"CommandErrorMessage":"Malformed request JSON"}`; got != want {
			t.Errorf("%q: response = %s, want %s", payload, got, want)
		}
	}
	if engineCalled {
		t.Fatal("engine invoked for a malformed request")
	}
}

func TestExecuteScriptMissing(t *testing.T) {
	dispatcher := New(testRegistry(t), staticEngine(`{}`), testLogger())

	tests := []struct {
		command string
		script  string
	}{
		{"gone", "gone.sh"},
		{"dir", "adir"},
	}
	for _, test := range tests {
		result, got := execute(t, dispatcher, `{"Command":"`+test.command+`"}`)
		if result.Outcome != OutcomeScriptMissing {
			t.Fatalf("%s: Outcome = %v, want script_missing", test.command, result.Outcome)
		}
		want := `{"CommandError":true,"CommandErrorMessage":"Script file '` + test.script + `' missing"}`
		if got != want {
			t.Fatalf("response = %s, want %s", got, want)
		}
	}
}

func TestExecutePassesIdentityAndArgs(t *testing.T) {
	reg := testRegistry(t)
	entry, _ := reg.Lookup("whoami")

	tests := []struct {
		payload  string
		wantArgs []string
	}{
		{`{"Command":"whoami","Args":["--verbose","x y"]}`, []string{"--verbose", "x y"}},
		{`{"Command":"whoami"}`, []string{}},
		{`{"Command":"whoami","Args":null}`, []string{}},
		{`{"Command":"whoami","Args":[],"Extra":true}`, []string{}},
		{"{\"Command\":\"whoami\",\"Args\":[\"\xff\",\"ok\"]}", []string{"\uFFFD", "ok"}},
	}
	for _, test := range tests {
		var gotPath string
		var gotParams script.Params
		dispatcher := New(reg, engineFunc(func(_ context.Context, scriptPath string, params script.Params) (script.Output, error) {
			gotPath = scriptPath
			gotParams = params
			return script.Output{JSON: []byte(`{"user":"alice"}`)}, nil
		}), testLogger())

		result, _ := execute(t, dispatcher, test.payload)
		if result.Outcome != OutcomeSuccess {
			t.Fatalf("%s: Outcome = %v", test.payload, result.Outcome)
		}
		if gotPath != entry.Path {
			t.Errorf("%s: script path = %q, want %q", test.payload, gotPath, entry.Path)
		}
		if gotParams.RequestingUser != "alice" {
			t.Errorf("%s: RequestingUser = %q", test.payload, gotParams.RequestingUser)
		}
		if !reflect.DeepEqual(gotParams.CommandArgs, test.wantArgs) {
			t.Errorf("%s: CommandArgs = %#v, want %#v", test.payload, gotParams.CommandArgs, test.wantArgs)
		}
	}
}

func TestExecuteScriptErrorsJoined(t *testing.T) {
	dispatcher := New(testRegistry(t), engineFunc(func(context.Context, string, script.Params) (script.Output, error) {
		return script.Output{
			JSON:   []byte(`{"ignored":true}`),
			Errors: []script.Record{{Message: "user not found"}, {Message: "account locked"}},
		}, nil
	}), testLogger())

	result, got := execute(t, dispatcher, `{"Command":"whoami"}`)
	if result.Outcome != OutcomeScriptError {
		t.Fatalf("Outcome = %v, want script_error", result.Outcome)
	}
	want := `{"CommandError":true,"CommandErrorMessage":"user not found\naccount locked"}`
	if got != want {
		t.Fatalf("response = %s, want %s", got, want)
	}
}

func TestExecuteReservedKeysForced(t *testing.T) {
	dispatcher := New(testRegistry(t), staticEngine(`{"CommandError":true,"CommandErrorMessage":"spoofed","Count":2}`), testLogger())

	result, got := execute(t, dispatcher, `{"Command":"whoami"}`)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v", result.Outcome)
	}
	if want := `{"CommandError":false,"CommandErrorMessage":"","Count":2}`; got != want {
		t.Fatalf("response = %s, want %s", got, want)
	}
	if result.Envelope.CommandError() || result.Envelope.Message() != "" {
		t.Fatal("envelope accessors disagree with forced values")
	}
}

func TestExecuteEmptyOutput(t *testing.T) {
	for _, output := range []string{"", "  \n", "{}"} {
		dispatcher := New(testRegistry(t), staticEngine(output), testLogger())
		_, got := execute(t, dispatcher, `{"Command":"whoami"}`)
		if want := `{"CommandError":false,"CommandErrorMessage":""}`; got != want {
			t.Fatalf("output %q: response = %s, want %s", output, got, want)
		}
	}
}

func TestExecuteServerExceptions(t *testing.T) {
	tests := []struct {
		name       string
		engine     engineFunc
		wantSuffix string
	}{
		{
			name: "engine error",
			engine: func(context.Context, string, script.Params) (script.Output, error) {
				return script.Output{}, errors.New("interpreter not found")
			},
			wantSuffix: "interpreter not found",
		},
		{
			name: "engine panic",
			engine: func(context.Context, string, script.Params) (script.Output, error) {
				panic("engine exploded")
			},
			wantSuffix: "panic: engine exploded",
		},
		{name: "array output", engine: staticEngine(`[1,2]`)},
		{name: "null output", engine: staticEngine(`null`)},
		{name: "invalid output", engine: staticEngine(`Users: a, b`)},
		{name: "scalar output", engine: staticEngine(`42`)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dispatcher := New(testRegistry(t), test.engine, testLogger())
			result := dispatcher.Execute(context.Background(), []byte(`{"Command":"whoami"}`), testIdentity)
			if result.Outcome != OutcomeServerException {
				t.Fatalf("Outcome = %v, want server_exception", result.Outcome)
			}
			if !result.Envelope.CommandError() {
				t.Fatal("CommandError = false")
			}
			message := result.Envelope.Message()
			if !strings.HasPrefix(message, "Server exception: ") {
				t.Fatalf("message = %q, want Server exception prefix", message)
			}
			if test.wantSuffix != "" && !strings.HasSuffix(message, test.wantSuffix) {
				t.Fatalf("message = %q, want suffix %q", message, test.wantSuffix)
			}
		})
	}
}

func TestExecuteResultsAreIndependent(t *testing.T) {
	dispatcher := New(testRegistry(t), staticEngine(`{"Value":1}`), testLogger())

	first := dispatcher.Execute(context.Background(), []byte(`{"Command":"whoami"}`), testIdentity)
	first.Envelope["Value"] = []byte(`999`)
	first.Envelope["Leak"] = []byte(`true`)

	_, got := execute(t, dispatcher, `{"Command":"whoami"}`)
	if want := `{"CommandError":false,"CommandErrorMessage":"","Value":1}`; got != want {
		t.Fatalf("second response = %s, want %s", got, want)
	}
}

func TestExecutePassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "session")
	var seen any
	dispatcher := New(testRegistry(t), engineFunc(func(ctx context.Context, _ string, _ script.Params) (script.Output, error) {
		seen = ctx.Value(key{})
		return script.Output{}, nil
	}), testLogger())

	dispatcher.Execute(ctx, []byte(`{"Command":"whoami"}`), testIdentity)
	if seen != "session" {
		t.Fatalf("engine saw context value %v, want %q", seen, "session")
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeServerException.String() != "server_exception" {
		t.Fatalf("String() = %q", OutcomeServerException.String())
	}
	if Outcome(99).String() != "outcome(99)" {
		t.Fatalf("String() = %q", Outcome(99).String())
	}
}

func TestParseEnvelope(t *testing.T) {
	envelope, err := ParseEnvelope([]byte(`{"CommandError":true,"CommandErrorMessage":"nope"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if !envelope.CommandError() || envelope.Message() != "nope" {
		t.Fatalf("envelope = %v", envelope)
	}
	if _, err := ParseEnvelope([]byte(`null`)); err == nil {
		t.Fatal("ParseEnvelope(null) succeeded")
	}
	if _, err := ParseEnvelope([]byte(`{"CommandError":`)); err == nil {
		t.Fatal("ParseEnvelope accepted truncated JSON")
	}
}
