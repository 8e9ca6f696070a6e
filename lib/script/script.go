// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Environment variable names scripts receive.
const (
	EnvRequestingUser = "CAC_REQUESTING_USER"
	EnvCommandArgs    = "CAC_COMMAND_ARGS"
)

// DefaultInterpreter runs scripts that cannot be executed directly.
const DefaultInterpreter = "/bin/sh"

// DefaultMaxOutputBytes bounds captured stdout.
const DefaultMaxOutputBytes = 4 * 1024 * 1024

// maxStderrBytes bounds captured stderr. Excess is dropped silently;
// stderr only feeds error messages and logs.
const maxStderrBytes = 64 * 1024

// basePath is the PATH scripts run with, independent of the daemon's
// own environment.
const basePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ErrOutputTooLarge is returned when a script writes more than the
// configured maximum to stdout.
var ErrOutputTooLarge = errors.New("script output exceeds maximum size")

// Params are the per-invocation inputs a script receives.
type Params struct {
	RequestingUser string
	CommandArgs    []string
}

// Record is one error reported by a script.
type Record struct {
	Message string
}

// Output is the result of one script invocation. Exactly one of JSON
// and Errors is meaningful: when Errors is non-empty the invocation
// failed and JSON is ignored.
type Output struct {
	JSON   []byte
	Errors []Record
}

// Engine executes a script with the given parameters.
type Engine interface {
	Run(ctx context.Context, scriptPath string, params Params) (Output, error)
}

// Options configures a Runner. Zero values select the defaults.
type Options struct {
	// Interpreter runs scripts that cannot be executed directly.
	Interpreter string

	// AlwaysInterpret runs every script through Interpreter, even when
	// it is executable.
	AlwaysInterpret bool

	// MaxOutputBytes bounds captured stdout.
	MaxOutputBytes int

	// Logger receives stderr from successful runs. Nil discards it.
	Logger *slog.Logger
}

// Runner is the subprocess Engine.
//
// The exit status alone decides failure. A script that exits 0 has
// succeeded even if it wrote to stderr; that text is logged as a
// warning and never reaches the caller. A script that must fail a
// command exits nonzero, and its stderr lines become the error records.
type Runner struct {
	interpreter     string
	alwaysInterpret bool
	maxOutputBytes  int
	logger          *slog.Logger
}

// NewRunner returns a Runner configured by options.
func NewRunner(options Options) *Runner {
	runner := &Runner{
		interpreter:     options.Interpreter,
		alwaysInterpret: options.AlwaysInterpret,
		maxOutputBytes:  options.MaxOutputBytes,
		logger:          options.Logger,
	}
	if runner.interpreter == "" {
		runner.interpreter = DefaultInterpreter
	}
	if runner.maxOutputBytes <= 0 {
		runner.maxOutputBytes = DefaultMaxOutputBytes
	}
	if runner.logger == nil {
		runner.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return runner
}

// Run implements Engine.
func (r *Runner) Run(ctx context.Context, scriptPath string, params Params) (Output, error) {
	info, err := os.Stat(scriptPath)
	if err != nil {
		return Output{}, fmt.Errorf("inspecting script: %w", err)
	}

	interpret := r.alwaysInterpret || info.Mode().Perm()&0o111 == 0
	result, err := r.run(ctx, scriptPath, params, interpret)
	if err != nil && !interpret && errors.Is(err, syscall.ENOEXEC) {
		// Executable but not a binary and no shebang line.
		result, err = r.run(ctx, scriptPath, params, true)
	}
	if err != nil {
		return Output{}, err
	}
	return result, nil
}

func (r *Runner) run(ctx context.Context, scriptPath string, params Params, interpret bool) (Output, error) {
	argsJSON, err := json.Marshal(nonNil(params.CommandArgs))
	if err != nil {
		return Output{}, fmt.Errorf("encoding command arguments: %w", err)
	}

	var command *exec.Cmd
	if interpret {
		command = exec.CommandContext(ctx, r.interpreter, append([]string{scriptPath}, params.CommandArgs...)...)
	} else {
		command = exec.CommandContext(ctx, scriptPath, params.CommandArgs...)
	}
	command.Dir = filepath.Dir(scriptPath)
	command.Env = []string{
		"PATH=" + basePath,
		"LANG=C.UTF-8",
		EnvRequestingUser + "=" + params.RequestingUser,
		EnvCommandArgs + "=" + string(argsJSON),
	}

	stdout := &cappedBuffer{limit: r.maxOutputBytes}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	command.Stdout = stdout
	command.Stderr = stderr

	// Own process group so a kill reaches children too.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	command.Cancel = func() error {
		return syscall.Kill(-command.Process.Pid, syscall.SIGKILL)
	}

	err = command.Run()
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return Output{}, fmt.Errorf("running %s: %w", filepath.Base(scriptPath), err)
		}
		return Output{Errors: errorRecords(exitError.ExitCode(), stderr.Bytes())}, nil
	}

	if stdout.overflowed {
		return Output{}, fmt.Errorf("%w (%d bytes)", ErrOutputTooLarge, r.maxOutputBytes)
	}
	if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
		r.logger.Warn("script wrote to stderr",
			"script", scriptPath,
			"requesting_user", params.RequestingUser,
			"stderr", stderrText,
		)
	}

	return Output{JSON: bytes.TrimSpace(stdout.Bytes())}, nil
}

// errorRecords turns a failed run's stderr into error records.
func errorRecords(exitCode int, stderr []byte) []Record {
	var records []Record
	for _, line := range strings.Split(string(stderr), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			records = append(records, Record{Message: line})
		}
	}
	if len(records) == 0 {
		message := fmt.Sprintf("script exited with status %d", exitCode)
		if exitCode < 0 {
			message = "script terminated by signal"
		}
		records = append(records, Record{Message: message})
	}
	return records
}

func nonNil(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

// cappedBuffer keeps the first limit bytes written and discards the
// rest. It never returns a write error: failing the write would leave
// the child blocked on a full pipe.
type cappedBuffer struct {
	bytes.Buffer
	limit      int
	overflowed bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Buffer.Len()
	if len(p) > room {
		b.overflowed = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
