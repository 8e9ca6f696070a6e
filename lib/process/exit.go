// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitError carries a specific exit status out of run(). Code 0 is
// never produced; use a nil error for success.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the status the process should exit with.
func (e *ExitError) ExitCode() int { return e.Code }

// Fatal writes "error: err" to stderr and exits. The exit code is 1
// unless err carries its own via ExitCode.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes err to w and returns the exit code for it.
func report(w io.Writer, err error) int {
	code := 1
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) && coder.ExitCode() > 0 {
		code = coder.ExitCode()
	}
	var exitError *ExitError
	if errors.As(err, &exitError) && exitError.Err == nil {
		// Silent exit: the binary already printed what it needed to.
		return code
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return code
}
