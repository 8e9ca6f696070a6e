// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// cac runs one command through the controlled admin command daemon
// and prints the JSON response:
//
//	cac list-users
//	cac --socket /run/cac.sock unlock-user alice
//
// Everything after the command name is passed to the script as an
// argument, including words that look like flags. Output is indented
// when stdout is a terminal. cac exits 2 when the daemon reports
// CommandError, after printing the response.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/controlledadmin/cacd/lib/client"
	"github.com/controlledadmin/cacd/lib/config"
	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/process"
	"github.com/controlledadmin/cacd/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(arguments []string, stdout *os.File) error {
	defaultSocket := os.Getenv(config.EnvPrefix + "SOCKET")
	if defaultSocket == "" {
		defaultSocket = config.DefaultSocketPath
	}

	var (
		socketPath  string
		timeout     time.Duration
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("cac", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&socketPath, "socket", defaultSocket, "daemon socket path")
	flagSet.DurationVar(&timeout, "timeout", client.DefaultResponseTimeout, "maximum time to wait for the response")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: cac [flags] <command> [args...]\n\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(arguments); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.ExitError{Code: 2, Err: err}
	}
	if showVersion {
		version.Print(stdout, "cac")
		return nil
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return &process.ExitError{Code: 2}
	}
	command, commandArgs := flagSet.Arg(0), flagSet.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	envelope, err := client.New(socketPath, client.Options{ResponseTimeout: timeout}).Call(ctx, command, commandArgs)
	var commandError *client.CommandError
	if err != nil && !errors.As(err, &commandError) {
		return err
	}

	if printErr := printEnvelope(stdout, envelope, term.IsTerminal(int(stdout.Fd()))); printErr != nil {
		return printErr
	}
	if commandError != nil {
		return &process.ExitError{Code: 2, Err: commandError}
	}
	return nil
}

// printEnvelope writes the envelope as one line of JSON, or indented
// when pretty is set.
func printEnvelope(w io.Writer, envelope dispatch.Envelope, pretty bool) error {
	data, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if pretty {
		var indented bytes.Buffer
		if err := json.Indent(&indented, data, "", "  "); err != nil {
			return fmt.Errorf("formatting response: %w", err)
		}
		data = indented.Bytes()
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
