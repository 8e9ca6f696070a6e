// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/controlledadmin/cacd/lib/client"
	"github.com/controlledadmin/cacd/lib/config"
	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/peercred"
	"github.com/controlledadmin/cacd/lib/script"
	"github.com/controlledadmin/cacd/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// aliceResolver reads real SO_PEERCRED credentials and maps every UID
// to "alice", so tests do not depend on the host's user database.
var aliceResolver = peercred.SocketResolver{
	LookupAccount: func(uint32) (string, error) { return "alice", nil },
}

type engineFunc func(ctx context.Context, scriptPath string, params script.Params) (script.Output, error)

func (f engineFunc) Run(ctx context.Context, scriptPath string, params script.Params) (script.Output, error) {
	return f(ctx, scriptPath, params)
}

type dispatcherFunc func(ctx context.Context, payload []byte, identity peercred.Identity) dispatch.Result

func (f dispatcherFunc) Execute(ctx context.Context, payload []byte, identity peercred.Identity) dispatch.Result {
	return f(ctx, payload, identity)
}

// blockingEngine holds every Run until release is closed and records
// the peak number of concurrent runs.
type blockingEngine struct {
	entered chan string
	release chan struct{}

	mu     sync.Mutex
	active int
	peak   int
}

func newBlockingEngine(capacity int) *blockingEngine {
	return &blockingEngine{
		entered: make(chan string, capacity),
		release: make(chan struct{}),
	}
}

func (e *blockingEngine) Run(_ context.Context, scriptPath string, _ script.Params) (script.Output, error) {
	e.mu.Lock()
	e.active++
	if e.active > e.peak {
		e.peak = e.active
	}
	e.mu.Unlock()

	e.entered <- filepath.Base(scriptPath)
	<-e.release

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	return script.Output{JSON: []byte(`{"Done":true}`)}, nil
}

func (e *blockingEngine) Peak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

// testConfig returns a config rooted in a fresh base directory holding
// a registry with list-users and whoami, both real shell scripts.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	baseDir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(baseDir, "Scripts.json"), `{
		// Test commands.
		"list-users": "list-users.sh",
		"whoami": "whoami.sh",
	}`)
	testutil.WriteExecutable(t, filepath.Join(baseDir, "Scripts", "list-users.sh"),
		"#!/bin/sh\necho '{\"Users\":[\"a\",\"b\"]}'\n")
	testutil.WriteExecutable(t, filepath.Join(baseDir, "Scripts", "whoami.sh"),
		"#!/bin/sh\nprintf '{\"User\":\"%s\",\"Args\":%s}' \"$CAC_REQUESTING_USER\" \"$CAC_COMMAND_ARGS\"\n")

	cfg := config.Default()
	cfg.BaseDir = baseDir
	cfg.SocketPath = filepath.Join(testutil.SocketDir(t), "cac.sock")
	cfg.LogLevel = "error"
	return cfg
}

// startDaemon starts a daemon and waits until it is accepting. The
// daemon is stopped when the test ends.
func startDaemon(t *testing.T, cfg *config.Config, options ...Option) *Daemon {
	t.Helper()
	options = append([]Option{WithLogger(testLogger()), WithResolver(aliceResolver)}, options...)
	daemon := NewDaemon(cfg, options...)
	if err := daemon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(daemon.Stop)
	testutil.RequireClosed(t, daemon.Ready(), 5*time.Second, "daemon ready")
	return daemon
}

func call(t *testing.T, socketPath, command string, args ...string) (dispatch.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.New(socketPath, client.Options{}).Call(ctx, command, args)
}

func callRaw(t *testing.T, socketPath, payload string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	response, err := client.New(socketPath, client.Options{}).CallRaw(ctx, []byte(payload))
	if err != nil {
		t.Fatalf("CallRaw(%q): %v", payload, err)
	}
	return string(response)
}

// dialRaw dials socketPath and returns the connection for tests that
// need to misbehave at the frame level.
func dialRaw(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
