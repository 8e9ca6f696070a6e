// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/frame"
	"github.com/controlledadmin/cacd/lib/testutil"
)

// fakeBroker accepts one connection per call, hands the request payload
// to respond, and writes the returned payload unless it is nil.
func fakeBroker(t *testing.T, respond func(request []byte) []byte) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				codec := frame.New(conn, frame.Options{})
				request, err := codec.ReadFrame()
				if err != nil {
					return
				}
				if response := respond(request); response != nil {
					codec.WriteFrame(response)
				}
			}()
		}
	}()
	return socketPath
}

func TestCallSuccess(t *testing.T) {
	requests := make(chan dispatch.Request, 1)
	socketPath := fakeBroker(t, func(payload []byte) []byte {
		request, err := dispatch.ParseRequest(payload)
		if err != nil {
			t.Errorf("broker received malformed request %q: %v", payload, err)
		}
		requests <- request
		return []byte(`{"CommandError":false,"CommandErrorMessage":"","Users":["a","b"]}`)
	})

	envelope, err := New(socketPath, Options{}).Call(context.Background(), "list-users", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if envelope.CommandError() {
		t.Fatal("CommandError = true")
	}
	if string(envelope["Users"]) != `["a","b"]` {
		t.Fatalf("Users = %s", envelope["Users"])
	}

	request := testutil.RequireReceive(t, requests, 5*time.Second, "waiting for request")
	if request.Command != "list-users" || len(request.Args) != 0 {
		t.Fatalf("request = %+v", request)
	}
}

func TestCallCommandError(t *testing.T) {
	socketPath := fakeBroker(t, func([]byte) []byte {
		return []byte(`{"CommandError":true,"CommandErrorMessage":"Command 'X' not found"}`)
	})

	envelope, err := New(socketPath, Options{}).Call(context.Background(), "X", []string{"a"})
	var commandError *CommandError
	if !errors.As(err, &commandError) {
		t.Fatalf("Call error = %v, want *CommandError", err)
	}
	if commandError.Message != "Command 'X' not found" || commandError.Command != "X" {
		t.Fatalf("CommandError = %+v", commandError)
	}
	if envelope == nil || envelope.Message() != "Command 'X' not found" {
		t.Fatalf("envelope = %v", envelope)
	}
}

func TestCallNoResponse(t *testing.T) {
	socketPath := fakeBroker(t, func([]byte) []byte { return nil })

	_, err := New(socketPath, Options{}).Call(context.Background(), "whoami", nil)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Call error = %v, want ErrNoResponse", err)
	}
}

func TestCallInvalidResponse(t *testing.T) {
	socketPath := fakeBroker(t, func([]byte) []byte { return []byte(`[1,2]`) })

	if _, err := New(socketPath, Options{}).Call(context.Background(), "whoami", nil); err == nil {
		t.Fatal("Call accepted a non-object response")
	}
}

func TestCallContextCancelled(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	socketPath := fakeBroker(t, func([]byte) []byte {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := New(socketPath, Options{}).Call(ctx, "slow", nil)
		result <- err
	}()

	cancel()
	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for cancelled call")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Call error = %v, want context.Canceled", err)
	}
}

func TestCallDialFailure(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")
	if _, err := New(socketPath, Options{}).Call(context.Background(), "whoami", nil); err == nil {
		t.Fatal("Call succeeded without a broker")
	}
}
