// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package peercred

import (
	"errors"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/controlledadmin/cacd/lib/testutil"
)

// connectedPair returns the server side of a fresh Unix socket
// connection whose client side belongs to this test process.
func connectedPair(t *testing.T) net.Conn {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "peer.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server, err := listener.Accept()
	if err != nil {
		t.Fatalf("accepting: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

func TestPeerCredentialsReportsCaller(t *testing.T) {
	server := connectedPair(t)

	credentials, err := PeerCredentials(server)
	if err != nil {
		t.Fatalf("PeerCredentials: %v", err)
	}
	if credentials.UID != uint32(os.Getuid()) {
		t.Errorf("UID = %d, want %d", credentials.UID, os.Getuid())
	}
	if credentials.GID != uint32(os.Getgid()) {
		t.Errorf("GID = %d, want %d", credentials.GID, os.Getgid())
	}
	if credentials.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", credentials.PID, os.Getpid())
	}
}

func TestSocketResolverUsesLookup(t *testing.T) {
	server := connectedPair(t)

	var lookedUp uint32
	resolver := SocketResolver{LookupAccount: func(uid uint32) (string, error) {
		lookedUp = uid
		return "operator", nil
	}}
	identity, err := resolver.Resolve(server)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if identity.Account != "operator" {
		t.Errorf("Account = %q, want %q", identity.Account, "operator")
	}
	if lookedUp != uint32(os.Getuid()) {
		t.Errorf("lookup called with uid %d, want %d", lookedUp, os.Getuid())
	}
}

func TestSocketResolverSystemLookup(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("no user database entry for the test process: %v", err)
	}
	server := connectedPair(t)

	identity, err := SocketResolver{}.Resolve(server)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if identity.Account != current.Username {
		t.Errorf("Account = %q, want %q", identity.Account, current.Username)
	}
}

func TestSocketResolverLookupFailure(t *testing.T) {
	server := connectedPair(t)

	resolver := SocketResolver{LookupAccount: func(uint32) (string, error) {
		return "", errors.New("no such user")
	}}
	if _, err := resolver.Resolve(server); err == nil {
		t.Fatal("Resolve succeeded despite lookup failure")
	}

	empty := SocketResolver{LookupAccount: func(uint32) (string, error) { return "", nil }}
	if _, err := empty.Resolve(server); err == nil {
		t.Fatal("Resolve accepted an empty account name")
	}
}

func TestPeerCredentialsRejectsNonUnix(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, err := PeerCredentials(server)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("error = %v, want ErrUnsupported", err)
	}
}
