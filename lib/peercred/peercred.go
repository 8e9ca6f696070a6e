// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peercred

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"strconv"
)

// ErrUnsupported is returned on platforms or connection types for
// which the kernel cannot report peer credentials.
var ErrUnsupported = errors.New("peer credentials unsupported")

// Credentials are the raw kernel-reported peer credentials.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}

// Identity is an authenticated peer: its kernel credentials plus the
// account name the credentials map to. Account is what scripts receive
// as the requesting user.
type Identity struct {
	Credentials
	Account string
}

// Resolver returns the authenticated identity of a connected peer.
type Resolver interface {
	Resolve(conn net.Conn) (Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(conn net.Conn) (Identity, error)

// Resolve calls f(conn).
func (f ResolverFunc) Resolve(conn net.Conn) (Identity, error) { return f(conn) }

// SocketResolver reads SO_PEERCRED from a Unix socket and maps the
// peer UID to an account name.
type SocketResolver struct {
	// LookupAccount maps a numeric UID to an account name. Nil uses
	// the system user database.
	LookupAccount func(uid uint32) (string, error)
}

// Resolve implements Resolver.
func (r SocketResolver) Resolve(conn net.Conn) (Identity, error) {
	credentials, err := PeerCredentials(conn)
	if err != nil {
		return Identity{}, err
	}

	lookup := r.LookupAccount
	if lookup == nil {
		lookup = LookupAccount
	}
	account, err := lookup(credentials.UID)
	if err != nil {
		return Identity{}, fmt.Errorf("resolving account for uid %d: %w", credentials.UID, err)
	}
	if account == "" {
		return Identity{}, fmt.Errorf("resolving account for uid %d: empty account name", credentials.UID)
	}

	return Identity{Credentials: credentials, Account: account}, nil
}

// LookupAccount returns the user name for uid from the system user
// database.
func LookupAccount(uid uint32) (string, error) {
	account, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	return account.Username, nil
}

// PeerCredentials returns the kernel-reported credentials of the peer
// connected to conn, which must be a *net.UnixConn.
func PeerCredentials(conn net.Conn) (Credentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %T is not a Unix socket", ErrUnsupported, conn)
	}
	return unixPeerCredentials(unixConn)
}
