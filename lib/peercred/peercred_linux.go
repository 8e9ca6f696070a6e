// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func unixPeerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("accessing socket descriptor: %w", err)
	}

	var ucred *unix.Ucred
	var sockoptErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, sockoptErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Credentials{}, fmt.Errorf("accessing socket descriptor: %w", err)
	}
	if sockoptErr != nil {
		return Credentials{}, fmt.Errorf("reading SO_PEERCRED: %w", sockoptErr)
	}

	return Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
