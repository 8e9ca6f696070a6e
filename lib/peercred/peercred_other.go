// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package peercred

import (
	"fmt"
	"net"
	"runtime"
)

func unixPeerCredentials(*net.UnixConn) (Credentials, error) {
	return Credentials{}, fmt.Errorf("%w on %s", ErrUnsupported, runtime.GOOS)
}
