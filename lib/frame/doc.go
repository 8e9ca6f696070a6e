// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the broker's length-prefixed wire format.
//
// A frame is the ASCII decimal byte count of a UTF-8 payload, an
// explicit '!' terminator, then the payload itself:
//
//	17!{"Command":"ls"}
//
// Every individual read and write, including each single-byte header
// read, runs under its own deadline. An expired deadline aborts that
// operation with [ErrTimeout]; the codec never retries a partial frame.
//
// The codec reads the header one byte at a time and the payload with
// exactly-sized reads, so it never consumes bytes past the end of its
// frame. Together with the deadline causing the blocked read itself to
// return, this guarantees an abandoned operation cannot leave bytes
// that a later reader would observe.
package frame
