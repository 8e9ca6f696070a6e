// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash fingerprints the files the broker trusts: the
// command registry and the scripts it names.
//
// Digests are BLAKE3 keyed hashes. Each kind of file hashes under its
// own domain key, so a registry and a script with identical bytes never
// share a digest. Digests appear in audit logs as 64-character hex
// strings, which lets an operator tie a logged request to the exact
// script content that served it.
//
//   - [HashBytes] and [HashFile] -- compute a [Digest] in a [Domain]
//   - [Digest.String] and [ParseDigest] -- the hex log form
package binhash
