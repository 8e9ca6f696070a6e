// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Domain is a 32-byte BLAKE3 key separating digest namespaces.
type Domain [32]byte

// Fixed domain keys: the ASCII domain name, zero-padded. Changing a key
// changes every digest in its domain.
var (
	DomainRegistry = Domain{
		'c', 'a', 'c', 'd', '.', 'r', 'e', 'g', 'i', 's', 't', 'r', 'y',
	}

	DomainScript = Domain{
		'c', 'a', 'c', 'd', '.', 's', 'c', 'r', 'i', 'p', 't',
	}
)

func newHasher(domain Domain) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		// Only fails for keys that are not 32 bytes.
		panic("binhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// HashBytes returns the digest of data in domain.
func HashBytes(domain Domain, data []byte) Digest {
	hasher := newHasher(domain)
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// HashFile streams the file at path through the hash, so memory use
// does not depend on file size.
func HashFile(domain Domain, path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := newHasher(domain)
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// ParseDigest parses the hex form produced by Digest.String.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
