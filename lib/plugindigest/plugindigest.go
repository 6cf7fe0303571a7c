// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugindigest derives stable identities for decoder plugins.
//
// The blacklist and crash bookkeeping key on the plugin's content, not
// its path: a renamed or reinstalled copy of the same broken decoder
// must hit the same blacklist entry, and an upgraded decoder must get
// a fresh one. The identity is the BLAKE3 digest of the plugin file.
package plugindigest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a BLAKE3-256 digest of a plugin file.
type Digest [32]byte

// String returns the hex form used in log output, state files, and
// blacklist keys.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// HashFile computes the digest of the plugin file at path. The file is
// streamed through the hasher so memory stays constant regardless of
// plugin size.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// Parse converts the hex form back into a Digest. Returns an error for
// anything that is not exactly 64 hex characters.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing plugin digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("plugin digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
