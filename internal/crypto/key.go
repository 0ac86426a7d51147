// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for key derivation
const (
	keySaltLength    = 16
	argonIterations  = 3
	argonMemoryKiB   = 64 * 1024
	argonParallelism = 2
	derivedKeyLength = 32
)

// HashCredential returns the lower-hex SHA-256 digest of a raw upstream
// credential. The digest is the user's auth_id: stable, non-reversible, and
// safe to use as a store key and log field.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DeriveKey stretches the operator-supplied secret into a 32-byte AES key
// using argon2id. The salt is persistent per deployment so the same secret
// always yields the same key.
func DeriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonIterations, argonMemoryKiB, argonParallelism, derivedKeyLength)
}

// LoadOrCreateKeySalt reads the key-derivation salt at path, generating and
// persisting a fresh one on first run. The file is created with owner-only
// permissions.
func LoadOrCreateKeySalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt, decodeErr := hex.DecodeString(string(data))
		if decodeErr != nil || len(salt) != keySaltLength {
			return nil, fmt.Errorf("key salt at %s is corrupt", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key salt: %w", err)
	}

	salt := make([]byte, keySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate key salt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key salt directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist key salt: %w", err)
	}

	return salt, nil
}
