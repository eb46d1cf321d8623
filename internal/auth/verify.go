// Package auth verifies local account credentials against the argon2id
// hashes stored in configuration.
package auth

import (
	"fmt"

	"github.com/alexedwards/argon2id"
)

// Verify reports whether password matches the argon2id PHC hash.
// A malformed hash is an error, not a mismatch.
func Verify(hash, password string) (bool, error) {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return false, fmt.Errorf("failed to verify argon2id hash: %w", err)
	}
	return match, nil
}

// HashPassword produces an argon2id PHC hash suitable for the
// psk_argon2id config field.
func HashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}
