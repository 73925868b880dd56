package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into an n-byte key bound to info using
// HKDF-SHA256.
func DeriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hkdf: empty secret")
	}
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return key, nil
}
