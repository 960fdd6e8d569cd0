// Package security holds the low-level key handling shared by the signature core:
// key derivation, sealing of private keys at rest, and secret file handling.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrWeakKey        = errors.New("security: key is too weak")
	ErrInvalidKeySize = errors.New("security: invalid key size")
)

const (
	// MinKeySize is the shortest secret accepted anywhere, in bytes.
	MinKeySize = 16

	// SecretSize is the size of generated master secrets and derived keys.
	SecretSize = 32
)

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// DeriveKeyWithLabel derives size bytes from master with HKDF-SHA256. The
// label separates keys derived for different purposes, e.g. "keystore" for
// sealing private keys and "audit-chain" for the audit MAC.
func DeriveKeyWithLabel(master []byte, label string, size int) ([]byte, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d", ErrWeakKey, len(master), MinKeySize)
	}
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes requested, minimum %d", ErrInvalidKeySize, size, MinKeySize)
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("esignd:"+label)), out); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", label, err)
	}
	return out, nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects short keys and keys made of one repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d", ErrWeakKey, len(key), MinKeySize)
	}
	for _, b := range key[1:] {
		if b != key[0] {
			return nil
		}
	}
	return fmt.Errorf("%w: key is a single repeated byte", ErrWeakKey)
}

// HashDomainSeparated is SHA-256 over a length-prefixed domain tag followed by
// length-prefixed parts, so adjacent fields cannot be shifted into each other.
func HashDomainSeparated(domain string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(len(domain))})
	h.Write([]byte(domain))

	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}

	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

// Wipe zeroes secret material in place.
func Wipe(b []byte) { clear(b) }
