package security

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrSealedTooShort = errors.New("security: sealed payload too short")
	ErrUnsealFailed   = errors.New("security: authentication failed while unsealing")
)

// Sealer encrypts small secrets (private keys) with XChaCha20-Poly1305.
// Output format: [24-byte nonce][ciphertext][16-byte tag].
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealing key for label from the master secret.
func NewSealer(master []byte, label string) (*Sealer, error) {
	key, err := DeriveKeyWithLabel(master, label, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, binding it to associated data ad.
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce, err := RandomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open decrypts a payload produced by Seal with the same associated data.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

// LoadOrCreateMasterSecret reads the master secret at path, creating a fresh
// 32-byte secret with owner-only permissions when the file does not exist.
func LoadOrCreateMasterSecret(path string) ([]byte, error) {
	data, err := ReadSecretFile(path, 4096)
	if err == nil {
		if err := ValidateKeyStrength(data); err != nil {
			return nil, fmt.Errorf("master secret %s: %w", path, err)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master secret: %w", err)
	}

	secret, err := RandomBytes(SecretSize)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, secret); err != nil {
		return nil, fmt.Errorf("write master secret: %w", err)
	}
	return secret, nil
}
