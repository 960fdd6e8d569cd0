package security

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyWithLabel(t *testing.T) {
	master := bytes.Repeat([]byte{0x01, 0x02}, 16)

	a, err := DeriveKeyWithLabel(master, "keystore", 32)
	require.NoError(t, err)
	b, err := DeriveKeyWithLabel(master, "keystore", 32)
	require.NoError(t, err)
	c, err := DeriveKeyWithLabel(master, "other", 32)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DeriveKeyWithLabel([]byte("short"), "keystore", 32)
	assert.ErrorIs(t, err, ErrWeakKey)
}

func TestValidateKeyStrength(t *testing.T) {
	assert.ErrorIs(t, ValidateKeyStrength(make([]byte, 8)), ErrWeakKey)
	assert.ErrorIs(t, ValidateKeyStrength(make([]byte, 32)), ErrWeakKey)

	key, err := RandomBytes(SecretSize)
	require.NoError(t, err)
	assert.NoError(t, ValidateKeyStrength(key))
}

func TestHashDomainSeparated(t *testing.T) {
	a := HashDomainSeparated("cert", []byte("ab"), []byte("c"))
	b := HashDomainSeparated("cert", []byte("a"), []byte("bc"))
	c := HashDomainSeparated("tsa", []byte("ab"), []byte("c"))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, HashDomainSeparated("cert", []byte("ab"), []byte("c")))
}

func TestSealerRoundTrip(t *testing.T) {
	master, err := RandomBytes(SecretSize)
	require.NoError(t, err)

	s, err := NewSealer(master, "keystore")
	require.NoError(t, err)

	secret := []byte("ed25519 private key bytes")
	sealed, err := s.Seal(secret, []byte("alice"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(secret))

	opened, err := s.Open(sealed, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, secret, opened)

	_, err = s.Open(sealed, []byte("mallory"))
	assert.ErrorIs(t, err, ErrUnsealFailed)

	_, err = s.Open(sealed[:10], []byte("alice"))
	assert.ErrorIs(t, err, ErrSealedTooShort)

	other, err := NewSealer(master, "other")
	require.NoError(t, err)
	_, err = other.Open(sealed, []byte("alice"))
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestLoadOrCreateMasterSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	first, err := LoadOrCreateMasterSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, SecretSize)

	second, err := LoadOrCreateMasterSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, PermSecretFile, info.Mode().Perm())
	}
}

func TestReadSecretFileRejectsOpenPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	path := filepath.Join(t.TempDir(), "loose.key")
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef"), 0644))

	_, err := ReadSecretFile(path, 0)
	assert.ErrorIs(t, err, ErrInsecurePermissions)
}

func TestWriteSecretFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secret.bin")
	require.NoError(t, WriteSecretFile(path, []byte("one")))
	require.NoError(t, WriteSecretFile(path, []byte("two")))

	data, err := ReadSecretFile(path, 1024)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	_, err = ReadSecretFile(path, 1)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()

	lock, err := LockDir(dir, "esignd.lock")
	require.NoError(t, err)

	_, err = LockDir(dir, "esignd.lock")
	if runtime.GOOS != "windows" {
		// flock locks are per open file description, so a second open conflicts.
		assert.ErrorIs(t, err, ErrLocked)
	}

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	again, err := LockDir(dir, "esignd.lock")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
