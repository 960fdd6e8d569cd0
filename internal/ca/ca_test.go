package ca

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esignd/internal/domain"
	"esignd/internal/keystore"
	"esignd/internal/security"
	"esignd/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// entropyFailingKeys has no keys and cannot generate any.
type entropyFailingKeys struct{}

func (entropyFailingKeys) GetKeyPair(context.Context, string) (*domain.KeyPair, error) {
	return nil, domain.ErrNoPrivateKey
}

func (entropyFailingKeys) GenerateKeyPair(context.Context, string) (*domain.KeyPair, error) {
	return nil, domain.ErrKeyGeneration
}

type fixture struct {
	ca    *Authority
	keys  *keystore.KeyStore
	store store.Store
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	sealer, err := security.NewSealer(bytes.Repeat([]byte{3, 4}, 16), "keystore")
	require.NoError(t, err)
	keys := keystore.New(st, sealer, keystore.WithClock(clock.Now))

	_, caKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authority, err := New(context.Background(), st, keys, caKey, Config{
		Name:                "esignd Root CA",
		Organization:        "esignd",
		Country:             "FR",
		DefaultOrganization: "Default Org",
		DefaultDepartment:   "General",
	}, WithClock(clock.Now))
	require.NoError(t, err)

	return &fixture{ca: authority, keys: keys, store: st, clock: clock}
}

func TestIssueCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.ca.Issue(ctx, "alice", "Alice Martin", Attributes{Email: "alice@example.com", Department: "Legal"})
	require.NoError(t, err)

	assert.Equal(t, "alice", cert.Subject.OwnerID)
	assert.Equal(t, "Default Org", cert.Subject.Organization)
	assert.Equal(t, "Legal", cert.Subject.Department)
	assert.Equal(t, "FR", cert.Issuer.Country)
	assert.Equal(t, CertificateVersion, cert.Version)
	assert.True(t, cert.IsActive)
	assert.Equal(t, f.clock.Now(), cert.IssuedAt)
	assert.Equal(t, cert.IssuedAt.Add(DefaultValidity), cert.ExpiresAt)
	assert.True(t, cert.ExpiresAt.After(cert.IssuedAt))
	assert.Len(t, cert.Fingerprint, 64)
	assert.Len(t, cert.SerialNumber, 32)
	assert.True(t, f.ca.VerifySignature(cert))

	kp, err := f.keys.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, kp.PublicKey.Equal(cert.PublicKey))

	stored, err := f.ca.Get(ctx, cert.ID)
	require.NoError(t, err)
	assert.True(t, f.ca.VerifySignature(stored), "signature must survive a store round trip")
}

func TestIssueReusesExistingKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)
	second, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	rotated, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{RotateKey: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, rotated.Fingerprint)
}

func TestIssueValidityOverride(t *testing.T) {
	f := newFixture(t)
	cert, err := f.ca.Issue(context.Background(), "bob", "Bob", Attributes{Validity: 48 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cert.ExpiresAt.Sub(cert.IssuedAt))
}

func TestIssueRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ca.Issue(ctx, "", "Nobody", Attributes{})
	assert.True(t, domain.IsValidationFailure(err))

	_, err = f.ca.Issue(ctx, "alice", "  ", Attributes{})
	assert.True(t, domain.IsValidationFailure(err))

	_, err = f.ca.Issue(ctx, "alice", "Alice", Attributes{Validity: -time.Hour})
	assert.True(t, domain.IsValidationFailure(err))
}

func TestIssueKeyGenerationFailure(t *testing.T) {
	st := store.NewMemory()
	_, caKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authority, err := New(context.Background(), st, entropyFailingKeys{}, caKey, Config{Name: "CA"})
	require.NoError(t, err)

	_, err = authority.Issue(context.Background(), "alice", "Alice", Attributes{})
	assert.ErrorIs(t, err, domain.ErrIssuance)
	assert.ErrorIs(t, err, domain.ErrKeyGeneration)
}

func TestSerialNumbersUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 25; i++ {
		cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
		require.NoError(t, err)
		assert.False(t, seen[cert.SerialNumber])
		seen[cert.SerialNumber] = true
	}

	// A second authority over the same store knows every issued serial.
	_, caKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	reopened, err := New(ctx, f.store, f.keys, caKey, Config{Name: "CA"})
	require.NoError(t, err)
	assert.Len(t, reopened.serials, 25)
}

func TestValidateStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{Validity: 24 * time.Hour})
	require.NoError(t, err)

	v, err := f.ca.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateValidation{IsValid: true, Reason: domain.ReasonValid}, v)

	v, err = f.ca.Validate(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotFound, v.Reason)
	assert.False(t, v.IsValid)

	// Exactly at expiry is still valid.
	f.clock.Advance(24 * time.Hour)
	v, err = f.ca.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.True(t, v.IsValid)

	f.clock.Advance(time.Nanosecond)
	v, err = f.ca.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateValidation{IsValid: false, Reason: domain.ReasonExpired}, v)
}

func TestValidateExpiredRegardlessOfSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{Validity: time.Hour})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	cert.Signature = make([]byte, ed25519.SignatureSize)
	assert.Equal(t, domain.ReasonExpired, f.ca.Check(cert).Reason)
}

func TestValidateDetectsTamperedCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)

	cert.Subject.Name = "Mallory"
	require.NoError(t, f.ca.put(ctx, cert))

	v, err := f.ca.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateValidation{IsValid: false, Reason: domain.ReasonInvalidSignature}, v)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)

	revoked, err := f.ca.Revoke(ctx, cert.ID, "key compromise")
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	assert.Equal(t, "key compromise", revoked.RevocationReason)
	require.NotNil(t, revoked.RevocationDate)
	assert.Equal(t, f.clock.Now(), *revoked.RevocationDate)
	assert.True(t, f.ca.VerifySignature(revoked), "revocation fields are outside the signed body")

	_, err = f.ca.Revoke(ctx, cert.ID, "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyRevoked)

	stored, err := f.ca.Get(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, "key compromise", stored.RevocationReason)

	v, err := f.ca.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CertificateValidation{IsValid: false, Reason: domain.ReasonRevoked}, v)

	f.clock.Advance(2 * DefaultValidity)
	v, err = f.ca.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.False(t, v.IsValid)
}

func TestRevokeDefaultsReasonAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)
	revoked, err := f.ca.Revoke(ctx, cert.ID, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRevocationReason, revoked.RevocationReason)

	_, err = f.ca.Revoke(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrCertificateNotFound)
}

func TestConcurrentRevokeOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, already := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ca.Revoke(ctx, cert.ID, "race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, domain.ErrAlreadyRevoked) {
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, already)
}

func TestConcurrentFirstIssueSharesOneKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 32
	certs := make([]*domain.Certificate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
			if assert.NoError(t, err) {
				certs[i] = cert
			}
		}(i)
	}
	wg.Wait()

	history, err := f.keys.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)

	for _, cert := range certs {
		require.NotNil(t, cert)
		assert.True(t, history[0].PublicKey.Equal(cert.PublicKey))
	}
}

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)
	_, err = f.ca.Issue(ctx, "bob", "Bob", Attributes{})
	require.NoError(t, err)
	a2, err := f.ca.Issue(ctx, "alice", "Alice", Attributes{})
	require.NoError(t, err)

	all, err := f.ca.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	alice, err := f.ca.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	latest, err := f.ca.FindByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, latest.ID)

	byKey, err := f.ca.FindByPublicKey(ctx, a1.PublicKey)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, a2.ID, byKey.ID)

	stranger, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	none, err := f.ca.FindByPublicKey(ctx, stranger)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = f.ca.FindByOwner(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrCertificateNotFound)
}
