// Package keystore holds per-owner Ed25519 key material.
//
// Each owner has exactly one active key pair. Generating a new pair demotes the
// previous one, which stays available for verifying older signatures. Private
// keys are sealed with XChaCha20-Poly1305 before they reach the store.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"esignd/internal/domain"
	"esignd/internal/lockmap"
	"esignd/internal/logging"
	"esignd/internal/security"
	"esignd/internal/signer"
	"esignd/internal/store"
)

// record is the persisted form of a key pair.
type record struct {
	OwnerID          string    `json:"ownerId"`
	KeyID            string    `json:"keyId"`
	PublicKey        []byte    `json:"publicKey"`
	SealedPrivateKey []byte    `json:"sealedPrivateKey"`
	Algorithm        string    `json:"algorithm"`
	CreatedAt        time.Time `json:"createdAt"`
	Active           bool      `json:"active"`
}

// KeyStore generates and retrieves owner key pairs.
type KeyStore struct {
	store    store.Store
	sealer   *security.Sealer
	locks    lockmap.Map
	now      domain.Clock
	entropy  io.Reader
	recorder domain.Recorder
	log      *logging.Logger
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithClock overrides the creation-time clock.
func WithClock(c domain.Clock) Option { return func(k *KeyStore) { k.now = c } }

// WithEntropy overrides the randomness source used for key generation.
func WithEntropy(r io.Reader) Option { return func(k *KeyStore) { k.entropy = r } }

// WithRecorder sends key_generated events to r.
func WithRecorder(r domain.Recorder) Option { return func(k *KeyStore) { k.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(k *KeyStore) { k.log = l } }

// New creates a KeyStore over st, sealing private keys with sealer.
func New(st store.Store, sealer *security.Sealer, opts ...Option) *KeyStore {
	k := &KeyStore{
		store:    st,
		sealer:   sealer,
		now:      domain.SystemClock,
		entropy:  rand.Reader,
		recorder: domain.NopRecorder{},
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.log.WithComponent("keystore")
	return k
}

// GenerateKeyPair creates a fresh pair for ownerID and makes it the active one.
func (k *KeyStore) GenerateKeyPair(ctx context.Context, ownerID string) (*domain.KeyPair, error) {
	if ownerID == "" {
		return nil, domain.Invalidf("owner id is required")
	}

	unlock := k.locks.Lock(ownerID)
	defer unlock()

	pub, priv, err := ed25519.GenerateKey(k.entropy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}

	kp := &domain.KeyPair{
		OwnerID:    ownerID,
		KeyID:      uuid.NewString(),
		PublicKey:  pub,
		PrivateKey: priv,
		Algorithm:  domain.AlgorithmEd25519,
		CreatedAt:  k.now().UTC(),
		Active:     true,
	}

	prior, err := k.records(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	sealed, err := k.sealer.Seal(priv, sealingAD(ownerID, kp.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: seal private key: %v", domain.ErrKeyGeneration, err)
	}
	rec := &record{
		OwnerID:          ownerID,
		KeyID:            kp.KeyID,
		PublicKey:        pub,
		SealedPrivateKey: sealed,
		Algorithm:        kp.Algorithm,
		CreatedAt:        kp.CreatedAt,
		Active:           true,
	}
	// The new pair is stored before any prior pair is demoted, so a failed
	// write never leaves the owner without an active key. GetKeyPair prefers
	// the newest active record while both are active.
	if err := k.put(ctx, rec); err != nil {
		return nil, err
	}

	for _, r := range prior {
		if !r.Active {
			continue
		}
		r.Active = false
		if err := k.put(ctx, r); err != nil {
			return nil, fmt.Errorf("demote key %s: %w", r.KeyID, err)
		}
		k.log.InfoContext(ctx, "key rotated", "owner", ownerID, "previous_key_id", r.KeyID)
	}

	k.recorder.Record(ctx, domain.NewEvent(domain.EventKeyGenerated, ownerID, kp.KeyID, domain.SeverityInfo,
		"key pair generated", map[string]string{"fingerprint": signer.Fingerprint(pub), "algorithm": kp.Algorithm}))
	k.log.DebugContext(ctx, "key pair generated", "owner", ownerID, "key_id", kp.KeyID)

	return kp, nil
}

// GetKeyPair returns the active pair for ownerID, private key included.
func (k *KeyStore) GetKeyPair(ctx context.Context, ownerID string) (*domain.KeyPair, error) {
	recs, err := k.records(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Active {
			return k.open(recs[i])
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNoPrivateKey, ownerID)
}

// KeyPairByPublicKey finds the pair, active or retired, that owns pub.
func (k *KeyStore) KeyPairByPublicKey(ctx context.Context, pub ed25519.PublicKey) (*domain.KeyPair, error) {
	entries, err := k.store.List(ctx, store.CollectionKeyPairs, store.Filter{Ref: signer.Fingerprint(pub)})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no key pair for public key", domain.ErrNoPrivateKey)
	}
	var r record
	if err := json.Unmarshal(entries[0].Data, &r); err != nil {
		return nil, fmt.Errorf("decode key pair: %w", err)
	}
	return k.open(&r)
}

// History lists every pair ever generated for ownerID, oldest first.
// Private keys are omitted.
func (k *KeyStore) History(ctx context.Context, ownerID string) ([]*domain.KeyPair, error) {
	recs, err := k.records(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.KeyPair, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.public())
	}
	return out, nil
}

func (k *KeyStore) records(ctx context.Context, ownerID string) ([]*record, error) {
	entries, err := k.store.List(ctx, store.CollectionKeyPairs, store.Filter{Owner: ownerID})
	if err != nil {
		return nil, err
	}
	recs := make([]*record, 0, len(entries))
	for _, e := range entries {
		var r record
		if err := json.Unmarshal(e.Data, &r); err != nil {
			return nil, fmt.Errorf("decode key pair %s: %w", e.ID, err)
		}
		recs = append(recs, &r)
	}
	return recs, nil
}

func (k *KeyStore) put(ctx context.Context, r *record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode key pair: %w", err)
	}
	return k.store.Put(ctx, store.CollectionKeyPairs, store.Entry{
		ID:    r.KeyID,
		Owner: r.OwnerID,
		Ref:   signer.Fingerprint(r.PublicKey),
		Data:  data,
	})
}

func (k *KeyStore) open(r *record) (*domain.KeyPair, error) {
	priv, err := k.sealer.Open(r.SealedPrivateKey, sealingAD(r.OwnerID, r.KeyID))
	if err != nil {
		if errors.Is(err, security.ErrUnsealFailed) {
			k.log.Error("private key failed authentication", "owner", r.OwnerID, "key_id", r.KeyID)
		}
		return nil, fmt.Errorf("%w: unseal key %s: %v", domain.ErrNoPrivateKey, r.KeyID, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: key %s has invalid length", domain.ErrNoPrivateKey, r.KeyID)
	}
	kp := r.public()
	kp.PrivateKey = ed25519.PrivateKey(priv)
	return kp, nil
}

func (r *record) public() *domain.KeyPair {
	return &domain.KeyPair{
		OwnerID:   r.OwnerID,
		KeyID:     r.KeyID,
		PublicKey: ed25519.PublicKey(r.PublicKey),
		Algorithm: r.Algorithm,
		CreatedAt: r.CreatedAt,
		Active:    r.Active,
	}
}

func sealingAD(ownerID, keyID string) []byte {
	return []byte(ownerID + "\x00" + keyID)
}
