// Package pqc implements the signature authority: ML-DSA-65 (NIST FIPS 204,
// category 3) signatures over audit entry digests and evidence records.
// Key material is generated once per authority lifetime and never regenerated
// implicitly.
package pqc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/chainbridge-labs/shadowcore/pkg/canonicalize"
)

// AlgorithmMLDSA65 identifies the signature scheme (FIPS 204, 192-bit category).
const AlgorithmMLDSA65 = "ML-DSA-65"

var (
	ErrInvalidSeed     = errors.New("invalid key seed")
	ErrNilSignature    = errors.New("nil signature")
	ErrUnknownScheme   = errors.New("unknown signature algorithm")
	ErrSigningDisabled = errors.New("authority holds no private key")
)

func scheme() sign.Scheme { return mldsa65.Scheme() }

// Signature is a detached signature over a payload digest.
type Signature struct {
	Value     []byte    `json:"value"`
	Algorithm string    `json:"algorithm"`
	SignerID  string    `json:"signer_id"`
	KeyID     string    `json:"key_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Authority holds an ML-DSA-65 keypair and produces signatures over digests.
type Authority struct {
	mu        sync.RWMutex
	signerID  string
	keyID     string
	pub       sign.PublicKey
	priv      sign.PrivateKey
	createdAt time.Time
}

// NewAuthority generates a fresh keypair from the system random source.
func NewAuthority(signerID string) (*Authority, error) {
	seed := make([]byte, scheme().SeedSize())
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seed generation failed: %w", err)
	}
	return NewAuthorityFromSeed(signerID, seed)
}

// NewAuthorityFromSeed derives the keypair deterministically from a seed.
// The same seed reproduces the same keypair, which allows re-verification of
// exported chains after a restart.
func NewAuthorityFromSeed(signerID string, seed []byte) (*Authority, error) {
	if len(seed) != scheme().SeedSize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSeed, len(seed), scheme().SeedSize())
	}
	pub, priv := scheme().DeriveKey(seed)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("public key encoding failed: %w", err)
	}
	return &Authority{
		signerID:  signerID,
		keyID:     canonicalize.DigestBytes(pubBytes)[:16],
		pub:       pub,
		priv:      priv,
		createdAt: time.Now().UTC(),
	}, nil
}

// Sign produces an ML-DSA-65 signature over the digest string's bytes.
func (a *Authority) Sign(digest string) (*Signature, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.priv == nil {
		return nil, ErrSigningDisabled
	}
	sig := scheme().Sign(a.priv, []byte(digest), nil)
	return &Signature{
		Value:     sig,
		Algorithm: AlgorithmMLDSA65,
		SignerID:  a.signerID,
		KeyID:     a.keyID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Verify checks a signature over a digest against this authority's public key.
func (a *Authority) Verify(digest string, sig *Signature) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return verify(a.pub, digest, sig)
}

// Verify is a pure predicate: it checks a signature over a digest against a
// serialized public key and has no side effects. Malformed input yields false,
// never a panic.
func Verify(digest string, sig *Signature, publicKey []byte) bool {
	pub, err := scheme().UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return verify(pub, digest, sig)
}

func verify(pub sign.PublicKey, digest string, sig *Signature) bool {
	if sig == nil || sig.Algorithm != AlgorithmMLDSA65 || len(sig.Value) != scheme().SignatureSize() {
		return false
	}
	return scheme().Verify(pub, []byte(digest), sig.Value, nil)
}

// PublicKey returns the serialized public key.
func (a *Authority) PublicKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, err := a.pub.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// PublicKeyHex returns the hex-encoded public key.
func (a *Authority) PublicKeyHex() string {
	return hex.EncodeToString(a.PublicKey())
}

// SignerID returns the identifier of the signing authority.
func (a *Authority) SignerID() string { return a.signerID }

// KeyID returns the key identifier derived from the public key.
func (a *Authority) KeyID() string { return a.keyID }

// CreatedAt returns when the keypair was generated.
func (a *Authority) CreatedAt() time.Time { return a.createdAt }

// SeedSize returns the seed length NewAuthorityFromSeed expects.
func SeedSize() int { return scheme().SeedSize() }
