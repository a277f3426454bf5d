// Package evidence produces signed Balance Evidence Records: portable
// attestations that commit to a contiguous range of the audit chain through a
// merkle root, signed by the governance authority.
package evidence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainbridge-labs/shadowcore/pkg/clock"
	"github.com/chainbridge-labs/shadowcore/pkg/merkle"
	"github.com/chainbridge-labs/shadowcore/pkg/pqc"
	"github.com/chainbridge-labs/shadowcore/pkg/witness"
)

var (
	ErrNoEvidence     = errors.New("no evidence record available")
	ErrRecordMismatch = errors.New("evidence record does not match chain")
)

// Record attests to the audit entries in [StartSeq, EndSeq]. RangeDigest is
// the merkle root over the entry hashes in sequence order.
type Record struct {
	ID           string         `json:"id"`
	StartSeq     uint64         `json:"start_seq"`
	EndSeq       uint64         `json:"end_seq"`
	RangeDigest  string         `json:"range_digest"`
	Signature    *pqc.Signature `json:"signature"`
	SignerID     string         `json:"signer_id"`
	PublicKeyHex string         `json:"public_key_hex"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Builder generates and verifies evidence records against a witness log.
type Builder struct {
	mu        sync.RWMutex
	log       *witness.Log
	authority *pqc.Authority
	clock     clock.Clock
	latest    *Record
}

// NewBuilder binds a builder to a log and its signing authority.
func NewBuilder(log *witness.Log, authority *pqc.Authority, c clock.Clock) *Builder {
	if c == nil {
		c = clock.System{}
	}
	return &Builder{log: log, authority: authority, clock: c}
}

// Build creates a signed record over the inclusive range [from, to] and
// witnesses the generation itself, so evidence creation is part of the chain
// it attests to.
func (b *Builder) Build(from, to uint64) (*Record, error) {
	entries, err := b.log.Range(from, to)
	if err != nil {
		return nil, err
	}

	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.EntryHash
	}
	root := merkle.Root(leaves)

	sig, err := b.authority.Sign(root)
	if err != nil {
		return nil, fmt.Errorf("evidence signing failed: %w", err)
	}

	rec := &Record{
		ID:           uuid.New().String(),
		StartSeq:     from,
		EndSeq:       to,
		RangeDigest:  root,
		Signature:    sig,
		SignerID:     b.authority.SignerID(),
		PublicKeyHex: b.authority.PublicKeyHex(),
		CreatedAt:    b.clock.Now(),
	}

	if _, err := b.log.Witness(witness.KindEvidenceGenerated, b.authority.SignerID(), map[string]any{
		"record_id":    rec.ID,
		"start_seq":    rec.StartSeq,
		"end_seq":      rec.EndSeq,
		"range_digest": rec.RangeDigest,
	}, witness.TierLaw); err != nil {
		return nil, fmt.Errorf("witnessing evidence generation: %w", err)
	}

	b.mu.Lock()
	b.latest = rec
	b.mu.Unlock()
	return rec, nil
}

// Verify recomputes the record's merkle root from the live chain and checks
// the signature under the record's embedded public key.
func (b *Builder) Verify(rec *Record) error {
	if rec == nil {
		return ErrNoEvidence
	}
	entries, err := b.log.Range(rec.StartSeq, rec.EndSeq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordMismatch, err)
	}
	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.EntryHash
	}
	if root := merkle.Root(leaves); root != rec.RangeDigest {
		return fmt.Errorf("%w: range digest diverged", ErrRecordMismatch)
	}
	pub, err := hex.DecodeString(rec.PublicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: bad public key encoding", ErrRecordMismatch)
	}
	if !pqc.Verify(rec.RangeDigest, rec.Signature, pub) {
		return fmt.Errorf("%w: signature verification failed", ErrRecordMismatch)
	}
	return nil
}

// Latest returns the most recently built record.
func (b *Builder) Latest() (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return nil, ErrNoEvidence
	}
	return b.latest, nil
}
