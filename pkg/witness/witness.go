// Package witness implements the hash-chained audit log. Every governed
// action is recorded as a signed, chained entry before its outcome is
// acknowledged to the caller. Entries link by SHA3-256 digest and carry an
// ML-DSA-65 signature from the log's authority.
package witness

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainbridge-labs/shadowcore/pkg/canonicalize"
	"github.com/chainbridge-labs/shadowcore/pkg/clock"
	"github.com/chainbridge-labs/shadowcore/pkg/pqc"
)

// GenesisHash anchors every chain. It is a fixed constant, not a computed
// value: verifiers on other machines must agree on it without coordination.
const GenesisHash = "genesis"

// Latency budgets for a single witness operation.
const (
	DefaultSoftBudget = 50 * time.Millisecond
	DefaultHardCap    = 500 * time.Millisecond
)

var (
	ErrInvalidKind        = errors.New("unknown event kind")
	ErrInvalidTier        = errors.New("unknown compliance tier")
	ErrLatencyCapExceeded = errors.New("witness latency exceeded hard cap")
	ErrChainIntegrity     = errors.New("audit chain integrity violation")
	ErrRangeOutOfBounds   = errors.New("sequence range out of bounds")
)

// Entry is one witnessed event. EntryHash covers every field above it; the
// signature covers EntryHash.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Kind         EventKind      `json:"kind"`
	TimestampMS  int64          `json:"timestamp_ms"`
	Actor        string         `json:"actor"`
	Payload      map[string]any `json:"payload"`
	Tier         ComplianceTier `json:"tier"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
	Signature    *pqc.Signature `json:"signature"`
}

// IntegrityError pinpoints the first broken link found during verification.
type IntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrChainIntegrity }

// Log is the append-only witness chain.
type Log struct {
	mu         sync.RWMutex
	entries    []Entry
	head       string
	genesis    string
	authority  *pqc.Authority
	clock      clock.Clock
	softBudget time.Duration
	hardCap    time.Duration
	logger     *slog.Logger
	lastTS     int64
}

// Option configures a Log.
type Option func(*Log)

// WithClock injects a clock; tests use this to drive latency behavior.
func WithClock(c clock.Clock) Option { return func(l *Log) { l.clock = c } }

// WithGenesis overrides the chain anchor. Verifiers must be handed the same
// constant. Empty values are ignored.
func WithGenesis(genesis string) Option {
	return func(l *Log) {
		if genesis != "" {
			l.genesis = genesis
			l.head = genesis
		}
	}
}

// WithBudgets overrides the soft and hard latency budgets.
func WithBudgets(soft, hard time.Duration) Option {
	return func(l *Log) {
		l.softBudget = soft
		l.hardCap = hard
	}
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Log) { l.logger = lg } }

// NewLog creates an empty chain anchored at GenesisHash, signing with the
// given authority.
func NewLog(authority *pqc.Authority, opts ...Option) *Log {
	l := &Log{
		head:       GenesisHash,
		genesis:    GenesisHash,
		authority:  authority,
		clock:      clock.System{},
		softBudget: DefaultSoftBudget,
		hardCap:    DefaultHardCap,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Witness appends a signed entry for the event and returns it. If appending
// took longer than the hard cap, the entry still lands (it is already
// chained), a COMPLIANCE_VIOLATION is appended after it, and
// ErrLatencyCapExceeded is returned so the caller knows the acknowledgment
// missed its deadline.
func (l *Log) Witness(kind EventKind, actor string, payload map[string]any, tier ComplianceTier) (Entry, error) {
	if !kind.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if !tier.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.clock.Now()
	entry, err := l.appendLocked(kind, actor, payload, tier, start)
	if err != nil {
		return Entry{}, err
	}

	elapsed := l.clock.Now().Sub(start)
	switch {
	case elapsed > l.hardCap:
		l.logger.Error("witness latency hard cap breached",
			"sequence", entry.Sequence, "elapsed", elapsed, "cap", l.hardCap)
		// The violation record itself is exempt from the cap; a breach must
		// never be able to suppress its own evidence.
		if _, verr := l.appendLocked(KindComplianceViolation, "witness-engine", map[string]any{
			"violation":     "witness_latency_hard_cap",
			"sequence":      entry.Sequence,
			"elapsed_ms":    elapsed.Milliseconds(),
			"hard_cap_ms":   l.hardCap.Milliseconds(),
			"original_kind": string(entry.Kind),
		}, TierLaw, l.clock.Now()); verr != nil {
			l.logger.Error("failed to witness latency violation", "error", verr)
		}
		return entry, fmt.Errorf("%w: %v > %v", ErrLatencyCapExceeded, elapsed, l.hardCap)
	case elapsed > l.softBudget:
		l.logger.Warn("witness latency over soft budget",
			"sequence", entry.Sequence, "elapsed", elapsed, "budget", l.softBudget)
	}
	return entry, nil
}

// appendLocked builds, signs, and chains one entry. Caller holds l.mu.
func (l *Log) appendLocked(kind EventKind, actor string, payload map[string]any, tier ComplianceTier, ts time.Time) (Entry, error) {
	tsMS := ts.UnixMilli()
	if tsMS <= l.lastTS {
		tsMS = l.lastTS + 1
	}

	entry := Entry{
		ID:           uuid.New().String(),
		Sequence:     uint64(len(l.entries)) + 1,
		Kind:         kind,
		TimestampMS:  tsMS,
		Actor:        actor,
		Payload:      payload,
		Tier:         tier,
		PreviousHash: l.head,
	}
	hash, err := entryDigest(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("entry digest failed: %w", err)
	}
	entry.EntryHash = hash

	sig, err := l.authority.Sign(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("entry signing failed: %w", err)
	}
	entry.Signature = sig

	l.entries = append(l.entries, entry)
	l.head = hash
	l.lastTS = tsMS
	return entry, nil
}

// entryDigest computes the canonical SHA3-256 digest over the hashed fields
// of an entry. EntryHash and Signature are excluded; they depend on this
// digest.
func entryDigest(e Entry) (string, error) {
	return canonicalize.Digest(map[string]any{
		"id":            e.ID,
		"sequence":      e.Sequence,
		"kind":          string(e.Kind),
		"timestamp_ms":  e.TimestampMS,
		"actor":         e.Actor,
		"payload":       e.Payload,
		"tier":          string(e.Tier),
		"previous_hash": e.PreviousHash,
	})
}

// VerifyChain re-derives every digest, link, and signature in the inclusive
// sequence range [from, to]. A zero-length log with from=1, to=0 verifies
// trivially. The returned error identifies the first broken entry.
func (l *Log) VerifyChain(from, to uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked(from, to)
}

// VerifyAll verifies the entire chain from genesis to head.
func (l *Log) VerifyAll() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil
	}
	return l.verifyLocked(1, uint64(len(l.entries)))
}

func (l *Log) verifyLocked(from, to uint64) error {
	if from < 1 || to > uint64(len(l.entries)) || from > to+1 {
		return fmt.Errorf("%w: [%d, %d] against %d entries", ErrRangeOutOfBounds, from, to, len(l.entries))
	}
	pub := l.authority.PublicKey()
	for seq := from; seq <= to; seq++ {
		e := l.entries[seq-1]
		if e.Sequence != seq {
			return &IntegrityError{Sequence: seq, Reason: fmt.Sprintf("sequence mismatch: stored %d", e.Sequence)}
		}
		want := l.genesis
		if seq > 1 {
			want = l.entries[seq-2].EntryHash
		}
		if e.PreviousHash != want {
			return &IntegrityError{Sequence: seq, Reason: "previous hash does not match predecessor"}
		}
		recomputed, err := entryDigest(e)
		if err != nil {
			return &IntegrityError{Sequence: seq, Reason: fmt.Sprintf("digest recomputation failed: %v", err)}
		}
		if recomputed != e.EntryHash {
			return &IntegrityError{Sequence: seq, Reason: "entry hash does not match content"}
		}
		if !pqc.Verify(e.EntryHash, e.Signature, pub) {
			return &IntegrityError{Sequence: seq, Reason: "signature verification failed"}
		}
	}
	return nil
}

// Head returns the current chain head hash (GenesisHash when empty).
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of chained entries.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Genesis returns the chain's anchor hash.
func (l *Log) Genesis() string { return l.genesis }

// Authority returns the signing authority bound to this log.
func (l *Log) Authority() *pqc.Authority { return l.authority }

// Latest returns up to n most recent entries, oldest first.
func (l *Log) Latest(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Range returns the inclusive sequence range [from, to].
func (l *Log) Range(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 1 || to > uint64(len(l.entries)) || from > to {
		return nil, fmt.Errorf("%w: [%d, %d] against %d entries", ErrRangeOutOfBounds, from, to, len(l.entries))
	}
	out := make([]Entry, to-from+1)
	copy(out, l.entries[from-1:to])
	return out, nil
}
