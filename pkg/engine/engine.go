// Package engine is the execution core: it routes transfer intents through
// the mode gate, settles them against real or projected balances, and
// guarantees every outcome is witnessed on the audit chain before it is
// acknowledged to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chainbridge-labs/shadowcore/pkg/approvals"
	"github.com/chainbridge-labs/shadowcore/pkg/canonicalize"
	"github.com/chainbridge-labs/shadowcore/pkg/clock"
	"github.com/chainbridge-labs/shadowcore/pkg/config"
	"github.com/chainbridge-labs/shadowcore/pkg/evidence"
	"github.com/chainbridge-labs/shadowcore/pkg/gate"
	"github.com/chainbridge-labs/shadowcore/pkg/ledger"
	"github.com/chainbridge-labs/shadowcore/pkg/money"
	"github.com/chainbridge-labs/shadowcore/pkg/pqc"
	"github.com/chainbridge-labs/shadowcore/pkg/witness"
)

const engineActor = "execution-engine"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrHalted             = errors.New("engine halted")
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusSimulated        Status = "SIMULATED"
	StatusCommitted        Status = "COMMITTED"
	StatusRejected         Status = "REJECTED"
	StatusApprovalRequired Status = "APPROVAL_REQUIRED"
)

// Transaction records one intent and its outcome.
type Transaction struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Amount    money.Amount `json:"amount"`
	Status    Status       `json:"status"`
	Mode      gate.Mode    `json:"mode"`
	Digest    string       `json:"digest"`
	Witnessed bool         `json:"witnessed"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Engine wires the ledger, gate, witness chain, evidence builder, and
// approval broker into one governed execution surface.
type Engine struct {
	ledger    *ledger.Store
	gate      *gate.Gate
	log       *witness.Log
	evidence  *evidence.Builder
	approvals *approvals.Broker
	authority *pqc.Authority
	clock     clock.Clock
	logger    *slog.Logger
	halted    atomic.Bool

	mu           sync.RWMutex
	transactions map[string]*Transaction
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock for the engine and its subsystems.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option { return func(e *Engine) { e.logger = lg } }

// New assembles an engine from configuration. The signing authority is
// derived from the configured seed when present, otherwise generated fresh.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		ledger:       ledger.NewStore(),
		clock:        clock.System{},
		logger:       slog.Default(),
		transactions: make(map[string]*Transaction),
	}
	for _, opt := range opts {
		opt(e)
	}

	var (
		auth *pqc.Authority
		err  error
	)
	if len(cfg.KeySeed) > 0 {
		auth, err = pqc.NewAuthorityFromSeed(cfg.SignerID, cfg.KeySeed)
	} else {
		auth, err = pqc.NewAuthority(cfg.SignerID)
	}
	if err != nil {
		return nil, fmt.Errorf("authority setup: %w", err)
	}
	e.authority = auth

	policy, err := gate.NewPolicy(cfg.PolicyExpressions())
	if err != nil {
		return nil, fmt.Errorf("policy setup: %w", err)
	}
	e.gate = gate.NewGate(policy, auth.PublicKey())
	e.log = witness.NewLog(auth,
		witness.WithClock(e.clock),
		witness.WithGenesis(cfg.Genesis),
		witness.WithBudgets(cfg.SoftBudget, cfg.HardCap),
		witness.WithLogger(e.logger),
	)
	e.evidence = evidence.NewBuilder(e.log, auth, e.clock)
	e.approvals = approvals.NewBroker(e.clock, cfg.ApprovalTimeout)
	return e, nil
}

// CreateAccount registers a new ledger account and witnesses the creation.
func (e *Engine) CreateAccount(id, amountStr, currency string) (ledger.Account, error) {
	if e.halted.Load() {
		return ledger.Account{}, ErrHalted
	}
	if id == "" {
		return ledger.Account{}, fmt.Errorf("%w: empty account id", ErrInvalidInput)
	}
	initial, err := money.Parse(amountStr, currency)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	acct, err := e.ledger.CreateAccount(id, initial)
	if err != nil {
		return ledger.Account{}, err
	}
	if _, err := e.log.Witness(witness.KindSandboxAction, engineActor, map[string]any{
		"action":     "account_created",
		"account_id": acct.ID,
		"balance":    acct.Balance.String(),
		"currency":   currency,
	}, witness.TierInformational); err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

// SimulateTransaction runs one transfer intent through the gate and settles
// it according to the current mode. Structurally invalid input fails fast
// with ErrInvalidInput and produces no audit events; everything past
// validation is witnessed before the caller sees a result.
func (e *Engine) SimulateTransaction(ctx context.Context, from, to, amountStr, currency string) (*Transaction, error) {
	if e.halted.Load() {
		return nil, ErrHalted
	}

	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: account ids must be non-empty", ErrInvalidInput)
	}
	if from == to {
		return nil, fmt.Errorf("%w: source and destination are the same account", ErrInvalidInput)
	}
	amount, err := money.Parse(amountStr, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s must be positive", ErrInvalidInput, amount)
	}

	tx := &Transaction{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: e.clock.Now(),
	}
	tx.Digest, err = canonicalize.Digest(map[string]any{
		"transaction_id": tx.ID,
		"from":           from,
		"to":             to,
		"amount_minor":   amount.Minor,
		"currency":       amount.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("intent digest: %w", err)
	}

	decision, mode, err := e.gate.Authorize(gate.Intent{From: from, To: to, Amount: amount})
	if err != nil {
		return nil, err
	}
	tx.Mode = mode

	switch decision {
	case gate.DecisionSimulate:
		err = e.settleProjected(tx)
	case gate.DecisionRequireApproval:
		err = e.settleWithApproval(ctx, tx)
	case gate.DecisionCommit:
		err = e.settleReal(tx)
	default:
		return nil, fmt.Errorf("unhandled gate decision %q", decision)
	}

	e.mu.Lock()
	e.transactions[tx.ID] = tx
	e.mu.Unlock()

	// Callers get a copy; the stored record stays under the engine's control
	// so terminal statuses cannot be rewritten from outside.
	cp := *tx
	return &cp, err
}

// settleProjected applies the transfer to the mode's balance projection.
// If the witness fails after the projection moved, the overlay is rolled
// back: no acknowledged success without a chained event.
func (e *Engine) settleProjected(tx *Transaction) error {
	transfer := ledger.Transfer{TxID: tx.ID, From: tx.From, To: tx.To, Amount: tx.Amount}
	proj := e.ledger.Projection(string(tx.Mode))

	if _, _, err := proj.ApplyTransfer(transfer); err != nil {
		tx.Status = StatusRejected
		tx.Reason = err.Error()
		e.witnessOutcome(tx)
		return err
	}

	tx.Status = StatusSimulated
	if err := e.witnessOutcome(tx); err != nil {
		if errors.Is(err, witness.ErrLatencyCapExceeded) {
			// The event is chained; only the latency promise broke.
			return err
		}
		tx.Status = StatusRejected
		tx.Reason = "audit witness unavailable"
		if rbErr := proj.Rollback(transfer); rbErr != nil {
			e.logger.Error("projection rollback failed", "tx", tx.ID, "error", rbErr)
		}
		return err
	}

	if err := e.ledger.RecordParticipation(tx.ID, tx.From, tx.To); err != nil {
		e.logger.Error("history append failed", "tx", tx.ID, "error", err)
	}
	return nil
}

// settleWithApproval parks the intent with the broker and settles for real
// only on an explicit grant. Denial and expiry are terminal rejections, not
// errors.
func (e *Engine) settleWithApproval(ctx context.Context, tx *Transaction) error {
	tx.Status = StatusApprovalRequired
	req := e.approvals.Request(tx.Digest)

	if _, err := e.log.Witness(witness.KindApprovalRequested, engineActor, map[string]any{
		"transaction_id": tx.ID,
		"request_id":     req.RequestID,
		"intent_digest":  tx.Digest,
		"mode":           string(tx.Mode),
	}, witness.TierPolicy); err != nil && !errors.Is(err, witness.ErrLatencyCapExceeded) {
		tx.Status = StatusRejected
		tx.Reason = "audit witness unavailable"
		return err
	}

	granted, err := e.approvals.Await(ctx, req.RequestID)
	if err != nil {
		return err
	}

	if !granted {
		tx.Status = StatusRejected
		tx.Reason = "approval denied or expired"
		if _, werr := e.log.Witness(witness.KindApprovalDenied, engineActor, map[string]any{
			"transaction_id": tx.ID,
			"request_id":     req.RequestID,
		}, witness.TierPolicy); werr != nil && !errors.Is(werr, witness.ErrLatencyCapExceeded) {
			return werr
		}
		tx.Witnessed = true
		return nil
	}

	if _, err := e.log.Witness(witness.KindApprovalGranted, engineActor, map[string]any{
		"transaction_id": tx.ID,
		"request_id":     req.RequestID,
	}, witness.TierPolicy); err != nil && !errors.Is(err, witness.ErrLatencyCapExceeded) {
		tx.Status = StatusRejected
		tx.Reason = "audit witness unavailable"
		return err
	}
	return e.settleReal(tx)
}

// settleReal moves real balances. Only reachable through a COMMIT decision
// or an explicit approval grant.
func (e *Engine) settleReal(tx *Transaction) error {
	transfer := ledger.Transfer{TxID: tx.ID, From: tx.From, To: tx.To, Amount: tx.Amount}
	if _, _, err := e.ledger.ApplyTransfer(transfer); err != nil {
		tx.Status = StatusRejected
		tx.Reason = err.Error()
		e.witnessOutcome(tx)
		return err
	}
	tx.Status = StatusCommitted
	return e.witnessOutcome(tx)
}

// witnessOutcome chains the transaction's terminal state.
func (e *Engine) witnessOutcome(tx *Transaction) error {
	payload := map[string]any{
		"transaction_id": tx.ID,
		"from":           tx.From,
		"to":             tx.To,
		"amount":         tx.Amount.String(),
		"currency":       tx.Amount.Currency,
		"status":         string(tx.Status),
		"digest":         tx.Digest,
		"mode":           string(tx.Mode),
	}
	if tx.Reason != "" {
		payload["reason"] = tx.Reason
	}
	_, err := e.log.Witness(witness.KindTransactionSimulation, engineActor, payload, witness.TierPolicy)
	if err == nil || errors.Is(err, witness.ErrLatencyCapExceeded) {
		tx.Witnessed = true
	}
	return err
}

// ResolveApproval rules on a pending approval request.
func (e *Engine) ResolveApproval(requestID string, granted bool) error {
	return e.approvals.Resolve(requestID, granted)
}

// PendingApprovals lists requests awaiting an operator.
func (e *Engine) PendingApprovals() []approvals.PendingApproval {
	return e.approvals.Pending()
}

// Promote advances the execution mode with a signed token. Both outcomes are
// witnessed: a grant as a MODE_PROMOTION, a rejection as a
// COMPLIANCE_VIOLATION.
func (e *Engine) Promote(target gate.Mode, token *pqc.Signature) (gate.Mode, error) {
	before := e.gate.Mode()
	after, err := e.gate.Promote(target, token)
	if err != nil {
		if _, werr := e.log.Witness(witness.KindComplianceViolation, engineActor, map[string]any{
			"violation": "unauthorized_mode_promotion",
			"from":      string(before),
			"target":    string(target),
		}, witness.TierLaw); werr != nil && !errors.Is(werr, witness.ErrLatencyCapExceeded) {
			e.logger.Error("failed to witness rejected promotion", "error", werr)
		}
		return after, err
	}
	if _, werr := e.log.Witness(witness.KindModePromotion, engineActor, map[string]any{
		"from": string(before),
		"to":   string(after),
	}, witness.TierLaw); werr != nil && !errors.Is(werr, witness.ErrLatencyCapExceeded) {
		return after, werr
	}
	e.logger.Info("mode promoted", "from", before, "to", after)
	return after, nil
}

// Halt stops all new work and witnesses the emergency stop. Halting is
// idempotent.
func (e *Engine) Halt(reason string) error {
	if e.halted.Swap(true) {
		return nil
	}
	e.logger.Warn("emergency stop", "reason", reason)
	_, err := e.log.Witness(witness.KindEmergencyStop, engineActor, map[string]any{
		"reason": reason,
	}, witness.TierLaw)
	if errors.Is(err, witness.ErrLatencyCapExceeded) {
		return nil
	}
	return err
}

// ClearHalt resumes operation after an emergency stop.
func (e *Engine) ClearHalt() error {
	if !e.halted.Swap(false) {
		return nil
	}
	_, err := e.log.Witness(witness.KindSandboxAction, engineActor, map[string]any{
		"action": "halt_cleared",
	}, witness.TierAdvisory)
	if errors.Is(err, witness.ErrLatencyCapExceeded) {
		return nil
	}
	return err
}

// Halted reports whether the engine is stopped.
func (e *Engine) Halted() bool { return e.halted.Load() }

// BuildEvidence signs an evidence record over the whole chain so far.
func (e *Engine) BuildEvidence() (*evidence.Record, error) {
	n := e.log.Len()
	if n == 0 {
		return nil, evidence.ErrNoEvidence
	}
	return e.evidence.Build(1, n)
}

// VerifyEvidence checks a record against the live chain.
func (e *Engine) VerifyEvidence(rec *evidence.Record) error {
	return e.evidence.Verify(rec)
}

// LatestEvidence returns the most recent evidence record.
func (e *Engine) LatestEvidence() (*evidence.Record, error) {
	return e.evidence.Latest()
}

// ExportAudit serializes a chain range as a portable bundle.
func (e *Engine) ExportAudit(from, to uint64) (*witness.Bundle, error) {
	return e.log.ExportBundle(from, to)
}

// Mode returns the current execution mode.
func (e *Engine) Mode() gate.Mode { return e.gate.Mode() }

// ChainHead returns the audit chain head hash.
func (e *Engine) ChainHead() string { return e.log.Head() }

// ChainLen returns the number of chained audit entries.
func (e *Engine) ChainLen() uint64 { return e.log.Len() }

// VerifyChain re-verifies the full audit chain.
func (e *Engine) VerifyChain() error { return e.log.VerifyAll() }

// Genesis returns the chain anchor constant verifiers must be handed.
func (e *Engine) Genesis() string { return e.log.Genesis() }

// LatestEvents returns up to n most recent audit entries.
func (e *Engine) LatestEvents(n int) []witness.Entry { return e.log.Latest(n) }

// Authority exposes the signing authority, e.g. to mint promotion tokens.
func (e *Engine) Authority() *pqc.Authority { return e.authority }

// AccountSnapshot returns the real-balance view of an account.
func (e *Engine) AccountSnapshot(id string) (ledger.Account, error) {
	return e.ledger.GetAccount(id)
}

// ProjectedBalance returns the account's balance in the current mode's
// projection.
func (e *Engine) ProjectedBalance(id string) (money.Amount, error) {
	return e.ledger.Projection(string(e.gate.Mode())).Balance(id)
}

// Accounts returns snapshots of every account, ordered by ID.
func (e *Engine) Accounts() []ledger.Account { return e.ledger.Snapshot() }

// Transaction looks up a processed transaction by ID.
func (e *Engine) Transaction(id string) (*Transaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, ok := e.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	cp := *tx
	return &cp, nil
}
