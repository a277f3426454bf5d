package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chainbridge-labs/shadowcore/pkg/config"
	"github.com/chainbridge-labs/shadowcore/pkg/gate"
	"github.com/chainbridge-labs/shadowcore/pkg/ledger"
	"github.com/chainbridge-labs/shadowcore/pkg/witness"
)

func testConfig() config.Config {
	return config.Config{
		SignerID:         "IG-12",
		SoftBudget:       50 * time.Millisecond,
		HardCap:          500 * time.Millisecond,
		ApprovalTimeout:  5 * time.Second,
		PilotPolicy:      `amount_minor > 10000`,
		ProductionPolicy: `amount_minor > 100000`,
	}
}

func newTestEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func fundedEngine(t *testing.T) *Engine {
	t.Helper()
	e := newTestEngine(t, testConfig())
	if _, err := e.CreateAccount("A", "500.00", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateAccount("B", "250.00", "USD"); err != nil {
		t.Fatal(err)
	}
	return e
}

func promoteTo(t *testing.T, e *Engine, target gate.Mode) {
	t.Helper()
	token, err := gate.SignPromotion(e.Authority(), e.Mode(), target)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Promote(target, token); err != nil {
		t.Fatalf("promote to %s: %v", target, err)
	}
}

func lastEvent(t *testing.T, e *Engine) witness.Entry {
	t.Helper()
	events := e.LatestEvents(1)
	if len(events) == 0 {
		t.Fatal("no audit events")
	}
	return events[0]
}

func TestShadowSimulationLeavesRealBalancesUntouched(t *testing.T) {
	e := fundedEngine(t)

	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "250.00", "USD")
	if err != nil {
		t.Fatalf("SimulateTransaction: %v", err)
	}
	if tx.Status != StatusSimulated {
		t.Errorf("status = %s, want %s", tx.Status, StatusSimulated)
	}
	if tx.Mode != gate.ModeShadow {
		t.Errorf("mode = %s, want %s", tx.Mode, gate.ModeShadow)
	}
	if !tx.Witnessed {
		t.Error("acknowledged transaction not witnessed")
	}

	a, _ := e.AccountSnapshot("A")
	b, _ := e.AccountSnapshot("B")
	if a.Balance.String() != "500.00" || b.Balance.String() != "250.00" {
		t.Errorf("real balances moved in shadow: %s / %s", a.Balance, b.Balance)
	}

	projA, err := e.ProjectedBalance("A")
	if err != nil {
		t.Fatal(err)
	}
	if projA.String() != "250.00" {
		t.Errorf("projected balance = %s, want 250.00", projA)
	}

	// History records the attempt even though settlement was virtual.
	if len(a.History) != 1 || a.History[0] != tx.ID {
		t.Errorf("history = %v, want [%s]", a.History, tx.ID)
	}

	last := lastEvent(t, e)
	if last.Kind != witness.KindTransactionSimulation {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindTransactionSimulation)
	}
	if last.Payload["status"] != string(StatusSimulated) {
		t.Errorf("witnessed status = %v", last.Payload["status"])
	}

	if err := e.VerifyChain(); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestStructurallyInvalidInputLeavesNoTrace(t *testing.T) {
	e := fundedEngine(t)
	before := e.ChainLen()

	cases := []struct {
		name                       string
		from, to, amount, currency string
	}{
		{"zero amount", "A", "B", "0.00", "USD"},
		{"negative amount", "A", "B", "-10.00", "USD"},
		{"malformed amount", "A", "B", "ten dollars", "USD"},
		{"scale overflow", "A", "B", "1.001", "USD"},
		{"empty source", "", "B", "10.00", "USD"},
		{"empty destination", "A", "", "10.00", "USD"},
		{"self transfer", "A", "A", "10.00", "USD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.SimulateTransaction(context.Background(), tc.from, tc.to, tc.amount, tc.currency)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if e.ChainLen() != before {
		t.Errorf("structural rejections must not witness events: len %d -> %d", before, e.ChainLen())
	}
}

func TestInsufficientFundsIsWitnessedRejection(t *testing.T) {
	e := fundedEngine(t)
	before := e.ChainLen()

	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "9999.00", "USD")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if tx.Status != StatusRejected {
		t.Errorf("status = %s, want %s", tx.Status, StatusRejected)
	}

	// The rejection itself lands on the chain.
	if e.ChainLen() != before+1 {
		t.Fatalf("chain len = %d, want %d", e.ChainLen(), before+1)
	}
	last := lastEvent(t, e)
	if last.Payload["status"] != string(StatusRejected) {
		t.Errorf("witnessed status = %v", last.Payload["status"])
	}
}

func TestUnknownAccountRejection(t *testing.T) {
	e := fundedEngine(t)
	tx, err := e.SimulateTransaction(context.Background(), "A", "GHOST", "10.00", "USD")
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if tx.Status != StatusRejected {
		t.Errorf("status = %s", tx.Status)
	}
}

func TestRepeatedShadowSimulationIsIdempotentOnRealState(t *testing.T) {
	e := fundedEngine(t)
	for i := 0; i < 3; i++ {
		if _, err := e.SimulateTransaction(context.Background(), "A", "B", "50.00", "USD"); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := e.AccountSnapshot("A")
	if a.Balance.String() != "500.00" {
		t.Errorf("real balance drifted across simulations: %s", a.Balance)
	}
	proj, _ := e.ProjectedBalance("A")
	if proj.String() != "350.00" {
		t.Errorf("projected balance = %s, want 350.00", proj)
	}
}

func TestPromoteWithoutTokenIsViolatedAndRefused(t *testing.T) {
	e := fundedEngine(t)

	mode, err := e.Promote(gate.ModePilot, nil)
	if !errors.Is(err, gate.ErrUnauthorizedPromotion) {
		t.Fatalf("expected ErrUnauthorizedPromotion, got %v", err)
	}
	if mode != gate.ModeShadow || e.Mode() != gate.ModeShadow {
		t.Error("mode moved on rejected promotion")
	}

	last := lastEvent(t, e)
	if last.Kind != witness.KindComplianceViolation {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindComplianceViolation)
	}
	if last.Payload["violation"] != "unauthorized_mode_promotion" {
		t.Errorf("violation payload = %v", last.Payload)
	}
}

func TestPromotionIsWitnessed(t *testing.T) {
	e := fundedEngine(t)
	promoteTo(t, e, gate.ModePilot)

	if e.Mode() != gate.ModePilot {
		t.Fatalf("mode = %s", e.Mode())
	}
	last := lastEvent(t, e)
	if last.Kind != witness.KindModePromotion {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindModePromotion)
	}
	if last.Payload["from"] != string(gate.ModeShadow) || last.Payload["to"] != string(gate.ModePilot) {
		t.Errorf("promotion payload = %v", last.Payload)
	}
}

func TestPilotBelowThresholdCommits(t *testing.T) {
	e := fundedEngine(t)
	promoteTo(t, e, gate.ModePilot)

	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "50.00", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusCommitted || tx.Mode != gate.ModePilot {
		t.Errorf("status = %s in %s, want %s in %s", tx.Status, tx.Mode, StatusCommitted, gate.ModePilot)
	}
	a, _ := e.AccountSnapshot("A")
	b, _ := e.AccountSnapshot("B")
	if a.Balance.String() != "450.00" || b.Balance.String() != "300.00" {
		t.Errorf("below-threshold pilot transfer must settle: %s / %s", a.Balance, b.Balance)
	}
}

func TestPilotAboveThresholdGrantedCommits(t *testing.T) {
	e := fundedEngine(t)
	promoteTo(t, e, gate.ModePilot)

	type result struct {
		tx  *Transaction
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := e.SimulateTransaction(context.Background(), "A", "B", "250.00", "USD")
		done <- result{tx, err}
	}()

	req := waitForPending(t, e)
	if err := e.ResolveApproval(req, true); err != nil {
		t.Fatal(err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("SimulateTransaction: %v", res.err)
	}
	if res.tx.Status != StatusCommitted {
		t.Errorf("status = %s, want %s", res.tx.Status, StatusCommitted)
	}

	a, _ := e.AccountSnapshot("A")
	b, _ := e.AccountSnapshot("B")
	if a.Balance.String() != "250.00" || b.Balance.String() != "500.00" {
		t.Errorf("granted transfer did not settle: %s / %s", a.Balance, b.Balance)
	}

	// Chain carries request, grant, and outcome in order.
	kinds := eventKinds(e.LatestEvents(3))
	want := []witness.EventKind{witness.KindApprovalRequested, witness.KindApprovalGranted, witness.KindTransactionSimulation}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if err := e.VerifyChain(); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestPilotAboveThresholdDeniedRejects(t *testing.T) {
	e := fundedEngine(t)
	promoteTo(t, e, gate.ModePilot)

	done := make(chan *Transaction, 1)
	go func() {
		tx, err := e.SimulateTransaction(context.Background(), "A", "B", "250.00", "USD")
		if err != nil {
			t.Errorf("denial must not be an error: %v", err)
		}
		done <- tx
	}()

	req := waitForPending(t, e)
	if err := e.ResolveApproval(req, false); err != nil {
		t.Fatal(err)
	}

	tx := <-done
	if tx.Status != StatusRejected {
		t.Errorf("status = %s, want %s", tx.Status, StatusRejected)
	}
	a, _ := e.AccountSnapshot("A")
	if a.Balance.String() != "500.00" {
		t.Errorf("denied transfer moved funds: %s", a.Balance)
	}
	last := lastEvent(t, e)
	if last.Kind != witness.KindApprovalDenied {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindApprovalDenied)
	}
}

func TestApprovalTimeoutRejects(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalTimeout = 30 * time.Millisecond
	e := newTestEngine(t, cfg)
	if _, err := e.CreateAccount("A", "500.00", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateAccount("B", "250.00", "USD"); err != nil {
		t.Fatal(err)
	}
	promoteTo(t, e, gate.ModePilot)

	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "250.00", "USD")
	if err != nil {
		t.Fatalf("timeout must resolve as rejection, got error: %v", err)
	}
	if tx.Status != StatusRejected {
		t.Errorf("status = %s, want %s", tx.Status, StatusRejected)
	}
	last := lastEvent(t, e)
	if last.Kind != witness.KindApprovalDenied {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindApprovalDenied)
	}
}

func TestProductionCommitSettles(t *testing.T) {
	e := fundedEngine(t)
	promoteTo(t, e, gate.ModePilot)
	promoteTo(t, e, gate.ModeProduction)

	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "250.00", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusCommitted || tx.Mode != gate.ModeProduction {
		t.Errorf("status = %s in %s", tx.Status, tx.Mode)
	}
	a, _ := e.AccountSnapshot("A")
	if a.Balance.String() != "250.00" {
		t.Errorf("commit did not settle: %s", a.Balance)
	}
}

func TestHaltStopsWorkAndIsWitnessed(t *testing.T) {
	e := fundedEngine(t)

	if err := e.Halt("operator pulled the cord"); err != nil {
		t.Fatal(err)
	}
	last := lastEvent(t, e)
	if last.Kind != witness.KindEmergencyStop {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindEmergencyStop)
	}
	if last.Tier != witness.TierLaw {
		t.Errorf("halt tier = %s, want %s", last.Tier, witness.TierLaw)
	}

	if _, err := e.SimulateTransaction(context.Background(), "A", "B", "10.00", "USD"); !errors.Is(err, ErrHalted) {
		t.Errorf("expected ErrHalted, got %v", err)
	}
	if _, err := e.CreateAccount("C", "1.00", "USD"); !errors.Is(err, ErrHalted) {
		t.Errorf("expected ErrHalted for account creation, got %v", err)
	}

	// Double halt is a no-op, not a second event.
	before := e.ChainLen()
	if err := e.Halt("again"); err != nil {
		t.Fatal(err)
	}
	if e.ChainLen() != before {
		t.Error("repeated halt witnessed twice")
	}

	if err := e.ClearHalt(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SimulateTransaction(context.Background(), "A", "B", "10.00", "USD"); err != nil {
		t.Errorf("engine did not resume: %v", err)
	}
}

func TestEvidenceLifecycle(t *testing.T) {
	e := fundedEngine(t)
	if _, err := e.SimulateTransaction(context.Background(), "A", "B", "100.00", "USD"); err != nil {
		t.Fatal(err)
	}

	rec, err := e.BuildEvidence()
	if err != nil {
		t.Fatalf("BuildEvidence: %v", err)
	}
	if err := e.VerifyEvidence(rec); err != nil {
		t.Errorf("VerifyEvidence: %v", err)
	}

	latest, err := e.LatestEvidence()
	if err != nil || latest.ID != rec.ID {
		t.Errorf("LatestEvidence = %v, %v", latest, err)
	}

	last := lastEvent(t, e)
	if last.Kind != witness.KindEvidenceGenerated {
		t.Errorf("last event = %s, want %s", last.Kind, witness.KindEvidenceGenerated)
	}
}

func TestAuditExportRoundTrip(t *testing.T) {
	e := fundedEngine(t)
	if _, err := e.SimulateTransaction(context.Background(), "A", "B", "100.00", "USD"); err != nil {
		t.Fatal(err)
	}

	bundle, err := e.ExportAudit(1, e.ChainLen())
	if err != nil {
		t.Fatal(err)
	}
	raw, err := bundle.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	imported, err := witness.ParseBundle(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := imported.Verify(witness.GenesisHash); err != nil {
		t.Errorf("imported bundle verify: %v", err)
	}
}

func TestTransactionLookup(t *testing.T) {
	e := fundedEngine(t)
	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "10.00", "USD")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Transaction(tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tx.Status || got.Digest != tx.Digest {
		t.Error("lookup returned different transaction")
	}
	if _, err := e.Transaction("nope"); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("expected ErrUnknownTransaction, got %v", err)
	}
}

func TestReturnedTransactionIsDetachedFromStore(t *testing.T) {
	e := fundedEngine(t)
	tx, err := e.SimulateTransaction(context.Background(), "A", "B", "10.00", "USD")
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not rewrite the stored record.
	tx.Status = StatusCommitted
	stored, err := e.Transaction(tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusSimulated {
		t.Errorf("stored status = %s, want %s", stored.Status, StatusSimulated)
	}
}

func TestConcurrentShadowSimulations(t *testing.T) {
	e := fundedEngine(t)

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			tx, err := e.SimulateTransaction(context.Background(), "A", "B", "10.00", "USD")
			if err != nil {
				t.Errorf("simulate: %v", err)
				return
			}
			ids <- tx.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate transaction id %s", id)
		}
		seen[id] = true
	}

	a, _ := e.AccountSnapshot("A")
	if a.Balance.String() != "500.00" {
		t.Errorf("real balance moved under concurrent shadow load: %s", a.Balance)
	}
	proj, _ := e.ProjectedBalance("A")
	if proj.String() != "340.00" {
		t.Errorf("projected balance = %s, want 340.00", proj)
	}
	if err := e.VerifyChain(); err != nil {
		t.Errorf("VerifyChain after concurrent load: %v", err)
	}
}

func waitForPending(t *testing.T, e *Engine) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := e.PendingApprovals(); len(pending) > 0 {
			return pending[0].RequestID
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no pending approval appeared")
	return ""
}

func eventKinds(entries []witness.Entry) []witness.EventKind {
	kinds := make([]witness.EventKind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}
