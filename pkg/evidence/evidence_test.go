package evidence

import (
	"errors"
	"testing"
	"time"

	"github.com/chainbridge-labs/shadowcore/pkg/clock"
	"github.com/chainbridge-labs/shadowcore/pkg/pqc"
	"github.com/chainbridge-labs/shadowcore/pkg/witness"
)

func setup(t *testing.T) (*witness.Log, *Builder) {
	t.Helper()
	auth, err := pqc.NewAuthority("IG-12")
	if err != nil {
		t.Fatal(err)
	}
	log := witness.NewLog(auth)
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	return log, NewBuilder(log, auth, manual)
}

func seed(t *testing.T, log *witness.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := log.Witness(witness.KindTransactionSimulation, "engine", map[string]any{"i": i}, witness.TierPolicy); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildAndVerify(t *testing.T) {
	log, b := setup(t)
	seed(t, log, 4)

	rec, err := b.Build(1, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rec.StartSeq != 1 || rec.EndSeq != 4 {
		t.Errorf("range = [%d, %d]", rec.StartSeq, rec.EndSeq)
	}
	if rec.CreatedAt.Unix() != 1_700_000_000 {
		t.Errorf("created at = %v, want the injected clock instant", rec.CreatedAt)
	}
	if err := b.Verify(rec); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// Generation is itself witnessed as the next chain entry.
	if log.Len() != 5 {
		t.Fatalf("log len = %d, want 5", log.Len())
	}
	last := log.Latest(1)[0]
	if last.Kind != witness.KindEvidenceGenerated {
		t.Errorf("last entry kind = %s, want %s", last.Kind, witness.KindEvidenceGenerated)
	}
	if last.Tier != witness.TierLaw {
		t.Errorf("evidence tier = %s, want %s", last.Tier, witness.TierLaw)
	}
	if last.Payload["record_id"] != rec.ID {
		t.Error("witnessed payload does not reference the record")
	}
}

func TestVerifyRejectsForgedRecord(t *testing.T) {
	log, b := setup(t)
	seed(t, log, 3)

	rec, err := b.Build(1, 3)
	if err != nil {
		t.Fatal(err)
	}

	forged := *rec
	forged.RangeDigest = "0000000000000000000000000000000000000000000000000000000000000000"
	if err := b.Verify(&forged); !errors.Is(err, ErrRecordMismatch) {
		t.Errorf("expected ErrRecordMismatch for forged digest, got %v", err)
	}

	widened := *rec
	widened.EndSeq = 4
	if err := b.Verify(&widened); !errors.Is(err, ErrRecordMismatch) {
		t.Errorf("expected ErrRecordMismatch for widened range, got %v", err)
	}

	if err := b.Verify(nil); !errors.Is(err, ErrNoEvidence) {
		t.Errorf("expected ErrNoEvidence for nil record, got %v", err)
	}
}

func TestLatest(t *testing.T) {
	log, b := setup(t)
	if _, err := b.Latest(); !errors.Is(err, ErrNoEvidence) {
		t.Errorf("expected ErrNoEvidence before any build, got %v", err)
	}
	seed(t, log, 2)
	rec, err := b.Build(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID {
		t.Error("Latest returned a different record")
	}
}

func TestBuildRejectsBadRange(t *testing.T) {
	log, b := setup(t)
	seed(t, log, 2)
	if _, err := b.Build(1, 10); !errors.Is(err, witness.ErrRangeOutOfBounds) {
		t.Errorf("expected range error, got %v", err)
	}
}
