package witness

import "fmt"

// EventKind classifies witnessed events. The set is closed: Witness rejects
// kinds outside this list so the audit trail stays machine-readable.
type EventKind string

const (
	KindTransactionSimulation EventKind = "TRANSACTION_SIMULATION"
	KindSandboxAction         EventKind = "SANDBOX_ACTION"
	KindApprovalRequested     EventKind = "IG_APPROVAL_REQUESTED"
	KindApprovalGranted       EventKind = "IG_APPROVAL_GRANTED"
	KindApprovalDenied        EventKind = "IG_APPROVAL_DENIED"
	KindComplianceViolation   EventKind = "COMPLIANCE_VIOLATION"
	KindEmergencyStop         EventKind = "EMERGENCY_STOP"
	KindEvidenceGenerated     EventKind = "BER_GENERATED"
	KindModePromotion         EventKind = "MODE_PROMOTION"
)

var validKinds = map[EventKind]struct{}{
	KindTransactionSimulation: {},
	KindSandboxAction:         {},
	KindApprovalRequested:     {},
	KindApprovalGranted:       {},
	KindApprovalDenied:        {},
	KindComplianceViolation:   {},
	KindEmergencyStop:         {},
	KindEvidenceGenerated:     {},
	KindModePromotion:         {},
}

// Valid reports whether k is one of the defined event kinds.
func (k EventKind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// ComplianceTier ranks the regulatory weight of an event.
type ComplianceTier string

const (
	TierLaw           ComplianceTier = "LAW_TIER"
	TierPolicy        ComplianceTier = "POLICY_TIER"
	TierAdvisory      ComplianceTier = "ADVISORY_TIER"
	TierInformational ComplianceTier = "INFORMATIONAL"
)

// Rank orders tiers for comparison; higher means more binding.
func (t ComplianceTier) Rank() int {
	switch t {
	case TierLaw:
		return 3
	case TierPolicy:
		return 2
	case TierAdvisory:
		return 1
	case TierInformational:
		return 0
	default:
		return -1
	}
}

// Valid reports whether t is a defined tier.
func (t ComplianceTier) Valid() bool { return t.Rank() >= 0 }

func (t ComplianceTier) String() string { return string(t) }

func (k EventKind) String() string { return string(k) }

// GoString aids debugging output in test failures.
func (k EventKind) GoString() string { return fmt.Sprintf("witness.EventKind(%q)", string(k)) }
