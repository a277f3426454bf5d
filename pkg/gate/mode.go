package gate

// Mode is the execution mode of the sandbox. Modes only ever move forward,
// one step at a time, and each step needs a signed promotion token.
type Mode string

const (
	ModeShadow     Mode = "SHADOW"
	ModePilot      Mode = "PILOT"
	ModeProduction Mode = "PRODUCTION"
)

// Rank orders modes by privilege.
func (m Mode) Rank() int {
	switch m {
	case ModeShadow:
		return 0
	case ModePilot:
		return 1
	case ModeProduction:
		return 2
	default:
		return -1
	}
}

// Valid reports whether m is a defined mode.
func (m Mode) Valid() bool { return m.Rank() >= 0 }

// Next returns the only mode m may be promoted to. PRODUCTION is terminal
// and returns the empty mode.
func (m Mode) Next() Mode {
	switch m {
	case ModeShadow:
		return ModePilot
	case ModePilot:
		return ModeProduction
	default:
		return ""
	}
}

func (m Mode) String() string { return string(m) }

// Decision is the gate's verdict for an intent.
type Decision string

const (
	// DecisionSimulate routes the intent to the shadow projection.
	DecisionSimulate Decision = "SIMULATE"
	// DecisionRequireApproval parks the intent until an operator rules.
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
	// DecisionCommit settles against real balances.
	DecisionCommit Decision = "COMMIT"
)
