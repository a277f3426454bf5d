package gate

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/chainbridge-labs/shadowcore/pkg/money"
)

// Eval guards: policy expressions are operator-supplied, so evaluation is
// cost-bounded and interruptible.
const (
	policyCostLimit          = 1_000_000
	policyInterruptFrequency = 100
)

var (
	ErrPolicyCompile = errors.New("policy expression rejected")
	ErrPolicyEval    = errors.New("policy evaluation failed")
)

// Intent is a transfer the gate is asked to rule on.
type Intent struct {
	From   string
	To     string
	Amount money.Amount
}

// Policy holds compiled threshold expressions per mode. An expression that
// evaluates true means the intent needs operator approval in that mode.
type Policy struct {
	programs map[Mode]cel.Program
}

// NewPolicy compiles one boolean CEL expression per mode. Expressions see
// amount_minor (int), currency, from, and to (strings). Modes without an
// expression never require approval.
func NewPolicy(exprs map[Mode]string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount_minor", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy environment: %w", err)
	}

	programs := make(map[Mode]cel.Program, len(exprs))
	for mode, expr := range exprs {
		if !mode.Valid() {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrPolicyCompile, mode)
		}
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPolicyCompile, mode, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: %s: expression must yield bool, got %s", ErrPolicyCompile, mode, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.CostLimit(policyCostLimit),
			cel.InterruptCheckFrequency(policyInterruptFrequency),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPolicyCompile, mode, err)
		}
		programs[mode] = prg
	}
	return &Policy{programs: programs}, nil
}

// RequiresApproval evaluates the mode's expression against the intent.
func (p *Policy) RequiresApproval(mode Mode, intent Intent) (bool, error) {
	prg, ok := p.programs[mode]
	if !ok {
		return false, nil
	}
	out, _, err := prg.Eval(map[string]any{
		"amount_minor": intent.Amount.Minor,
		"currency":     intent.Amount.Currency,
		"from":         intent.From,
		"to":           intent.To,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPolicyEval, err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: non-boolean result %v", ErrPolicyEval, out.Value())
	}
	return verdict, nil
}
