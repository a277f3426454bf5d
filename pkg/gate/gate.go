// Package gate decides how a transfer intent executes: simulated in shadow,
// parked for approval, or committed against real balances. The decision
// depends on the current execution mode and a per-mode CEL threshold policy.
// Mode promotion requires an ML-DSA-65 token from the governance authority.
package gate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chainbridge-labs/shadowcore/pkg/canonicalize"
	"github.com/chainbridge-labs/shadowcore/pkg/pqc"
)

var (
	ErrInvalidMode           = errors.New("invalid execution mode")
	ErrUnauthorizedPromotion = errors.New("unauthorized mode promotion")
	ErrTerminalMode          = errors.New("mode is terminal")
)

// Gate holds the current mode and rules on intents. The mode is read under
// the same lock that Authorize takes, so a promotion can never interleave
// with a half-made decision.
type Gate struct {
	mu           sync.RWMutex
	mode         Mode
	policy       *Policy
	promotionKey []byte
}

// NewGate creates a gate in SHADOW mode. promotionKey is the serialized
// public key whose signatures authorize promotions.
func NewGate(policy *Policy, promotionKey []byte) *Gate {
	return &Gate{
		mode:         ModeShadow,
		policy:       policy,
		promotionKey: promotionKey,
	}
}

// Mode returns the current execution mode.
func (g *Gate) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// Authorize rules on an intent and returns the decision together with the
// mode it was made under. SHADOW always simulates and never commits. In
// PILOT and PRODUCTION the policy splits intents into RequireApproval and
// Commit; operators who want every transfer reviewed set the threshold
// expression to `true`.
func (g *Gate) Authorize(intent Intent) (Decision, Mode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	mode := g.mode
	if mode == ModeShadow {
		return DecisionSimulate, mode, nil
	}

	needsApproval, err := g.policy.RequiresApproval(mode, intent)
	if err != nil {
		return "", mode, err
	}
	if needsApproval {
		return DecisionRequireApproval, mode, nil
	}
	return DecisionCommit, mode, nil
}

// PromotionDigest is the canonical digest a promotion token must sign.
func PromotionDigest(from, to Mode) string {
	digest, err := canonicalize.Digest(map[string]string{
		"action": "mode_promotion",
		"from":   string(from),
		"to":     string(to),
	})
	if err != nil {
		// A map of strings always canonicalizes; treat failure as unsignable.
		return ""
	}
	return digest
}

// SignPromotion issues a promotion token for the from -> to transition.
func SignPromotion(authority *pqc.Authority, from, to Mode) (*pqc.Signature, error) {
	digest := PromotionDigest(from, to)
	if digest == "" {
		return nil, fmt.Errorf("%w: digest construction failed", ErrUnauthorizedPromotion)
	}
	return authority.Sign(digest)
}

// Promote advances the mode by exactly one step. The token must be a valid
// signature over the specific from -> to transition; a token minted for one
// transition never authorizes another. On failure the mode is unchanged.
func (g *Gate) Promote(target Mode, token *pqc.Signature) (Mode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !target.Valid() {
		return g.mode, fmt.Errorf("%w: %q", ErrInvalidMode, target)
	}
	next := g.mode.Next()
	if next == "" {
		return g.mode, fmt.Errorf("%w: %s", ErrTerminalMode, g.mode)
	}
	if target != next {
		return g.mode, fmt.Errorf("%w: %s -> %s is not a single-step transition", ErrUnauthorizedPromotion, g.mode, target)
	}
	if token == nil || !pqc.Verify(PromotionDigest(g.mode, target), token, g.promotionKey) {
		return g.mode, fmt.Errorf("%w: missing or invalid token for %s -> %s", ErrUnauthorizedPromotion, g.mode, target)
	}
	g.mode = target
	return g.mode, nil
}
