// Package merkle builds SHA3-256 merkle trees over ordered lists of hex
// digests. Evidence records commit to an audit range through the tree root,
// and inclusion proofs let a verifier check a single entry against the root
// without the full range.
package merkle

import (
	"errors"
	"fmt"

	"github.com/chainbridge-labs/shadowcore/pkg/canonicalize"
)

// EmptyRoot is the root of a tree with no leaves.
var EmptyRoot = canonicalize.DigestString("EMPTY")

var ErrLeafIndex = errors.New("leaf index out of range")

// Root computes the merkle root of the leaves in order. An odd node at any
// level is paired with itself.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, pair(level[i], right))
		}
		level = next
	}
	return level[0]
}

func pair(left, right string) string {
	return canonicalize.DigestString(left + right)
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // sibling sits to the left of the running hash
}

// Proof builds an inclusion proof for the leaf at index.
func Proof(leaves []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafIndex, index, len(leaves))
	}
	var steps []ProofStep
	level := append([]string(nil), leaves...)
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos // odd node pairs with itself
		}
		steps = append(steps, ProofStep{Hash: level[sibling], Left: sibling < pos})

		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, pair(level[i], right))
		}
		level = next
		pos /= 2
	}
	return steps, nil
}

// VerifyProof replays a proof from a leaf hash and reports whether it
// reproduces the root.
func VerifyProof(leaf string, steps []ProofStep, root string) bool {
	h := leaf
	for _, s := range steps {
		if s.Left {
			h = pair(s.Hash, h)
		} else {
			h = pair(h, s.Hash)
		}
	}
	return h == root
}
