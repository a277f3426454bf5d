package witness

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chainbridge-labs/shadowcore/pkg/canonicalize"
	"github.com/chainbridge-labs/shadowcore/pkg/pqc"
)

// BundleVersion identifies the export format. Importers reject other versions.
const BundleVersion = "shadowcore.audit.v1"

var (
	ErrBundleVersion = errors.New("unsupported bundle version")
	ErrBundleDigest  = errors.New("bundle digest mismatch")
	ErrBundleSchema  = errors.New("bundle schema validation failed")
)

// Bundle is a portable, self-verifying slice of the audit chain. A verifier
// holding only the bundle and the expected genesis constant can re-derive
// every link and signature.
type Bundle struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Genesis      string    `json:"genesis"`
	StartSeq     uint64    `json:"start_seq"`
	EndSeq       uint64    `json:"end_seq"`
	EntryCount   int       `json:"entry_count"`
	Entries      []Entry   `json:"entries"`
	ChainHead    string    `json:"chain_head"`
	PublicKeyHex string    `json:"public_key_hex"`
	BundleDigest string    `json:"bundle_digest"`
}

const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "created_at", "genesis", "start_seq", "end_seq",
               "entry_count", "entries", "chain_head", "public_key_hex", "bundle_digest"],
  "properties": {
    "version":        {"type": "string"},
    "created_at":     {"type": "string"},
    "genesis":        {"type": "string", "minLength": 1},
    "start_seq":      {"type": "integer", "minimum": 0},
    "end_seq":        {"type": "integer", "minimum": 0},
    "entry_count":    {"type": "integer", "minimum": 0},
    "chain_head":     {"type": "string", "minLength": 1},
    "public_key_hex": {"type": "string", "pattern": "^[0-9a-f]*$"},
    "bundle_digest":  {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "sequence", "kind", "timestamp_ms", "actor",
                     "tier", "previous_hash", "entry_hash", "signature"],
        "properties": {
          "id":            {"type": "string", "minLength": 1},
          "sequence":      {"type": "integer", "minimum": 1},
          "kind":          {"type": "string"},
          "timestamp_ms":  {"type": "integer"},
          "actor":         {"type": "string"},
          "tier":          {"type": "string"},
          "previous_hash": {"type": "string", "minLength": 1},
          "entry_hash":    {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "signature": {
            "type": "object",
            "required": ["value", "algorithm", "signer_id", "key_id"],
            "properties": {
              "value":     {"type": "string"},
              "algorithm": {"type": "string"},
              "signer_id": {"type": "string"},
              "key_id":    {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.schema.json", bundleSchema)

// ExportBundle serializes the inclusive sequence range [from, to] into a
// verifiable bundle.
func (l *Log) ExportBundle(from, to uint64) (*Bundle, error) {
	entries, err := l.Range(from, to)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		Version:      BundleVersion,
		CreatedAt:    l.clock.Now(),
		Genesis:      l.genesis,
		StartSeq:     from,
		EndSeq:       to,
		EntryCount:   len(entries),
		Entries:      entries,
		ChainHead:    entries[len(entries)-1].EntryHash,
		PublicKeyHex: l.authority.PublicKeyHex(),
	}
	digest, err := b.contentDigest()
	if err != nil {
		return nil, err
	}
	b.BundleDigest = digest
	return b, nil
}

// ParseBundle validates raw JSON against the bundle schema and decodes it.
// Schema validation runs before unmarshaling so malformed imports fail with a
// precise structural error instead of a zero-valued struct.
func ParseBundle(raw []byte) (*Bundle, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleSchema, err)
	}
	if err := compiledBundleSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleSchema, err)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleSchema, err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("%w: %q", ErrBundleVersion, b.Version)
	}
	return &b, nil
}

// ImportBundle parses raw JSON and fully verifies it against the expected
// genesis constant in one step.
func ImportBundle(raw []byte, expectedGenesis string) (*Bundle, error) {
	b, err := ParseBundle(raw)
	if err != nil {
		return nil, err
	}
	if err := b.Verify(expectedGenesis); err != nil {
		return nil, err
	}
	return b, nil
}

// Verify checks the bundle against an expected genesis constant: digest
// integrity, internal chain links, per-entry content hashes, and every
// signature under the bundle's embedded public key.
func (b *Bundle) Verify(expectedGenesis string) error {
	if b.Version != BundleVersion {
		return fmt.Errorf("%w: %q", ErrBundleVersion, b.Version)
	}
	if b.Genesis != expectedGenesis {
		return &IntegrityError{Sequence: b.StartSeq, Reason: "genesis anchor mismatch"}
	}
	digest, err := b.contentDigest()
	if err != nil {
		return err
	}
	if digest != b.BundleDigest {
		return fmt.Errorf("%w: recomputed %s", ErrBundleDigest, digest)
	}
	if len(b.Entries) != b.EntryCount {
		return fmt.Errorf("%w: entry count %d does not match %d entries", ErrBundleDigest, b.EntryCount, len(b.Entries))
	}

	pub, err := hex.DecodeString(b.PublicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: bad public key encoding: %v", ErrBundleSchema, err)
	}

	prev := ""
	for i, e := range b.Entries {
		want := prev
		if i == 0 {
			if b.StartSeq == 1 {
				want = b.Genesis
			} else {
				// Mid-chain export: the first link points outside the bundle
				// and is trusted as the range anchor.
				want = e.PreviousHash
			}
		}
		if e.PreviousHash != want {
			return &IntegrityError{Sequence: e.Sequence, Reason: "previous hash does not match predecessor"}
		}
		recomputed, err := entryDigest(e)
		if err != nil {
			return &IntegrityError{Sequence: e.Sequence, Reason: fmt.Sprintf("digest recomputation failed: %v", err)}
		}
		if recomputed != e.EntryHash {
			return &IntegrityError{Sequence: e.Sequence, Reason: "entry hash does not match content"}
		}
		if !pqc.Verify(e.EntryHash, e.Signature, pub) {
			return &IntegrityError{Sequence: e.Sequence, Reason: "signature verification failed"}
		}
		prev = e.EntryHash
	}
	if len(b.Entries) > 0 && b.ChainHead != prev {
		return &IntegrityError{Sequence: b.EndSeq, Reason: "chain head does not match last entry"}
	}
	return nil
}

// contentDigest hashes the bundle with BundleDigest cleared.
func (b *Bundle) contentDigest() (string, error) {
	clone := *b
	clone.BundleDigest = ""
	digest, err := canonicalize.Digest(clone)
	if err != nil {
		return "", fmt.Errorf("bundle digest failed: %w", err)
	}
	return digest, nil
}

// Marshal serializes the bundle as JSON.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.Marshal(b)
}
