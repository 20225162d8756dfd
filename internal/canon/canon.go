// Package canon provides deterministic JSON canonicalization and hashing.
//
// Canonical encoding is used for two purposes across the orchestrator:
// fingerprinting tool call arguments for dedup-ledger keys (see
// internal/toolpipeline) and computing the hash-chained audit payloads
// stored by internal/convstore. Both require the same property: identical
// logical values always produce byte-identical output regardless of
// map iteration order or how the caller assembled the value.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Encode produces a deterministic JSON encoding of v: object keys are
// sorted lexicographically at every nesting level, arrays preserve their
// original order, and the configured ignoreKeys are dropped from every
// object level they appear in (top-level or nested).
func Encode(v any, ignoreKeys ...string) ([]byte, error) {
	ignored := make(map[string]bool, len(ignoreKeys))
	for _, k := range ignoreKeys {
		ignored[k] = true
	}

	// Round-trip through json.Marshal/Unmarshal to normalize v into the
	// generic any-tree (map[string]any / []any / scalars) before walking
	// it, so struct field tags, pointers, and RawMessage all collapse to
	// the same shape a caller-supplied map would have.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode for normalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic, ignored); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeString is a convenience wrapper around Encode returning a string.
func EncodeString(v any, ignoreKeys ...string) (string, error) {
	b, err := Encode(v, ignoreKeys...)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hash (lowercase hex) of the canonical encoding
// of v. It is the single hashing primitive used both by the dedup
// ledger's argsHash and by the audit chain's per-row hash.
func Hash(v any, ignoreKeys ...string) (string, error) {
	b, err := Encode(v, ignoreKeys...)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes hashes a pre-canonicalized byte slice. Exposed so callers that
// build the audit chain hash (prevHash || canonical) can combine two
// pieces without re-canonicalizing.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainHash computes the audit-chain hash of a row: sha256(prevHash || canonical).
func ChainHash(prevHash string, canonical []byte) string {
	sum := sha256.New()
	sum.Write([]byte(prevHash))
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil))
}

func writeCanonical(buf *bytes.Buffer, v any, ignored map[string]bool) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if ignored[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canon: marshal key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k], ignored); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item, ignored); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		// Scalars: string, json.Number, bool, nil. json.Marshal on these
		// types is already deterministic.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canon: marshal scalar: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

// DefaultIgnoreArgs lists argument keys that never participate in tool
// call dedup-ledger fingerprinting.
var DefaultIgnoreArgs = []string{"timestamp", "requestId", "nonce"}
