package convstore

import (
	"encoding/json"

	"github.com/conduitrun/conduit/internal/canon"
)

// dataHashFromResult computes dataHash: canonicalize
// the result payload and hash it, unless the payload already declares
// {"type":"artifact","sha256":"..."}, in which case that hash is adopted
// verbatim instead of being recomputed.
func dataHashFromResult(result json.RawMessage) (string, error) {
	if len(result) == 0 {
		return "", nil
	}

	var probe struct {
		Type   string `json:"type"`
		SHA256 string `json:"sha256"`
	}
	if err := json.Unmarshal(result, &probe); err == nil {
		if probe.Type == "artifact" && probe.SHA256 != "" {
			return probe.SHA256, nil
		}
	}

	var generic any
	if err := json.Unmarshal(result, &generic); err != nil {
		return "", err
	}
	return canon.Hash(generic)
}

// ComputeChainRow canonicalizes payload and computes the row's hash
// given the prior row's hash within the same scope. Exported so the
// pg and sqlite backends can share the exact same chaining logic.
func ComputeChainRow(prevHash string, payload AuditPayload) (canonical string, hash string, err error) {
	b, err := canon.Encode(payload)
	if err != nil {
		return "", "", err
	}
	return string(b), canon.ChainHash(prevHash, b), nil
}

// DataHashFromResult computes dataHash, exported for
// the backend packages.
func DataHashFromResult(result json.RawMessage) (string, error) {
	return dataHashFromResult(result)
}

// ChainHashOf computes sha256(prevHash || canonical) for a raw canonical
// string already read back from storage, used by chain verifiers.
func ChainHashOf(prevHash, canonical string) string {
	return canon.ChainHash(prevHash, []byte(canonical))
}
