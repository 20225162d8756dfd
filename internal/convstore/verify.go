package convstore

import "context"

// Verify re-reads the audit timeline for a scope through the Store
// interface and checks the hash-chain invariant. Both backends
// also expose their own VerifyChain that does the same query directly
// against storage; this wrapper exists so callers that only hold a
// Store interface value (not a concrete backend) can still verify.
func Verify(ctx context.Context, store Store, userID, convID string) (*VerifyResult, error) {
	return store.VerifyChain(ctx, userID, convID)
}
