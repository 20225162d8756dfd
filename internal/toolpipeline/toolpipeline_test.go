package toolpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
)

type fakeStore struct {
	ledger map[string]*convstore.ToolExecution
}

func newFakeStore() *fakeStore { return &fakeStore{ledger: map[string]*convstore.ToolExecution{}} }

func (f *fakeStore) key(userID, convID, tool, argsHash string) string {
	return userID + "|" + convID + "|" + tool + "|" + argsHash
}

func (f *fakeStore) UpsertToolExecution(ctx context.Context, p convstore.UpsertToolExecutionParams) (*convstore.ToolExecution, error) {
	row := &convstore.ToolExecution{
		UserID: p.UserID, ConversationID: p.ConversationID, ToolName: p.ToolName,
		ArgsHash: p.ArgsHash, Status: p.Status, ArgsJSON: p.ArgsJSON, ResultJSON: p.ResultJSON,
		Attempts: p.Attempts, ExpiresAt: time.Now().Add(p.TTL),
	}
	f.ledger[f.key(p.UserID, p.ConversationID, p.ToolName, p.ArgsHash)] = row
	return row, nil
}

func (f *fakeStore) LookupToolExecution(ctx context.Context, userID, convID, toolName, argsHash string) (*convstore.ToolExecution, error) {
	row, ok := f.ledger[f.key(userID, convID, toolName, argsHash)]
	if !ok || row.Status != convstore.StatusSuccess {
		return nil, nil
	}
	if !row.ExpiresAt.IsZero() && time.Now().After(row.ExpiresAt) {
		return nil, nil
	}
	return row, nil
}

func (f *fakeStore) UpsertMessage(ctx context.Context, p convstore.UpsertMessageParams) (*convstore.ConversationMessage, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeStore) PromoteDraftsToFinal(ctx context.Context, userID, convID, stepID string) error {
	return nil
}
func (f *fakeStore) GetContext(ctx context.Context, userID, convID string, limit int) ([]convstore.ConversationMessage, error) {
	return nil, nil
}
func (f *fakeStore) GetStepContext(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error) {
	return nil, nil
}
func (f *fakeStore) GetContextUptoStep(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error) {
	return nil, nil
}
func (f *fakeStore) FindStepIDByToolCallID(ctx context.Context, userID, convID, toolCallID string) (string, error) {
	return "", nil
}
func (f *fakeStore) FindMaxSeq(ctx context.Context, userID, convID, stepID string) (int, error) {
	return 0, nil
}
func (f *fakeStore) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	return 0, nil
}
func (f *fakeStore) VerifyChain(ctx context.Context, userID, convID string) (*convstore.VerifyResult, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

var _ convstore.Store = (*fakeStore)(nil)

func echoHandler(calls *int) Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		*calls++
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func TestExecuteRejectsDisabledTool(t *testing.T) {
	p := New(newFakeStore(), Config{Toggles: map[string]bool{"search": false}})
	p.Register(ToolSpec{Name: "search", Handler: echoHandler(new(int))})

	res, err := p.Execute(context.Background(), ToolCall{ID: "c1", Name: "search"}, "u1", "conv1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusDisabled {
		t.Fatalf("expected DISABLED, got %s", res.Status)
	}
}

func TestExecuteDedupReusesLedgerRow(t *testing.T) {
	calls := 0
	store := newFakeStore()
	p := New(store, DefaultConfig())
	p.Register(ToolSpec{Name: "lookup", Handler: echoHandler(&calls)})

	call := ToolCall{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"query":"x"}`)}

	r1, err := p.Execute(context.Background(), call, "u1", "conv1")
	if err != nil || r1.Status != StatusSuccess || r1.Reused {
		t.Fatalf("first call: got %+v err=%v", r1, err)
	}

	p.cache.Clear() // force the durable ledger path, not the process cache
	r2, err := p.Execute(context.Background(), call, "u1", "conv1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !r2.Reused {
		t.Fatalf("expected reused=true on dedup hit, got %+v", r2)
	}
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}
}

func TestExecuteForceBypassesDedup(t *testing.T) {
	calls := 0
	store := newFakeStore()
	p := New(store, DefaultConfig())
	p.Register(ToolSpec{Name: "lookup", Handler: echoHandler(&calls)})

	call := ToolCall{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"query":"x"}`)}
	if _, err := p.Execute(context.Background(), call, "u1", "conv1"); err != nil {
		t.Fatal(err)
	}

	forced := ToolCall{ID: "c2", Name: "lookup", Arguments: json.RawMessage(`{"query":"x","force":true}`)}
	r2, err := p.Execute(context.Background(), forced, "u1", "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if r2.Reused {
		t.Fatalf("expected force=true to bypass dedup, got reused=true")
	}
	if calls != 2 {
		t.Fatalf("expected handler invoked twice, got %d", calls)
	}
}

func TestShapeArgsProtectsScopeKeysAndCoexistsAliases(t *testing.T) {
	raw := json.RawMessage(`{"userId":"attacker","query":"x"}`)
	shaped, _, _, err := shapeArgs(raw, map[string]any{"limit": 10}, "real-user", "conv1")
	if err != nil {
		t.Fatal(err)
	}

	var out map[string]any
	if err := json.Unmarshal(shaped, &out); err != nil {
		t.Fatal(err)
	}
	if out["userId"] != "real-user" {
		t.Fatalf("expected protected userId to overwrite model-supplied value, got %v", out["userId"])
	}
	if out["user_id"] != "real-user" {
		t.Fatalf("expected user_id alias to coexist, got %v", out["user_id"])
	}
	if out["conversationId"] != "conv1" || out["conversation_id"] != "conv1" {
		t.Fatalf("expected conversationId scope keys set, got %+v", out)
	}
	if out["limit"] != float64(10) {
		t.Fatalf("expected absent fallback key inserted, got %v", out["limit"])
	}
}

func TestShapeArgsFallbackDoesNotOverwritePresentKey(t *testing.T) {
	raw := json.RawMessage(`{"limit":5}`)
	shaped, _, _, err := shapeArgs(raw, map[string]any{"limit": 10}, "u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(shaped, &out); err != nil {
		t.Fatal(err)
	}
	if out["limit"] != float64(5) {
		t.Fatalf("expected caller-supplied limit preserved, got %v", out["limit"])
	}
}

func TestResolveTTLHonorsOnlyLargerRequestUpToCeiling(t *testing.T) {
	spec := ToolSpec{TTL: 10 * time.Minute, MaxTTLCeiling: time.Hour}

	if got := resolveTTL(spec, 0, time.Minute, time.Hour); got != 10*time.Minute {
		t.Fatalf("expected default TTL with no override, got %s", got)
	}
	if got := resolveTTL(spec, 60, time.Minute, time.Hour); got != 10*time.Minute {
		t.Fatalf("expected smaller request ignored, got %s", got)
	}
	if got := resolveTTL(spec, 1800, time.Minute, time.Hour); got != 30*time.Minute {
		t.Fatalf("expected larger request honored, got %s", got)
	}
	if got := resolveTTL(spec, 7200, time.Minute, time.Hour); got != time.Hour {
		t.Fatalf("expected request capped at ceiling, got %s", got)
	}
}

func TestExecuteBatchRunsConcurrentlyBounded(t *testing.T) {
	calls := 0
	p := New(newFakeStore(), Config{Concurrency: 2})
	p.Register(ToolSpec{Name: "a", Handler: echoHandler(&calls)})
	p.Register(ToolSpec{Name: "b", Handler: echoHandler(&calls)})

	results := p.ExecuteBatch(context.Background(), []ToolCall{
		{ID: "1", Name: "a", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "b", Arguments: json.RawMessage(`{}`)},
	}, "u1", "c1")

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusSuccess {
			t.Errorf("expected success, got %+v", r)
		}
	}
}
