package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/contextassembler"
	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/stepstore"
	"github.com/conduitrun/conduit/internal/streamhub"
	"github.com/conduitrun/conduit/internal/toolpipeline"
)

// memStore is an in-memory convstore.Store good enough to exercise the
// orchestrator end to end, without a real database backend.
type memStore struct {
	mu       sync.Mutex
	messages []convstore.ConversationMessage
	nextID   int64
	ledger   map[string]*convstore.ToolExecution
}

func newMemStore() *memStore {
	return &memStore{ledger: map[string]*convstore.ToolExecution{}}
}

func (s *memStore) UpsertMessage(ctx context.Context, p convstore.UpsertMessageParams) (*convstore.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := convstore.ConversationMessage{
		ID: s.nextID, UserID: p.UserID, ConversationID: p.ConversationID, Role: p.Role,
		Content: p.Content, Payload: p.Payload, StepID: p.StepID, Seq: p.Seq, State: p.State,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, row)
	return &row, nil
}

func (s *memStore) PromoteDraftsToFinal(ctx context.Context, userID, convID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.StepID == stepID && m.State == convstore.StateDraft {
			m.State = convstore.StateFinal
		}
	}
	return nil
}

func (s *memStore) GetContext(ctx context.Context, userID, convID string, limit int) ([]convstore.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []convstore.ConversationMessage
	for _, m := range s.messages {
		if m.State == convstore.StateFinal {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetStepContext(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []convstore.ConversationMessage
	for _, m := range s.messages {
		if m.StepID == stepID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetContextUptoStep(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error) {
	return s.GetContext(ctx, userID, convID, limit)
}

func (s *memStore) FindStepIDByToolCallID(ctx context.Context, userID, convID, toolCallID string) (string, error) {
	return "", nil
}

func (s *memStore) FindMaxSeq(ctx context.Context, userID, convID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := -1
	for _, m := range s.messages {
		if m.StepID == stepID && m.Seq > max {
			max = m.Seq
		}
	}
	return max, nil
}

func (s *memStore) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	return 0, nil
}

func (s *memStore) VerifyChain(ctx context.Context, userID, convID string) (*convstore.VerifyResult, error) {
	return &convstore.VerifyResult{OK: true}, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) UpsertToolExecution(ctx context.Context, p convstore.UpsertToolExecutionParams) (*convstore.ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := &convstore.ToolExecution{
		UserID: p.UserID, ConversationID: p.ConversationID, ToolName: p.ToolName, ArgsHash: p.ArgsHash,
		Status: p.Status, ArgsJSON: p.ArgsJSON, ResultJSON: p.ResultJSON, Attempts: p.Attempts,
		ExpiresAt: time.Now().Add(p.TTL),
	}
	s.ledger[p.UserID+"|"+p.ConversationID+"|"+p.ToolName+"|"+p.ArgsHash] = row
	return row, nil
}

func (s *memStore) LookupToolExecution(ctx context.Context, userID, convID, toolName, argsHash string) (*convstore.ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[userID+"|"+convID+"|"+toolName+"|"+argsHash]
	if !ok || row.Status != convstore.StatusSuccess {
		return nil, nil
	}
	return row, nil
}

var _ convstore.Store = (*memStore)(nil)

// scriptedProvider replays one canned slice of chunks per call, in order.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	scripts [][]decision.Chunk
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *decision.Request) (<-chan decision.Chunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	var chunks []decision.Chunk
	if idx < len(p.scripts) {
		chunks = p.scripts[idx]
	} else {
		chunks = []decision.Chunk{{Done: true}}
	}

	ch := make(chan decision.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func buildOrchestrator(t *testing.T, provider decision.Provider, serverManifest []decision.ToolManifestEntry) (*Orchestrator, *memStore, *toolpipeline.Pipeline) {
	return buildOrchestratorWithConfig(t, provider, serverManifest, DefaultConfig())
}

func buildOrchestratorWithConfig(t *testing.T, provider decision.Provider, serverManifest []decision.ToolManifestEntry, cfg Config) (*Orchestrator, *memStore, *toolpipeline.Pipeline) {
	t.Helper()
	ctx := context.Background()
	store := newMemStore()
	steps := stepstore.New(ctx, time.Minute, time.Minute)
	t.Cleanup(steps.Shutdown)
	hub := streamhub.New(ctx, streamhub.DefaultOptions())
	t.Cleanup(hub.Shutdown)

	pipeline := toolpipeline.New(store, toolpipeline.DefaultConfig())
	assembler := contextassembler.New(store, steps, contextassembler.DefaultOptions())
	adapter := decision.New(provider)

	orch := New(Deps{
		Steps: steps, Decider: adapter, Pipeline: pipeline, Assembler: assembler,
		Store: store, Hub: hub, ServerManifest: serverManifest,
	}, cfg)

	return orch, store, pipeline
}

func drain(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far: %+v", len(events), events)
		}
	}
}

func TestRunPlainTextFinishesDone(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]decision.Chunk{
		{{Text: "hello there"}, {Done: true}},
	}}
	orch, _, _ := buildOrchestrator(t, provider, nil)

	ch, err := orch.Run(context.Background(), Request{UserID: "u1", ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, ch, 2*time.Second)

	if events[0].Type != EventStarted {
		t.Fatalf("expected first event started, got %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventFinished {
		t.Fatalf("expected terminal finished, got %+v", last)
	}
	fd, ok := last.Data.(FinishedData)
	if !ok || fd.Reason != FinishDone || fd.AssistantDraft != "hello there" {
		t.Fatalf("unexpected finished payload: %+v", last.Data)
	}
}

func TestRunExecutesServerToolThenFinishes(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]decision.Chunk{
		{{ToolCall: &decision.DecidedToolCall{ID: "t1", Name: "search", Arguments: `{"q":"x"}`}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	manifest := []decision.ToolManifestEntry{{Name: "search", Target: decision.ExecServer}}
	orch, _, pipeline := buildOrchestrator(t, provider, manifest)
	pipeline.Register(toolpipeline.ToolSpec{Name: "search", Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"result":"ok"}`), nil
	}})

	ch, err := orch.Run(context.Background(), Request{UserID: "u1", ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, ch, 2*time.Second)

	var sawTool, sawFinished bool
	for _, ev := range events {
		if ev.Type == EventStep && ev.Kind == StepKindTool {
			sawTool = true
			td := ev.Data.(ToolStepData)
			if td.Name != "search" || td.Status != string(toolpipeline.StatusSuccess) {
				t.Fatalf("unexpected tool step data: %+v", td)
			}
		}
		if ev.Type == EventFinished {
			sawFinished = true
		}
	}
	if !sawTool || !sawFinished {
		t.Fatalf("expected a tool step and a finished event, got %+v", events)
	}
}

func TestRunSuspendsForClientCallsThenResumes(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]decision.Chunk{
		{{ToolCall: &decision.DecidedToolCall{ID: "c1", Name: "clientThing"}}, {Done: true}},
		{{Text: "all set"}, {Done: true}},
	}}
	orch, _, _ := buildOrchestrator(t, provider, nil)

	clientTools := []decision.ToolManifestEntry{{Name: "clientThing", Target: decision.ExecClient}}
	ch, err := orch.Run(context.Background(), Request{UserID: "u1", ConversationID: "c1", ClientTools: clientTools})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, ch, 2*time.Second)

	last := events[len(events)-1]
	if last.Type != EventStep || last.Kind != StepKindClientCalls {
		t.Fatalf("expected suspension on clientCalls, got %+v", last)
	}
	stepID := last.StepID
	cc := last.Data.(ClientCallsStepData)
	if len(cc.Calls) != 1 || cc.Calls[0].ID != "c1" {
		t.Fatalf("unexpected client calls payload: %+v", cc)
	}

	resumeCh, err := orch.Run(context.Background(), Request{
		UserID: "u1", ConversationID: "c1", ResumeStepID: stepID,
		ClientResults: []ClientResult{{ToolCallID: "c1", Name: "clientThing", Data: json.RawMessage(`{"ok":true}`)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	resumeEvents := drain(t, resumeCh, 2*time.Second)
	last2 := resumeEvents[len(resumeEvents)-1]
	if last2.Type != EventFinished {
		t.Fatalf("expected resume to finish, got %+v", last2)
	}
}

// TestToolsMaxLoopsZeroFinalizesWithFirstDecision covers // boundary: toolsMaxLoops=0 still runs assemble/decide once and finishes
// DONE with whatever the first decision produced, rather than an empty
// draft or zero decisions.
func TestToolsMaxLoopsZeroFinalizesWithFirstDecision(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]decision.Chunk{
		{{ToolCall: &decision.DecidedToolCall{ID: "t1", Name: "search", Arguments: `{"q":"x"}`}}, {Text: "partial"}, {Done: true}},
	}}
	manifest := []decision.ToolManifestEntry{{Name: "search", Target: decision.ExecServer}}
	zero := 0
	orch, _, pipeline := buildOrchestratorWithConfig(t, provider, manifest, Config{ToolsMaxLoops: &zero, DraftGCAfter: time.Hour})
	pipeline.Register(toolpipeline.ToolSpec{Name: "search", Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"result":"ok"}`), nil
	}})

	ch, err := orch.Run(context.Background(), Request{UserID: "u1", ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, ch, 2*time.Second)

	var sawTool bool
	for _, ev := range events {
		if ev.Type == EventStep && ev.Kind == StepKindTool {
			sawTool = true
		}
	}
	if !sawTool {
		t.Fatalf("expected the first iteration's server tool call to still execute, got %+v", events)
	}

	last := events[len(events)-1]
	if last.Type != EventFinished {
		t.Fatalf("expected terminal finished, got %+v", last)
	}
	fd, ok := last.Data.(FinishedData)
	if !ok || fd.Reason != FinishDone {
		t.Fatalf("expected DONE finish, got %+v", last.Data)
	}
	if fd.AssistantDraft != "partial" {
		t.Fatalf("expected finalization to use the first decision's draft %q, got %q", "partial", fd.AssistantDraft)
	}
}

// TestToolsMaxLoopsUnsetDefaultsTo25 covers the other half of the same
// boundary: a zero-value Config (nil ToolsMaxLoops) must still default,
// it must not be confused with an explicit 0.
func TestToolsMaxLoopsUnsetDefaultsTo25(t *testing.T) {
	orch := New(Deps{}, Config{})
	if orch.maxLoops != 25 {
		t.Fatalf("expected unset ToolsMaxLoops to default to 25, got %d", orch.maxLoops)
	}
}
