package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/conduitrun/conduit/internal/canon"
	"github.com/conduitrun/conduit/internal/contextassembler"
	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/stepstore"
	"github.com/conduitrun/conduit/internal/streamhub"
	"github.com/conduitrun/conduit/internal/toolpipeline"
)

// Orchestrator drives the Loop Driver / Continuation state machine: an
// agentic decide → classify → execute → persist → re-decide-or-finish
// loop, split into a two-stage decide/execute/suspend machine so a
// WAIT_CLIENT turn can suspend and resume across requests.
type Orchestrator struct {
	steps     *stepstore.Store
	decider   *decision.Adapter
	pipeline  *toolpipeline.Pipeline
	assembler *contextassembler.Assembler
	store     convstore.Store
	hub       *streamhub.Hub
	metrics   *observability.Metrics

	serverManifest []decision.ToolManifestEntry
	toggles        map[string]bool
	cfg            Config
	maxLoops       int

	contMu sync.Mutex
	cont   map[string]*continuation
}

// continuation is the in-process portion of StepState that survives a
// WAIT_CLIENT suspension: names `loop` and `executedKeys` as
// StepState attributes, but neither has a durable column in the data
// model (only contextHash/request are reconstructible from convstore),
// so the Loop Driver keeps them in-process keyed by stepId, mirroring
// the reference in-memory Runtime state for the lifetime of a run.
type continuation struct {
	mu           sync.Mutex
	loop         int
	executedKeys map[string]*toolpipeline.Result
}

// Deps bundles an Orchestrator's collaborators.
type Deps struct {
	Steps     *stepstore.Store
	Decider   *decision.Adapter
	Pipeline  *toolpipeline.Pipeline
	Assembler *contextassembler.Assembler
	Store     convstore.Store
	Hub       *streamhub.Hub

	// Metrics records run attempts and errors by component. Nil disables
	// instrumentation.
	Metrics *observability.Metrics

	// ServerManifest is the catalog of SERVER-executed tools offered to
	// the Decision Adapter, filtered by Toggles before each decision.
	ServerManifest []decision.ToolManifestEntry
	Toggles        map[string]bool
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	maxLoops := 25
	if cfg.ToolsMaxLoops != nil {
		maxLoops = *cfg.ToolsMaxLoops
	}
	return &Orchestrator{
		steps:          deps.Steps,
		decider:        deps.Decider,
		pipeline:       deps.Pipeline,
		assembler:      deps.Assembler,
		store:          deps.Store,
		hub:            deps.Hub,
		metrics:        deps.Metrics,
		serverManifest: deps.ServerManifest,
		toggles:        deps.Toggles,
		cfg:            cfg,
		maxLoops:       maxLoops,
		cont:           make(map[string]*continuation),
	}
}

func (o *Orchestrator) enabled(name string) bool {
	if o.toggles == nil {
		return true
	}
	v, ok := o.toggles[name]
	return !ok || v
}

func (o *Orchestrator) buildManifest(clientTools []decision.ToolManifestEntry) []decision.ToolManifestEntry {
	out := make([]decision.ToolManifestEntry, 0, len(o.serverManifest)+len(clientTools))
	for _, m := range o.serverManifest {
		if o.enabled(m.Name) {
			m.Target = decision.ExecServer
			out = append(out, m)
		}
	}
	for _, m := range clientTools {
		if o.enabled(m.Name) {
			m.Target = decision.ExecClient
			out = append(out, m)
		}
	}
	return out
}

func (o *Orchestrator) getContinuation(stepID string) *continuation {
	o.contMu.Lock()
	defer o.contMu.Unlock()
	c, ok := o.cont[stepID]
	if !ok {
		c = &continuation{executedKeys: make(map[string]*toolpipeline.Result)}
		o.cont[stepID] = c
	}
	return c
}

func (o *Orchestrator) clearContinuation(stepID string) {
	o.contMu.Lock()
	delete(o.cont, stepID)
	o.contMu.Unlock()
}

// Run implements run(request) → async sequence<Event>, starting a new
// step or resuming an existing one.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan Event, error) {
	stepID := req.ResumeStepID
	resuming := stepID != ""

	if resuming {
		ids := make([]string, len(req.ClientResults))
		for i, r := range req.ClientResults {
			ids[i] = r.ToolCallID
		}
		if err := o.steps.ValidateResume(stepID, req.UserID, req.ConversationID, ids); err != nil {
			return nil, err
		}
	} else {
		stepID = uuid.NewString()
		if err := o.steps.Bind(stepID, req.UserID, req.ConversationID); err != nil {
			return nil, err
		}
	}

	out := make(chan Event, 16)
	go o.drive(ctx, stepID, req, resuming, out)
	return out, nil
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- Event, stepID string, ev Event) {
	ev.StepID = stepID
	select {
	case out <- ev:
	case <-ctx.Done():
	}
	o.hub.Publish(stepID, streamhub.Event{Type: streamhub.EventType(ev.Type), Data: ev})
}

func (o *Orchestrator) drive(ctx context.Context, stepID string, req Request, resuming bool, out chan<- Event) {
	defer close(out)

	if !resuming {
		o.emit(ctx, out, stepID, Event{Type: EventStarted})
	} else if err := o.ingestClientResults(ctx, stepID, req); err != nil {
		o.terminal(ctx, out, req, stepID, FinishError, "", fmt.Sprintf("continuation: %v", err))
		return
	}

	cont := o.getContinuation(stepID)

	for {
		select {
		case <-ctx.Done():
			o.terminal(ctx, out, req, stepID, FinishCancelled, "", "")
			return
		default:
		}

		// Step 1: assemble.
		asm, err := o.assembler.Assemble(ctx, req.UserID, req.ConversationID, stepID)
		if err != nil {
			o.terminal(ctx, out, req, stepID, FinishError, "", fmt.Sprintf("assemble: %v", err))
			return
		}

		// Step 2: decide, mirroring drafts to the hub as they stream.
		manifest := o.buildManifest(req.ClientTools)
		sink := &hubSink{orch: o, stepID: stepID, out: out, ctx: ctx}
		decReq := &decision.Request{
			Model:      req.Model,
			Messages:   asm.Messages,
			Manifest:   manifest,
			ToolChoice: req.ToolChoice,
			StepID:     stepID,
		}
		decided, err := o.decider.DecideStreaming(ctx, decReq, sink)
		if err != nil {
			o.terminal(ctx, out, req, stepID, FinishError, "", fmt.Sprintf("decide: %v", err))
			return
		}

		// Persist the assistant draft for this iteration (content and/or
		// tool_calls) so the Context Assembler's step-scoped read sees it
		// on the next iteration.
		if err := o.persistAssistant(ctx, req, stepID, decided); err != nil {
			o.terminal(ctx, out, req, stepID, FinishError, "", fmt.Sprintf("persist assistant: %v", err))
			return
		}

		// Step 3: classify.
		var serverCalls, clientCalls []decision.DecidedToolCall
		for _, tc := range decided.ToolCalls {
			if tc.Target == decision.ExecClient {
				clientCalls = append(clientCalls, tc)
			} else {
				serverCalls = append(serverCalls, tc)
			}
		}

		// Step 4: execute server calls in model order, short-circuiting
		// duplicates already executed this step via executedKeys.
		for _, tc := range serverCalls {
			key := executedKeyFor(tc)

			cont.mu.Lock()
			prior, already := cont.executedKeys[key]
			cont.mu.Unlock()

			var result *toolpipeline.Result
			if already {
				result = &toolpipeline.Result{
					ToolCallID: tc.ID, Name: tc.Name, Status: prior.Status,
					Data: prior.Data, Reused: true, ArgsHash: prior.ArgsHash,
				}
			} else {
				result, err = o.pipeline.Execute(ctx, toolpipeline.ToolCall{
					ID: tc.ID, Name: tc.Name, Arguments: json.RawMessage(tc.Arguments), StepID: stepID,
				}, req.UserID, req.ConversationID)
				if err != nil {
					result = &toolpipeline.Result{ToolCallID: tc.ID, Name: tc.Name, Status: toolpipeline.StatusError, Message: err.Error()}
				}
				cont.mu.Lock()
				cont.executedKeys[key] = result
				cont.mu.Unlock()
			}

			if err := o.persistToolResult(ctx, req, stepID, tc, result); err != nil {
				o.terminal(ctx, out, req, stepID, FinishError, "", fmt.Sprintf("persist tool result: %v", err))
				return
			}

			o.emit(ctx, out, stepID, Event{
				Type: EventStep, Kind: StepKindTool,
				Data: ToolStepData{
					Name: tc.Name, CallID: tc.ID, Reused: result.Reused,
					Status: string(result.Status), Args: json.RawMessage(tc.Arguments), Data: result.Data,
				},
			})
		}

		// Step 5: check termination. The loop cap takes priority: if this
		// iteration's decision pushed us to the cap, force DONE with
		// whatever draft this iteration produced rather than waiting on
		// client tools or looping again (toolsMaxLoops=0 finalizes using
		// the first decision).
		cont.mu.Lock()
		loopNow := cont.loop
		cont.mu.Unlock()
		if loopNow >= o.maxLoops {
			o.terminal(ctx, out, req, stepID, FinishDone, decided.AssistantDraft, "")
			return
		}

		if len(clientCalls) > 0 {
			ids := make([]string, len(clientCalls))
			for i, c := range clientCalls {
				ids[i] = c.ID
			}
			o.steps.RecordClientCalls(stepID, ids)
			o.emit(ctx, out, stepID, Event{Type: EventStep, Kind: StepKindClientCalls, Data: ClientCallsStepData{Calls: clientCalls}})
			return // WAIT_CLIENT: no promotion, no clear.
		}

		if decided.AssistantDraft != "" && len(serverCalls) == 0 {
			o.terminal(ctx, out, req, stepID, FinishDone, decided.AssistantDraft, "")
			return
		}

		if len(serverCalls) == 0 && decided.AssistantDraft == "" {
			// Model produced neither tool calls nor text: nothing left to
			// drive, force DONE rather than spin.
			o.terminal(ctx, out, req, stepID, FinishDone, "", "")
			return
		}

		cont.mu.Lock()
		cont.loop++
		cont.mu.Unlock()
		o.steps.Touch(stepID)
	}
}

// terminal promotes drafts (for DONE), emits the terminal event, and
// clears all step state termination rules. ERROR
// and CANCELLED skip promotion so drafts are never finalized.
func (o *Orchestrator) terminal(ctx context.Context, out chan<- Event, req Request, stepID string, reason FinishReason, assistantDraft, errMsg string) {
	if reason == FinishDone {
		if err := o.store.PromoteDraftsToFinal(ctx, req.UserID, req.ConversationID, stepID); err != nil {
			// Surface the promotion failure as an error terminal instead of
			// a false DONE; drafts remain DRAFT for later GC/inspection.
			reason = FinishError
			errMsg = fmt.Sprintf("promote drafts: %v", err)
		}
	}

	evType := EventFinished
	var data any = FinishedData{Reason: reason, AssistantDraft: assistantDraft}
	if reason == FinishError {
		evType = EventError
		data = errMsg
	}

	if o.metrics != nil {
		switch reason {
		case FinishDone:
			o.metrics.RecordRunAttempt("success")
		case FinishError:
			o.metrics.RecordRunAttempt("failed")
			o.metrics.RecordError("orchestrator", "terminal")
		case FinishCancelled:
			o.metrics.RecordRunAttempt("cancelled")
		}
	}

	o.emit(ctx, out, stepID, Event{Type: evType, Data: data})
	o.hub.Complete(stepID)
	o.steps.Clear(stepID)
	o.clearContinuation(stepID)
}

// ingestClientResults implements Continuation (): append
// each client tool result as a DRAFT tool row under the resumed step
// and mark its call id satisfied.
func (o *Orchestrator) ingestClientResults(ctx context.Context, stepID string, req Request) error {
	for _, r := range req.ClientResults {
		status := "SUCCESS"
		if r.IsError {
			status = "ERROR"
		}
		payload, err := json.Marshal(toolPayload{ToolCallID: r.ToolCallID, Name: r.Name, Data: r.Data, Status: status})
		if err != nil {
			return err
		}
		if err := o.persistMessage(ctx, req, stepID, convstore.RoleTool, string(r.Data), payload); err != nil {
			return err
		}
		o.steps.MarkSatisfied(stepID, r.ToolCallID)
	}
	return nil
}

type toolPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Status     string          `json:"status,omitempty"`
}

func (o *Orchestrator) persistAssistant(ctx context.Context, req Request, stepID string, decided *decision.ModelDecision) error {
	var payload json.RawMessage
	if len(decided.ToolCalls) > 0 {
		b, err := json.Marshal(decided.ToolCalls)
		if err != nil {
			return err
		}
		payload = b
	}
	return o.persistMessage(ctx, req, stepID, convstore.RoleAssistant, decided.AssistantDraft, payload)
}

func (o *Orchestrator) persistToolResult(ctx context.Context, req Request, stepID string, tc decision.DecidedToolCall, result *toolpipeline.Result) error {
	payload, err := json.Marshal(toolPayload{ToolCallID: tc.ID, Name: tc.Name, Args: json.RawMessage(tc.Arguments), Data: result.Data, Status: string(result.Status)})
	if err != nil {
		return err
	}
	return o.persistMessage(ctx, req, stepID, convstore.RoleTool, string(result.Data), payload)
}

func (o *Orchestrator) persistMessage(ctx context.Context, req Request, stepID string, role convstore.MessageRole, content string, payload json.RawMessage) error {
	seq, err := o.store.FindMaxSeq(ctx, req.UserID, req.ConversationID, stepID)
	if err != nil {
		return err
	}
	_, err = o.store.UpsertMessage(ctx, convstore.UpsertMessageParams{
		UserID: req.UserID, ConversationID: req.ConversationID, Role: role,
		Content: content, Payload: payload, StepID: stepID, Seq: seq + 1, State: convstore.StateDraft,
	})
	return err
}

// executedKeyFor builds the `toolName::canonicalArgs` short-circuit key
// "Tie-breaks" names.
func executedKeyFor(tc decision.DecidedToolCall) string {
	var generic any
	if err := json.Unmarshal([]byte(tc.Arguments), &generic); err != nil {
		return tc.Name + "::" + tc.Arguments
	}
	canonical, err := canon.EncodeString(generic)
	if err != nil {
		return tc.Name + "::" + tc.Arguments
	}
	return tc.Name + "::" + canonical
}

// hubSink mirrors streamed assistant text to the line-stream channel and
// the Stream Fabric as it arrives step 2.
type hubSink struct {
	orch   *Orchestrator
	stepID string
	out    chan<- Event
	ctx    context.Context
}

func (s *hubSink) OnText(stepID, text string) {
	s.orch.emit(s.ctx, s.out, s.stepID, Event{Type: EventStep, Kind: StepKindModelDelta, Data: text})
}

func (s *hubSink) OnToolCall(stepID string, call decision.DecidedToolCall) {
	// Tool calls are announced after execution (Step 4's step{kind=tool}
	// event), not as they stream in, so callers see status/data together.
}
