// Package decision implements the Decision Adapter: it converts
// assembled messages plus the current tool manifest into a
// ModelDecision, blocking or streaming, across model provider backends
// behind one interface.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ToolChoice selects the tool-calling policy for a single decision.
type ToolChoice struct {
	Mode     ToolChoiceMode
	Function string // set when Mode == ToolChoiceForced
}

type ToolChoiceMode string

const (
	ToolChoiceAuto   ToolChoiceMode = "auto"
	ToolChoiceNone   ToolChoiceMode = "none"
	ToolChoiceForced ToolChoiceMode = "forced"
)

// ToolManifestEntry is a single tool exposed to the model: a
// JSON-schema function declaration plus its execution target.
type ToolManifestEntry struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Target      ExecTarget
}

// ExecTarget classifies which side executes a tool call.
type ExecTarget string

const (
	ExecServer ExecTarget = "SERVER"
	ExecClient ExecTarget = "CLIENT"
)

// Message is one entry in the assembled context sent to the model.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCallRequest
	ToolResults []ToolResultInput
}

// ToolCallRequest is a tool invocation the model previously made
// (replayed back into context) or one the current decision produced.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments string // verbatim JSON text "Normalization"
}

// ToolResultInput mirrors a server/client tool result fed back as context.
type ToolResultInput struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Request is the fully assembled input to a single decision call.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	Manifest   []ToolManifestEntry
	ToolChoice ToolChoice
	StepID     string
}

// DecidedToolCall is a tool call produced by the model, tagged with its
// execution target (resolved by looking the name up in the manifest;
// CLIENT overrides a missing SERVER name).
type DecidedToolCall struct {
	ID        string
	Name      string
	Arguments string
	Target    ExecTarget
}

// ModelDecision is the normalized output of a decision call.
type ModelDecision struct {
	AssistantDraft string
	ToolCalls      []DecidedToolCall
	Model          string
	InputTokens    int
	OutputTokens   int
}

// StreamSink receives incremental draft tokens during decideStreaming,
// mirroring the reference EventEmitter/Sink fan-out. Implementations
// publish to the Subscriber Hub (internal/streamhub).
type StreamSink interface {
	OnText(stepID, text string)
	OnToolCall(stepID string, call DecidedToolCall)
}

// Provider is the contract a model backend (Anthropic, OpenAI, ...)
// implements.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Chunk is one streamed unit of a completion.
type Chunk struct {
	Text     string
	ToolCall *DecidedToolCall
	Done     bool
	Error    error
}

// MaxResponseTextSize caps accumulated assistant text per decision.
const MaxResponseTextSize = 1 << 20

// MaxToolCallsPerIteration caps tool calls accepted from one decision.
const MaxToolCallsPerIteration = 100

// Adapter wraps a Provider and applies manifest
// filtering and tool-choice/parallel_tool_calls policy uniformly
// across backends.
type Adapter struct {
	provider Provider
}

// New wraps provider in an Adapter.
func New(provider Provider) *Adapter {
	return &Adapter{provider: provider}
}

// Name returns the wrapped provider's name.
func (a *Adapter) Name() string { return a.provider.Name() }

// applyToolChoice filters the manifest: auto passes
// everything, none drops all tools, forced(fn) keeps exactly one.
// parallel_tool_calls is implicitly disabled by the request builder
// whenever the filtered manifest is non-empty, to keep tool-call
// ordering deterministic for the dedup/executedKeys logic downstream.
func applyToolChoice(manifest []ToolManifestEntry, choice ToolChoice) []ToolManifestEntry {
	switch choice.Mode {
	case ToolChoiceNone:
		return nil
	case ToolChoiceForced:
		for _, m := range manifest {
			if m.Name == choice.Function {
				return []ToolManifestEntry{m}
			}
		}
		return nil
	default:
		return manifest
	}
}

// classify tags a raw tool call SERVER or CLIENT by looking its name up
// in the manifest. A CLIENT-declared entry overrides a missing SERVER
// registration of the same name.
func classify(name string, manifest []ToolManifestEntry) ExecTarget {
	for _, m := range manifest {
		if m.Name == name && m.Target == ExecClient {
			return ExecClient
		}
	}
	for _, m := range manifest {
		if m.Name == name && m.Target == ExecServer {
			return ExecServer
		}
	}
	return ExecServer
}

// DecideBlocking implements the decideBlocking(ctx) → ModelDecision
// entry point.
func (a *Adapter) DecideBlocking(ctx context.Context, req *Request) (*ModelDecision, error) {
	return a.decide(ctx, req, nil)
}

// DecideStreaming implements decideStreaming(ctx, stepId) →
// ModelDecision: incremental text is mirrored to sink as it arrives.
// On a provider error it is surfaced directly; callers wanting a
// blocking fallback should retry via DecideBlocking themselves, per
// "MAY fall back to blocking" wording.
func (a *Adapter) DecideStreaming(ctx context.Context, req *Request, sink StreamSink) (*ModelDecision, error) {
	return a.decide(ctx, req, sink)
}

func (a *Adapter) decide(ctx context.Context, req *Request, sink StreamSink) (*ModelDecision, error) {
	filtered := applyToolChoice(req.Manifest, req.ToolChoice)
	providerReq := *req
	providerReq.Manifest = filtered

	ch, err := a.provider.Complete(ctx, &providerReq)
	if err != nil {
		return nil, fmt.Errorf("decision: complete: %w", err)
	}

	var text strings.Builder
	var calls []DecidedToolCall

	for chunk := range ch {
		if chunk.Error != nil {
			return nil, fmt.Errorf("decision: stream: %w", chunk.Error)
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("decision: response text exceeds %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			if sink != nil {
				sink.OnText(req.StepID, chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			if len(calls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("decision: tool calls exceed %d per iteration", MaxToolCallsPerIteration)
			}
			tc := *chunk.ToolCall
			if tc.ID == "" {
				tc.ID = uuid.NewString()
			}
			tc.Target = classify(tc.Name, filtered)
			calls = append(calls, tc)
			if sink != nil {
				sink.OnToolCall(req.StepID, tc)
			}
		}
	}

	return &ModelDecision{
		AssistantDraft: text.String(),
		ToolCalls:      calls,
		Model:          req.Model,
	}, nil
}
