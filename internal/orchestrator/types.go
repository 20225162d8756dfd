// Package orchestrator implements the Loop Driver and Continuation:
// the agentic state machine that advances a step to termination by
// assembling context, deciding, classifying and executing tool calls,
// and suspending for or resuming from client-executed tools.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/conduitrun/conduit/internal/decision"
)

// FinishReason is StepState.finishReason.
type FinishReason string

const (
	FinishNone        FinishReason = ""
	FinishDone        FinishReason = "DONE"
	FinishWaitClient  FinishReason = "WAIT_CLIENT"
	FinishError       FinishReason = "ERROR"
	FinishCancelled   FinishReason = "CANCELLED"
)

// ClientResult is one entry of a resume request's clientResults.
type ClientResult struct {
	ToolCallID string
	Name       string
	Data       json.RawMessage
	IsError    bool
}

// Request is run(request)'s input.
type Request struct {
	UserID         string
	ConversationID string
	Query          string
	ResumeStepID   string
	ToolChoice     decision.ToolChoice

	// ClientTools are the caller-declared client-executed tool
	// manifest entries for this call; merged with the registered
	// server manifest before assembly.
	ClientTools []decision.ToolManifestEntry

	// ClientResults carries a resume request's tool outputs. Only
	// meaningful when ResumeStepID is set.
	ClientResults []ClientResult

	Model string
}

// EventType classifies a Loop Driver line-stream event.
type EventType string

const (
	EventStarted     EventType = "started"
	EventStep        EventType = "step"
	EventFinished    EventType = "finished"
	EventError       EventType = "error"
)

// StepKind further classifies an EventStep event's payload shape.
type StepKind string

const (
	StepKindModelDelta  StepKind = "modelDelta"
	StepKindTool        StepKind = "tool"
	StepKindClientCalls StepKind = "clientCalls"
)

// Event is one unit of the strictly-ordered line-stream sequence
// run(request) produces: exactly one started, zero or more step, then
// exactly one finished or error.
type Event struct {
	Type   EventType
	StepID string
	Kind   StepKind
	Data   any
}

// ToolStepData is the payload of a step{kind=tool} event.
type ToolStepData struct {
	Name     string          `json:"name"`
	CallID   string          `json:"callId"`
	Reused   bool            `json:"reused"`
	Status   string          `json:"status"`
	Args     json.RawMessage `json:"args,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ClientCallsStepData is the payload of a step{kind=clientCalls} event,
// published to both the line-stream and the Stream Fabric.
type ClientCallsStepData struct {
	Calls []decision.DecidedToolCall `json:"calls"`
}

// FinishedData is the payload of a terminal finished event.
type FinishedData struct {
	Reason         FinishReason `json:"reason"`
	AssistantDraft string       `json:"assistantDraft,omitempty"`
}

// Config tunes the Loop Driver's resource guards and timing.
type Config struct {
	// ToolsMaxLoops bounds the agentic loop
	// "loop ≤ toolsMaxLoops" invariant. nil means "unset" and defaults
	// to 25; an explicit 0 is meaningful (force
	// finalization with whatever the first decision produces) and must
	// not be overwritten.
	ToolsMaxLoops *int

	// DraftGCAfter is how long a DRAFT row may live before the
	// scheduled GC removes it (ConversationMessage
	// lifecycle note). Default 24h.
	DraftGCAfter time.Duration
}

// DefaultConfig returns the Loop Driver's default resource guards.
func DefaultConfig() Config {
	loops := 25
	return Config{
		ToolsMaxLoops: &loops,
		DraftGCAfter:  24 * time.Hour,
	}
}
