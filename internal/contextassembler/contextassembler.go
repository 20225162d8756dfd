// Package contextassembler implements the Context Assembler: it reads
// memory, folds history into a model-ready message list under one of
// three tool-rendering modes, and computes a deterministic fingerprint
// of the assembly inputs.
package contextassembler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitrun/conduit/internal/canon"
	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/stepstore"
)

// RenderMode selects how historical vs. current-step tool frames are
// represented.
type RenderMode string

const (
	// AllTool emits full assistant(tool_calls)+tool frames for both
	// historical and current-step rows.
	AllTool RenderMode = "ALL_TOOL"
	// CurrentToolHistorySummary (recommended default) summarizes
	// historical tool frames but keeps full current-step frames.
	CurrentToolHistorySummary RenderMode = "CURRENT_TOOL_HISTORY_SUMMARY"
	// AllSummary summarizes every tool frame, historical and current.
	AllSummary RenderMode = "ALL_SUMMARY"
)

// Options configures one Assembler instance, grounded on
// internal/agent/context/packer.go's PackOptions.
type Options struct {
	MemoryMaxMessages  int
	MaxChars           int
	MaxToolResultChars int
	RenderMode         RenderMode
	SystemDirective    string

	// PruneIdleTTL keeps every tool frame fully rendered (RenderMode is
	// ignored in favor of AllTool) while a conversation's most recent
	// row is younger than this. Zero disables idle-based pruning and
	// RenderMode always applies.
	PruneIdleTTL time.Duration

	// SummarizeAfterMessages collapses all but SummaryKeepRecent history
	// rows into one synthetic summary message once history grows past
	// this count. Zero disables summarization. Requires Summarizer.
	SummarizeAfterMessages int
	SummaryKeepRecent      int
	Summarizer             Summarizer
}

// DefaultOptions mirrors the reference DefaultPackOptions budget shape,
// adjusted to this component's defaults.
func DefaultOptions() Options {
	return Options{
		MemoryMaxMessages:  60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		RenderMode:         CurrentToolHistorySummary,
		SystemDirective:    "Follow the tool-calling protocol exactly: emit tool_calls only for declared tools, and keep responses in plain text unless a tool result requires structured output.",
	}
}

// Assembler builds model-ready message lists from convstore and tags
// them with a deterministic contextHash.
type Assembler struct {
	store Store
	steps *stepstore.Store
	opts  Options
}

// Store is the narrow read surface this package needs from
// convstore.Store, letting tests supply a fake.
type Store interface {
	GetContext(ctx context.Context, userID, convID string, limit int) ([]convstore.ConversationMessage, error)
	GetStepContext(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error)
}

// New constructs an Assembler.
func New(store Store, steps *stepstore.Store, opts Options) *Assembler {
	return &Assembler{store: store, steps: steps, opts: opts}
}

// Result is the Assembler's output: the message list and its fingerprint.
type Result struct {
	Messages    []decision.Message
	ContextHash string
}

// toolFrame is the structured shape written into each row's Payload by
// the Tool Execution Pipeline / Continuation; it is the unit the
// render-mode logic summarizes or passes through.
type toolFrame struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	MessageID  int64           `json:"message_id,omitempty"`
}

// Assemble implements algorithm. stepID must already be
// bound in the Step Context Store by the caller (the Loop Driver binds
// it once per step before the first Assemble call).
func (a *Assembler) Assemble(ctx context.Context, userID, convID, stepID string) (*Result, error) {
	history, err := a.store.GetContext(ctx, userID, convID, a.opts.MemoryMaxMessages)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: load history: %w", err)
	}
	stepRows, err := a.store.GetStepContext(ctx, userID, convID, stepID, 0)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: load step rows: %w", err)
	}

	hash, err := a.fingerprint(history, stepRows)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: fingerprint: %w", err)
	}

	renderHistory, err := a.summarizeHistory(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: summarize history: %w", err)
	}
	mode := a.effectiveRenderMode(history)

	messages := make([]decision.Message, 0, len(renderHistory)+len(stepRows)+1)
	messages = append(messages, decision.Message{
		Role:    "system",
		Content: a.systemPreamble(),
	})

	for _, row := range renderHistory {
		messages = append(messages, a.renderRowMode(row, false, mode))
	}
	for _, row := range stepRows {
		messages = append(messages, a.renderRowMode(row, true, mode))
	}

	messages = truncateToolResults(messages, a.opts.MaxToolResultChars)
	messages = enforceBudget(messages, a.opts.MaxChars)

	return &Result{Messages: messages, ContextHash: hash}, nil
}

// systemPreamble is stable across calls (date formatted to day
// granularity) so contextHash stays deterministic for identical
// logical inputs within a day step 3.
func (a *Assembler) systemPreamble() string {
	return fmt.Sprintf("Current date: %s\n%s", time.Now().UTC().Format("2006-01-02"), a.opts.SystemDirective)
}

func (a *Assembler) renderRowMode(row convstore.ConversationMessage, current bool, mode RenderMode) decision.Message {
	if row.Role != convstore.RoleTool {
		return decision.Message{Role: string(row.Role), Content: row.Content}
	}

	var frame toolFrame
	_ = json.Unmarshal(row.Payload, &frame)

	fullFrame := mode == AllTool || (mode == CurrentToolHistorySummary && current)
	if fullFrame {
		return decision.Message{
			Role:    "tool",
			Content: row.Content,
			ToolResults: []decision.ToolResultInput{{
				ToolCallID: frame.ToolCallID,
				Content:    row.Content,
			}},
		}
	}

	return decision.Message{
		Role:    "assistant",
		Content: summaryLine(frame, row.ID),
	}
}

func summaryLine(frame toolFrame, messageID int64) string {
	preview := ""
	if len(frame.Args) > 0 && len(frame.Args) < 200 {
		preview = " args=" + string(frame.Args)
	}
	return fmt.Sprintf("[tool:%s message_id=%d]%s", frame.Name, messageID, preview)
}

func truncateToolResults(messages []decision.Message, maxChars int) []decision.Message {
	if maxChars <= 0 {
		return messages
	}
	for i := range messages {
		for j := range messages[i].ToolResults {
			c := messages[i].ToolResults[j].Content
			if len(c) > maxChars {
				messages[i].ToolResults[j].Content = c[:maxChars] + "\n...[truncated]"
			}
		}
	}
	return messages
}

// enforceBudget drops the oldest non-system messages once the total
// character budget is exceeded, grounded on packer.go's
// reverse-then-reverse selection from the end of history backwards.
func enforceBudget(messages []decision.Message, maxChars int) []decision.Message {
	if maxChars <= 0 {
		return messages
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	if total <= maxChars {
		return messages
	}

	kept := make([]decision.Message, 0, len(messages))
	if len(messages) > 0 && messages[0].Role == "system" {
		kept = append(kept, messages[0])
		messages = messages[1:]
	}

	budget := maxChars - sumLen(kept)
	tail := make([]decision.Message, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if budget-len(messages[i].Content) < 0 {
			break
		}
		tail = append(tail, messages[i])
		budget -= len(messages[i].Content)
	}
	for i := len(tail) - 1; i >= 0; i-- {
		kept = append(kept, tail[i])
	}
	return kept
}

func sumLen(messages []decision.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// fingerprintInput is what gets canonicalized for contextHash, per
// step 6: stableJson({rows, structured}).
type fingerprintInput struct {
	History []convstore.ConversationMessage `json:"history"`
	Step    []convstore.ConversationMessage `json:"step"`
}

func (a *Assembler) fingerprint(history, step []convstore.ConversationMessage) (string, error) {
	return canon.Hash(fingerprintInput{History: history, Step: step})
}
