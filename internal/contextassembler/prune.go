package contextassembler

import (
	"context"
	"strings"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/decision"
)

// Summarizer is the narrow decision.Provider surface the Assembler needs
// to collapse old history into one summary message. decision.Provider
// satisfies this directly.
type Summarizer interface {
	Complete(ctx context.Context, req *decision.Request) (<-chan decision.Chunk, error)
}

// effectiveRenderMode implements the idle-TTL pruning rule grounded on
// runtime.go's contextPruningCacheTouchKey: while a conversation is
// still "hot" (its most recent row is younger than PruneIdleTTL), keep
// every tool frame fully rendered so the provider's prompt cache keeps
// hitting across rapid-fire turns. Once the conversation goes idle past
// that TTL, fall back to the configured RenderMode.
func (a *Assembler) effectiveRenderMode(history []convstore.ConversationMessage) RenderMode {
	if a.opts.PruneIdleTTL <= 0 || len(history) == 0 {
		return a.opts.RenderMode
	}
	last := history[len(history)-1].CreatedAt
	if time.Since(last) < a.opts.PruneIdleTTL {
		return AllTool
	}
	return a.opts.RenderMode
}

// summarizeHistory collapses every row but the most recent
// SummaryKeepRecent into one synthetic assistant row when history grows
// past SummarizeAfterMessages, per the "insert an LLM-authored summary
// once history exceeds a configured message count" contract. It never
// touches the stored rows or the fingerprint input (both still see the
// untouched history); it only changes what gets packed for the model.
func (a *Assembler) summarizeHistory(ctx context.Context, history []convstore.ConversationMessage) ([]convstore.ConversationMessage, error) {
	if a.opts.Summarizer == nil || a.opts.SummarizeAfterMessages <= 0 || len(history) <= a.opts.SummarizeAfterMessages {
		return history, nil
	}

	keep := a.opts.SummaryKeepRecent
	if keep <= 0 || keep >= len(history) {
		keep = len(history) / 2
	}
	older, recent := history[:len(history)-keep], history[len(history)-keep:]

	summary, err := a.summarize(ctx, older)
	if err != nil {
		return nil, err
	}

	summaryRow := convstore.ConversationMessage{
		Role:      convstore.RoleAssistant,
		Content:   "[conversation summary] " + summary,
		CreatedAt: older[len(older)-1].CreatedAt,
	}
	out := make([]convstore.ConversationMessage, 0, len(recent)+1)
	out = append(out, summaryRow)
	out = append(out, recent...)
	return out, nil
}

func (a *Assembler) summarize(ctx context.Context, rows []convstore.ConversationMessage) (string, error) {
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(string(row.Role))
		b.WriteString(": ")
		b.WriteString(row.Content)
		b.WriteString("\n")
	}

	chunks, err := a.opts.Summarizer.Complete(ctx, &decision.Request{
		System: "Summarize the following conversation history concisely, preserving facts, decisions, and open threads. Plain prose, no preamble.",
		Messages: []decision.Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
	}
	return out.String(), nil
}
