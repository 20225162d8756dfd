package contextassembler

import (
	"context"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/decision"
)

type fakeSummarizer struct {
	text string
	err  error
}

func (f *fakeSummarizer) Complete(ctx context.Context, req *decision.Request) (<-chan decision.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan decision.Chunk, 1)
	ch <- decision.Chunk{Text: f.text, Done: true}
	close(ch)
	return ch, nil
}

func TestEffectiveRenderModeStaysFullWhileHot(t *testing.T) {
	a := &Assembler{opts: Options{RenderMode: CurrentToolHistorySummary, PruneIdleTTL: time.Hour}}
	history := []convstore.ConversationMessage{{CreatedAt: time.Now()}}
	if mode := a.effectiveRenderMode(history); mode != AllTool {
		t.Fatalf("expected AllTool while hot, got %s", mode)
	}
}

func TestEffectiveRenderModeFallsBackOnceIdle(t *testing.T) {
	a := &Assembler{opts: Options{RenderMode: CurrentToolHistorySummary, PruneIdleTTL: time.Minute}}
	history := []convstore.ConversationMessage{{CreatedAt: time.Now().Add(-time.Hour)}}
	if mode := a.effectiveRenderMode(history); mode != CurrentToolHistorySummary {
		t.Fatalf("expected configured RenderMode once idle, got %s", mode)
	}
}

func TestEffectiveRenderModeIgnoredWhenTTLUnset(t *testing.T) {
	a := &Assembler{opts: Options{RenderMode: AllSummary}}
	history := []convstore.ConversationMessage{{CreatedAt: time.Now()}}
	if mode := a.effectiveRenderMode(history); mode != AllSummary {
		t.Fatalf("expected RenderMode unchanged, got %s", mode)
	}
}

func TestSummarizeHistoryCollapsesOlderRows(t *testing.T) {
	a := &Assembler{opts: Options{
		SummarizeAfterMessages: 3,
		SummaryKeepRecent:      1,
		Summarizer:             &fakeSummarizer{text: "summary text"},
	}}
	history := []convstore.ConversationMessage{
		{Role: convstore.RoleUser, Content: "one"},
		{Role: convstore.RoleAssistant, Content: "two"},
		{Role: convstore.RoleUser, Content: "three"},
		{Role: convstore.RoleAssistant, Content: "four"},
	}
	out, err := a.summarizeHistory(context.Background(), history)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected summary row + 1 kept row, got %d", len(out))
	}
	if out[0].Content != "[conversation summary] summary text" {
		t.Fatalf("unexpected summary row: %q", out[0].Content)
	}
	if out[1].Content != "four" {
		t.Fatalf("expected last row kept verbatim, got %q", out[1].Content)
	}
}

func TestSummarizeHistoryNoopBelowThreshold(t *testing.T) {
	a := &Assembler{opts: Options{SummarizeAfterMessages: 10, Summarizer: &fakeSummarizer{text: "x"}}}
	history := []convstore.ConversationMessage{{Role: convstore.RoleUser, Content: "one"}}
	out, err := a.summarizeHistory(context.Background(), history)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Content != "one" {
		t.Fatalf("expected history untouched, got %+v", out)
	}
}

func TestSummarizeHistoryNoopWithoutSummarizer(t *testing.T) {
	a := &Assembler{opts: Options{SummarizeAfterMessages: 1}}
	history := []convstore.ConversationMessage{
		{Role: convstore.RoleUser, Content: "one"},
		{Role: convstore.RoleAssistant, Content: "two"},
	}
	out, err := a.summarizeHistory(context.Background(), history)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected history untouched without a Summarizer, got %d rows", len(out))
	}
}
