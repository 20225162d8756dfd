package toolpipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/streamhub"
)

// runAsync finishes an Async call's step 5/6 off the caller's context
// (which ends when the originating request does) and publishes the
// final Result to Config.Hub, grounded on internal/jobs'/internal/tasks'
// detached-execution idiom but scoped to the one result shape a tool
// call already produces.
func (p *Pipeline) runAsync(call ToolCall, spec ToolSpec, args json.RawMessage, userID, conversationID, argsHash string, requestedTTL int, dedupEnabled bool, timeout time.Duration, maxAttempts int, backoff time.Duration) {
	ctx := context.Background()
	data, attempts, execErr := p.executeWithRetry(ctx, spec.Handler, args, timeout, maxAttempts, backoff)

	var result *Result
	if execErr != nil {
		if p.store != nil && dedupEnabled {
			if _, lerr := p.store.UpsertToolExecution(ctx, convstore.UpsertToolExecutionParams{
				UserID: userID, ConversationID: conversationID, ToolName: call.Name, ArgsHash: argsHash,
				Status: convstore.StatusError, ArgsJSON: args, ResultJSON: nil, Attempts: attempts,
			}); lerr != nil {
				slog.Error("toolpipeline: async ledger write (error) failed", "tool", call.Name, "err", lerr)
			}
		}
		result = &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusError, Message: execErr.Error(), ArgsHash: argsHash, Attempts: attempts}
	} else {
		data = p.cfg.Guard.Apply(call.Name, data)
		ttl := resolveTTL(spec, requestedTTL, p.cfg.DefaultTTL, p.cfg.DefaultMaxTTLCeiling)
		if p.store != nil && dedupEnabled {
			if _, err := p.store.UpsertToolExecution(ctx, convstore.UpsertToolExecutionParams{
				UserID: userID, ConversationID: conversationID, ToolName: call.Name, ArgsHash: argsHash,
				Status: convstore.StatusSuccess, ArgsJSON: args, ResultJSON: data, TTL: ttl, Attempts: attempts,
			}); err != nil {
				slog.Error("toolpipeline: async ledger write (success) failed", "tool", call.Name, "err", err)
			}
		}
		if dedupEnabled {
			p.cache.Put(CacheKey(call.Name, argsHash), data)
		}
		result = &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusSuccess, Data: data, ArgsHash: argsHash, Attempts: attempts}
	}

	if p.cfg.Hub != nil {
		p.cfg.Hub.Publish(call.StepID, streamhub.Event{Type: streamhub.EventToolAsyncResult, StepID: call.StepID, Data: result})
	}
}
