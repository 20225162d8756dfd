// Package toolpipeline implements the tool execution pipeline: toggle
// enforcement, scope-argument shaping, canonicalization, durable
// dedup-ledger lookup, concurrency/timeout/retry-bounded execution, and
// a per-process result cache.
package toolpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conduitrun/conduit/internal/backoff"
	"github.com/conduitrun/conduit/internal/canon"
	"github.com/conduitrun/conduit/internal/convstore"
)

// Pipeline executes SERVER tool calls against a registered tool set.
type Pipeline struct {
	store convstore.Store
	cache *ResultCache
	cfg   Config

	mu    sync.RWMutex
	tools map[string]ToolSpec
}

// New constructs a Pipeline backed by store for the durable ledger.
func New(store convstore.Store, cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 1
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.DefaultMaxTTLCeiling <= 0 {
		cfg.DefaultMaxTTLCeiling = time.Hour
	}
	return &Pipeline{
		store: store,
		cache: NewResultCache(ResultCacheOptions{TTL: cfg.CacheTTL, MaxSize: cfg.CacheMaxSize}),
		cfg:   cfg,
		tools: make(map[string]ToolSpec),
	}
}

// Register adds or replaces a tool's spec in the registry.
func (p *Pipeline) Register(spec ToolSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools[spec.Name] = spec
}

func (p *Pipeline) lookupSpec(name string) (ToolSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.tools[name]
	return spec, ok
}

func (p *Pipeline) enabled(name string) bool {
	if p.cfg.Toggles == nil {
		return true
	}
	v, ok := p.cfg.Toggles[name]
	if !ok {
		return true
	}
	return v
}

// Execute implements execute(call, userId, conversationId)
// → ToolResult contract for a single call, in the six ordered steps.
func (p *Pipeline) Execute(ctx context.Context, call ToolCall, userID, conversationID string) (result *Result, err error) {
	if p.cfg.Metrics != nil {
		start := time.Now()
		defer func() {
			status := "success"
			if result != nil && result.Status != StatusSuccess && result.Status != StatusPending {
				status = "error"
			}
			p.cfg.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		}()
	}

	// Step 0: approval gate, ahead of the toggle check so a denied tool
	// never reaches dedup lookup or execution.
	if p.cfg.Approval != nil {
		if decision, reason := p.cfg.Approval.Check(userID, call.Name); decision == ApprovalDenied {
			return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusDenied, Message: reason}, nil
		}
	}

	// Step 1: toggle check.
	if !p.enabled(call.Name) {
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusDisabled, Message: "tool is disabled"}, nil
	}

	spec, ok := p.lookupSpec(call.Name)
	if !ok {
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusError, Message: fmt.Sprintf("unknown tool %q", call.Name)}, nil
	}

	// Step 2: arg shaping / scope injection.
	shaped, requestedTTL, force, err := shapeArgs(call.Arguments, spec.FallbackArgs, userID, conversationID)
	if err != nil {
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusError, Message: err.Error()}, nil
	}

	// Step 3: canonicalize + argsHash.
	ignore := append(append([]string{}, canon.DefaultIgnoreArgs...), p.cfg.IgnoreArgs...)
	var argsGeneric any
	if err := json.Unmarshal(shaped, &argsGeneric); err != nil {
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusError, Message: "malformed arguments: " + err.Error()}, nil
	}
	argsHash, err := canon.Hash(argsGeneric, ignore...)
	if err != nil {
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusError, Message: "canonicalize: " + err.Error()}, nil
	}

	dedupEnabled := !spec.DedupDisabled
	cacheKey := CacheKey(call.Name, argsHash)

	// Step 4: dedup lookup: process-local cache first, then the
	// durable ledger, so intra-process reuse stays cheap before
	// falling back to the store.
	if dedupEnabled && !force {
		if cached, ok := p.cache.Get(cacheKey); ok {
			if data, ok := cached.(json.RawMessage); ok {
				return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusSuccess, Data: data, Reused: true, ArgsHash: argsHash}, nil
			}
		}
		if p.store != nil {
			row, err := p.store.LookupToolExecution(ctx, userID, conversationID, call.Name, argsHash)
			if err != nil {
				slog.Error("toolpipeline: ledger lookup failed", "tool", call.Name, "err", err)
			} else if row != nil {
				p.cache.Put(cacheKey, row.ResultJSON)
				return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusSuccess, Data: row.ResultJSON, Reused: true, ArgsHash: argsHash}, nil
			}
		}
	}

	// Step 5: execute, with concurrency-pool-free per-call
	// timeout/retry, grounded on ToolExecutor's per-call loop.
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.DefaultMaxAttempts
	}
	retryBackoff := spec.RetryBackoff
	if retryBackoff < 0 {
		retryBackoff = 0
	}

	if spec.Async {
		go p.runAsync(call, spec, shaped, userID, conversationID, argsHash, requestedTTL, dedupEnabled, timeout, maxAttempts, retryBackoff)
		payload, _ := json.Marshal(map[string]string{"job_id": call.ID, "status": "pending"})
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusPending, Data: payload, ArgsHash: argsHash}, nil
	}

	data, attempts, execErr := p.executeWithRetry(ctx, spec.Handler, shaped, timeout, maxAttempts, retryBackoff)
	if execErr != nil {
		if p.store != nil && dedupEnabled {
			if _, lerr := p.store.UpsertToolExecution(ctx, convstore.UpsertToolExecutionParams{
				UserID: userID, ConversationID: conversationID, ToolName: call.Name, ArgsHash: argsHash,
				Status: convstore.StatusError, ArgsJSON: shaped, ResultJSON: nil, Attempts: attempts,
			}); lerr != nil {
				slog.Error("toolpipeline: ledger write (error) failed", "tool", call.Name, "err", lerr)
			}
		}
		return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusError, Message: execErr.Error(), ArgsHash: argsHash, Attempts: attempts}, nil
	}

	data = p.cfg.Guard.Apply(call.Name, data)

	ttl := resolveTTL(spec, requestedTTL, p.cfg.DefaultTTL, p.cfg.DefaultMaxTTLCeiling)
	if p.store != nil && dedupEnabled {
		if _, err := p.store.UpsertToolExecution(ctx, convstore.UpsertToolExecutionParams{
			UserID: userID, ConversationID: conversationID, ToolName: call.Name, ArgsHash: argsHash,
			Status: convstore.StatusSuccess, ArgsJSON: shaped, ResultJSON: data, TTL: ttl, Attempts: attempts,
		}); err != nil {
			slog.Error("toolpipeline: ledger write (success) failed", "tool", call.Name, "err", err)
		}
	}

	// Step 6: cache put.
	if dedupEnabled {
		p.cache.Put(cacheKey, data)
	}

	return &Result{ToolCallID: call.ID, Name: call.Name, Status: StatusSuccess, Data: data, ArgsHash: argsHash, Attempts: attempts}, nil
}

// ExecuteBatch runs Execute for each call concurrently, bounded by
// cfg.Concurrency, returning results in call order. Grounded on
// tool_exec.go's ExecuteConcurrently semaphore pattern.
func (p *Pipeline) ExecuteBatch(ctx context.Context, calls []ToolCall, userID, conversationID string) []*Result {
	results := make([]*Result, len(calls))
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = &Result{ToolCallID: c.ID, Name: c.Name, Status: StatusError, Message: "context canceled"}
				return
			}
			r, err := p.Execute(ctx, c, userID, conversationID)
			if err != nil {
				r = &Result{ToolCallID: c.ID, Name: c.Name, Status: StatusError, Message: err.Error()}
			}
			results[idx] = r
		}(i, call)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) executeWithRetry(ctx context.Context, handler Handler, args json.RawMessage, timeout time.Duration, maxAttempts int, backoffBase time.Duration) (json.RawMessage, int, error) {
	policy := backoff.BackoffPolicy{
		InitialMs: float64(backoffBase.Milliseconds()),
		MaxMs:     float64(backoffBase.Milliseconds()) * 8,
		Factor:    2,
		Jitter:    0.2,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		if attempt > 0 && backoffBase > 0 {
			if err := backoff.SleepWithBackoff(ctx, policy, attempt); err != nil {
				return nil, attempts, err
			}
		}

		data, err := p.executeOnce(ctx, handler, args, timeout)
		if err == nil {
			return data, attempts, nil
		}
		lastErr = err
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, attempts, lastErr
		}
	}
	return nil, attempts, lastErr
}

func (p *Pipeline) executeOnce(ctx context.Context, handler Handler, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		data, err := handler(callCtx, args)
		select {
		case done <- outcome{data, err}:
		default:
		}
	}()

	select {
	case o := <-done:
		return o.data, o.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool execution timed out after %s", timeout)
		}
		return nil, callCtx.Err()
	}
}
