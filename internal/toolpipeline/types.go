package toolpipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/streamhub"
)

// Handler executes one tool call's business logic. Implementations are
// registered against a tool name and never see scope injection, dedup,
// or canonicalization; the Pipeline applies all of that around them.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ToolSpec is one entry in the pipeline's tool registry.
type ToolSpec struct {
	Name string
	Handler Handler

	// FallbackArgs are non-protected keys inserted into call.Arguments
	// only when absent step 2. userId/conversationId
	// are always protected and never belong here.
	FallbackArgs map[string]any

	// TTL is this tool's ledger success-row lifetime. Zero uses the
	// pipeline's DefaultTTL.
	TTL time.Duration

	// MaxTTLCeiling bounds a caller-supplied ttlSeconds override. Zero
	// uses the pipeline's DefaultMaxTTLCeiling.
	MaxTTLCeiling time.Duration

	// DedupDisabled opts this tool out of ledger lookup/write entirely
	// (e.g. for tools with externally-visible side effects on every
	// call, like sending a message).
	DedupDisabled bool

	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration

	// Async flags a long-running tool to execute off the main loop:
	// Execute returns a StatusPending placeholder immediately and the
	// real result is delivered later through Config.Hub.
	Async bool
}

// Config configures a Pipeline's defaults and concurrency.
type Config struct {
	Concurrency        int
	DefaultTTL         time.Duration
	DefaultTimeout     time.Duration
	DefaultMaxAttempts int
	DefaultRetryBackoff time.Duration
	DefaultMaxTTLCeiling time.Duration

	// IgnoreArgs lists additional argument keys to drop from canonical
	// encoding before hashing, appended to canon.DefaultIgnoreArgs.
	IgnoreArgs []string

	// Toggles is the live toolToggles map named in step 1.
	// A name absent from this map is treated as enabled.
	Toggles map[string]bool

	CacheTTL     time.Duration
	CacheMaxSize int

	// Approval gates SERVER tool execution against an ApprovalPolicy
	// before step 1's toggle check. Nil means every enabled tool runs
	// unattended.
	Approval *ApprovalChecker

	// Guard redacts a successful call's raw result before step 6's
	// ledger write and cache put. Zero value is inactive.
	Guard ResultGuard

	// Hub publishes an EventToolAsyncResult once an Async tool's
	// background execution finishes. Nil drops the notification (the
	// ledger row is still written; only the live push is skipped).
	Hub *streamhub.Hub

	// Metrics records per-call execution counters/latency. Nil disables
	// instrumentation.
	Metrics *observability.Metrics
}

// StatusDenied marks a call the approval policy refused to run.
const StatusDenied Status = "DENIED"

// StatusPending marks an Async tool call accepted for background
// execution; its real result arrives later via Config.Hub.
const StatusPending Status = "PENDING"

// DefaultConfig mirrors ToolExecConfig's default shape, adjusted to this
// pipeline's per-call contract.
func DefaultConfig() Config {
	return Config{
		Concurrency:          4,
		DefaultTTL:           10 * time.Minute,
		DefaultTimeout:       30 * time.Second,
		DefaultMaxAttempts:   1,
		DefaultRetryBackoff:  0,
		DefaultMaxTTLCeiling: time.Hour,
		CacheTTL:             10 * time.Minute,
		CacheMaxSize:         1000,
	}
}

// ToolCall is one call the Decision Adapter produced and classified as
// SERVER-executed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage

	// StepID scopes an Async call's eventual hub publish. Empty is fine
	// for synchronous tools, which never use it.
	StepID string
}

// Status is the outcome of a single pipeline Execute call.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusError    Status = "ERROR"
	StatusDisabled Status = "DISABLED"
)

// Result is the ToolResult execute() contract returns.
type Result struct {
	ToolCallID string
	Name       string
	Status     Status
	Data       json.RawMessage
	Message    string
	Reused     bool
	ArgsHash   string
	Attempts   int
}
