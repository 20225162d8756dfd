// Package convstore is the durable Memory & Audit store: conversation
// messages and the tool execution ledger, both hash-chained per
// (userId, conversationId) scope.
package convstore

import (
	"context"
	"encoding/json"
	"time"
)

// MessageRole mirrors the chat roles an assembled context carries.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// MessageState tracks draft/final promotion.
type MessageState string

const (
	StateDraft MessageState = "DRAFT"
	StateFinal MessageState = "FINAL"
)

// ExecutionStatus is the outcome recorded for a tool ledger row.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusError   ExecutionStatus = "ERROR"
)

// ConversationMessage is a persisted row in the audit chain. Uniqueness:
// (UserID, ConversationID, StepID, Role, Seq).
type ConversationMessage struct {
	ID             int64
	UserID         string
	ConversationID string
	Role           MessageRole
	Content        string
	Payload        json.RawMessage
	StepID         string
	Seq            int
	State          MessageState
	CreatedAt      time.Time
	PrevHash       string
	Hash           string
	Canonical      string

	// TraceID/SpanID are populated from the active OpenTelemetry span
	// context when present, for cross-referencing traces with audit rows.
	TraceID string
	SpanID  string
}

// ToolExecution is a persisted ledger row. Uniqueness: (UserID,
// ConversationID, ToolName, ArgsHash, Status).
type ToolExecution struct {
	ID             int64
	UserID         string
	ConversationID string
	ToolName       string
	ArgsHash       string
	Status         ExecutionStatus
	ArgsJSON       json.RawMessage
	ResultJSON     json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	PrevHash       string
	Hash           string
	Canonical      string

	// Attempts records the retry count the Tool Execution Pipeline spent
	// before reaching this status.
	Attempts int
}

// UpsertMessageParams is the write-path input for a ConversationMessage row.
type UpsertMessageParams struct {
	UserID         string
	ConversationID string
	Role           MessageRole
	Content        string
	Payload        json.RawMessage
	StepID         string
	Seq            int
	State          MessageState
	Model          string
	TraceID        string
	SpanID         string
}

// UpsertToolExecutionParams is the write-path input for a ToolExecution row.
type UpsertToolExecutionParams struct {
	UserID         string
	ConversationID string
	ToolName       string
	ArgsHash       string
	Status         ExecutionStatus
	ArgsJSON       json.RawMessage
	ResultJSON     json.RawMessage
	Reused         bool
	TTL            time.Duration
	Attempts       int
}

// VerifyBreak describes a single hash-chain discontinuity found by Verify.
type VerifyBreak struct {
	Index        int
	ExpectedHash string
	ActualHash   string
	PrevMatch    bool
	HashMatch    bool
}

// VerifyResult is the outcome of re-walking a scope's audit timeline.
type VerifyResult struct {
	OK         bool
	TotalNodes int
	TailHash   string
	Breaks     []VerifyBreak
}

// Store is the persistence contract both backends implement in full.
// Postgres (convstore/pg) and SQLite (convstore/sqlite) both support
// getContext(..., stepId, limit); neither is a partial implementation.
type Store interface {
	// UpsertMessage inserts or updates a ConversationMessage by its
	// unique key, threading the hash chain for the (user, conv) scope.
	UpsertMessage(ctx context.Context, p UpsertMessageParams) (*ConversationMessage, error)

	// UpsertToolExecution inserts or updates a ToolExecution ledger row,
	// threading the same scope's hash chain.
	UpsertToolExecution(ctx context.Context, p UpsertToolExecutionParams) (*ToolExecution, error)

	// LookupToolExecution returns a non-expired SUCCESS row for
	// (userID, convID, toolName, argsHash), or nil if none exists.
	LookupToolExecution(ctx context.Context, userID, convID, toolName, argsHash string) (*ToolExecution, error)

	// PromoteDraftsToFinal transitions every DRAFT row for stepID to
	// FINAL atomically. The hash chain is unaffected.
	PromoteDraftsToFinal(ctx context.Context, userID, convID, stepID string) error

	// GetContext returns the most recent limit FINAL messages in
	// chronological order.
	GetContext(ctx context.Context, userID, convID string, limit int) ([]ConversationMessage, error)

	// GetStepContext returns all rows under stepID regardless of state.
	GetStepContext(ctx context.Context, userID, convID, stepID string, limit int) ([]ConversationMessage, error)

	// GetContextUptoStep returns FINAL history plus all rows up to and
	// including stepID, for replay.
	GetContextUptoStep(ctx context.Context, userID, convID, stepID string, limit int) ([]ConversationMessage, error)

	// FindStepIDByToolCallID reverse-looks-up the stepID that produced
	// a tool message tagged with the given tool_call_id.
	FindStepIDByToolCallID(ctx context.Context, userID, convID, toolCallID string) (string, error)

	// FindMaxSeq returns the current maximum seq for a step, the source
	// of the monotonic seq allocator.
	FindMaxSeq(ctx context.Context, userID, convID, stepID string) (int, error)

	// DeleteDraftsOlderThanHours runs the scheduled draft GC.
	DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error)

	// VerifyChain re-reads the audit timeline for a scope and checks the
	// hash-chain invariant across every row.
	VerifyChain(ctx context.Context, userID, convID string) (*VerifyResult, error)

	Close() error
}

// AuditPayload is the normalized structure canonicalized and hashed for
// every row, matching write-path description.
type AuditPayload struct {
	Type           string `json:"type"`
	User           string `json:"user"`
	Conv           string `json:"conv"`
	StepID         string `json:"stepId,omitempty"`
	Role           string `json:"role,omitempty"`
	Content        string `json:"content,omitempty"`
	Seq            int    `json:"seq,omitempty"`
	Timestamp      string `json:"ts"`
	Model          string `json:"model,omitempty"`
	ToolName       string `json:"name,omitempty"`
	ArgsHash       string `json:"argsHash,omitempty"`
	DataHash       string `json:"dataHash,omitempty"`
	Reused         bool   `json:"reused,omitempty"`
	Status         string `json:"status,omitempty"`
}
