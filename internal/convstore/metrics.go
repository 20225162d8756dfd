package convstore

import (
	"context"
	"time"

	"github.com/conduitrun/conduit/internal/observability"
)

// instrumentedStore wraps a Store, recording database query duration and
// status against the shared Metrics registry around every call.
type instrumentedStore struct {
	Store
	metrics *observability.Metrics
}

// Instrument wraps store so every call records DatabaseQueryDuration and
// DatabaseQueryCounter. A nil metrics returns store unchanged.
func Instrument(store Store, metrics *observability.Metrics) Store {
	if metrics == nil {
		return store
	}
	return &instrumentedStore{Store: store, metrics: metrics}
}

func (s *instrumentedStore) record(op, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(op, table, status, time.Since(start).Seconds())
}

func (s *instrumentedStore) UpsertMessage(ctx context.Context, p UpsertMessageParams) (*ConversationMessage, error) {
	start := time.Now()
	m, err := s.Store.UpsertMessage(ctx, p)
	s.record("upsert", "messages", start, err)
	return m, err
}

func (s *instrumentedStore) UpsertToolExecution(ctx context.Context, p UpsertToolExecutionParams) (*ToolExecution, error) {
	start := time.Now()
	t, err := s.Store.UpsertToolExecution(ctx, p)
	s.record("upsert", "tool_executions", start, err)
	return t, err
}

func (s *instrumentedStore) LookupToolExecution(ctx context.Context, userID, convID, toolName, argsHash string) (*ToolExecution, error) {
	start := time.Now()
	t, err := s.Store.LookupToolExecution(ctx, userID, convID, toolName, argsHash)
	s.record("select", "tool_executions", start, err)
	return t, err
}

func (s *instrumentedStore) PromoteDraftsToFinal(ctx context.Context, userID, convID, stepID string) error {
	start := time.Now()
	err := s.Store.PromoteDraftsToFinal(ctx, userID, convID, stepID)
	s.record("update", "messages", start, err)
	return err
}

func (s *instrumentedStore) GetContext(ctx context.Context, userID, convID string, limit int) ([]ConversationMessage, error) {
	start := time.Now()
	rows, err := s.Store.GetContext(ctx, userID, convID, limit)
	s.record("select", "messages", start, err)
	return rows, err
}

func (s *instrumentedStore) GetStepContext(ctx context.Context, userID, convID, stepID string, limit int) ([]ConversationMessage, error) {
	start := time.Now()
	rows, err := s.Store.GetStepContext(ctx, userID, convID, stepID, limit)
	s.record("select", "messages", start, err)
	return rows, err
}

func (s *instrumentedStore) GetContextUptoStep(ctx context.Context, userID, convID, stepID string, limit int) ([]ConversationMessage, error) {
	start := time.Now()
	rows, err := s.Store.GetContextUptoStep(ctx, userID, convID, stepID, limit)
	s.record("select", "messages", start, err)
	return rows, err
}

func (s *instrumentedStore) FindStepIDByToolCallID(ctx context.Context, userID, convID, toolCallID string) (string, error) {
	start := time.Now()
	id, err := s.Store.FindStepIDByToolCallID(ctx, userID, convID, toolCallID)
	s.record("select", "messages", start, err)
	return id, err
}

func (s *instrumentedStore) FindMaxSeq(ctx context.Context, userID, convID, stepID string) (int, error) {
	start := time.Now()
	seq, err := s.Store.FindMaxSeq(ctx, userID, convID, stepID)
	s.record("select", "messages", start, err)
	return seq, err
}

func (s *instrumentedStore) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	start := time.Now()
	n, err := s.Store.DeleteDraftsOlderThanHours(ctx, hours)
	s.record("delete", "messages", start, err)
	return n, err
}

func (s *instrumentedStore) VerifyChain(ctx context.Context, userID, convID string) (*VerifyResult, error) {
	start := time.Now()
	r, err := s.Store.VerifyChain(ctx, userID, convID)
	s.record("select", "messages", start, err)
	return r, err
}
