package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
)

// UpsertMessage implements convstore.Store. The (user, conv) scope's
// hash chain is threaded under a per-database write lock implied by
// SetMaxOpenConns(1): sqlite serializes writers itself, so the
// read-prior-hash-then-write-next-hash sequence below is race-free
// without an additional application-level mutex.
func (s *Store) UpsertMessage(ctx context.Context, p convstore.UpsertMessageParams) (*convstore.ConversationMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prevHash, err := lastHash(ctx, tx, p.UserID, p.ConversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payload := convstore.AuditPayload{
		Type:      "message",
		User:      p.UserID,
		Conv:      p.ConversationID,
		StepID:    p.StepID,
		Role:      string(p.Role),
		Content:   p.Content,
		Seq:       p.Seq,
		Timestamp: now.Format(time.RFC3339Nano),
		Model:     p.Model,
	}

	canonical, hash, err := convstore.ComputeChainRow(prevHash, payload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages
			(user_id, conversation_id, role, content, payload, step_id, seq, state, created_at, prev_hash, hash, canonical, trace_id, span_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, conversation_id, step_id, role, seq) DO UPDATE SET
			content=excluded.content, payload=excluded.payload, state=excluded.state,
			prev_hash=excluded.prev_hash, hash=excluded.hash, canonical=excluded.canonical,
			trace_id=excluded.trace_id, span_id=excluded.span_id
	`, p.UserID, p.ConversationID, string(p.Role), p.Content, rawOrNil(p.Payload), p.StepID, p.Seq,
		string(p.State), now.Format(time.RFC3339Nano), prevHash, hash, canonical,
		nullable(p.TraceID), nullable(p.SpanID))
	if err != nil {
		return nil, fmt.Errorf("convstore/sqlite: upsert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &convstore.ConversationMessage{
		UserID: p.UserID, ConversationID: p.ConversationID, Role: p.Role, Content: p.Content,
		Payload: p.Payload, StepID: p.StepID, Seq: p.Seq, State: p.State, CreatedAt: now,
		PrevHash: prevHash, Hash: hash, Canonical: canonical, TraceID: p.TraceID, SpanID: p.SpanID,
	}, nil
}

func lastHash(ctx context.Context, tx *sql.Tx, userID, convID string) (string, error) {
	var h string
	row := tx.QueryRowContext(ctx, `
		SELECT hash FROM (
			SELECT hash, created_at, 1 AS kind FROM conversation_messages WHERE user_id=? AND conversation_id=?
			UNION ALL
			SELECT hash, created_at, 2 AS kind FROM tool_executions WHERE user_id=? AND conversation_id=?
		) ORDER BY created_at DESC, kind DESC LIMIT 1
	`, userID, convID, userID, convID)
	if err := row.Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return h, nil
}

// PromoteDraftsToFinal implements convstore.Store.
func (s *Store) PromoteDraftsToFinal(ctx context.Context, userID, convID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_messages SET state='FINAL'
		WHERE user_id=? AND conversation_id=? AND step_id=? AND state='DRAFT'
	`, userID, convID, stepID)
	return err
}

func scanMessages(rows *sql.Rows) ([]convstore.ConversationMessage, error) {
	defer rows.Close()
	var out []convstore.ConversationMessage
	for rows.Next() {
		var m convstore.ConversationMessage
		var payload, traceID, spanID sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.Content, &payload,
			&m.StepID, &m.Seq, &m.State, &createdAt, &m.PrevHash, &m.Hash, &m.Canonical, &traceID, &spanID); err != nil {
			return nil, err
		}
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		m.TraceID, m.SpanID = traceID.String, spanID.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const messageColumns = `id, user_id, conversation_id, role, content, payload, step_id, seq, state, created_at, prev_hash, hash, canonical, trace_id, span_id`

// GetContext implements convstore.Store.
func (s *Store) GetContext(ctx context.Context, userID, convID string, limit int) ([]convstore.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM conversation_messages
			WHERE user_id=? AND conversation_id=? AND state='FINAL'
			ORDER BY created_at DESC, seq DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC, id ASC
	`, userID, convID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetStepContext implements convstore.Store.
func (s *Store) GetStepContext(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM conversation_messages
		WHERE user_id=? AND conversation_id=? AND step_id=?
		ORDER BY created_at ASC, seq ASC, id ASC LIMIT ?
	`, userID, convID, stepID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetContextUptoStep implements convstore.Store.
func (s *Store) GetContextUptoStep(ctx context.Context, userID, convID, stepID string, limit int) ([]convstore.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM conversation_messages
		WHERE user_id=? AND conversation_id=? AND (state='FINAL' OR step_id=?)
		ORDER BY created_at ASC, seq ASC, id ASC LIMIT ?
	`, userID, convID, stepID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// FindStepIDByToolCallID implements convstore.Store. The tool_call_id is
// expected inside the message payload (as written by the Tool Execution
// Pipeline and Continuation); this performs a JSON substring match
// suitable for the pure-Go sqlite driver, which has no json1 extension
// guarantee.
func (s *Store) FindStepIDByToolCallID(ctx context.Context, userID, convID, toolCallID string) (string, error) {
	var stepID string
	row := s.db.QueryRowContext(ctx, `
		SELECT step_id FROM conversation_messages
		WHERE user_id=? AND conversation_id=? AND role='tool' AND payload LIKE '%' || ? || '%'
		ORDER BY created_at DESC LIMIT 1
	`, userID, convID, toolCallID)
	if err := row.Scan(&stepID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return stepID, nil
}

// FindMaxSeq implements convstore.Store.
func (s *Store) FindMaxSeq(ctx context.Context, userID, convID, stepID string) (int, error) {
	var seq sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM conversation_messages WHERE user_id=? AND conversation_id=? AND step_id=?
	`, userID, convID, stepID)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return int(seq.Int64), nil
}

// DeleteDraftsOlderThanHours implements convstore.Store.
func (s *Store) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_messages WHERE state='DRAFT' AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
