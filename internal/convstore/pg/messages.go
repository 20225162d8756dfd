package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
)

// scopeLockKey derives a stable int64 advisory-lock key from a scope, so
// concurrent writers to the same (user, conv) serialize their
// read-prior-hash-then-write-next-hash sequence
// "short database-level lock" requirement. Writers to different scopes
// never contend.
func scopeLockKey(userID, convID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(convID))
	return int64(h.Sum64())
}

// UpsertMessage implements convstore.Store.
func (s *Store) UpsertMessage(ctx context.Context, p convstore.UpsertMessageParams) (*convstore.ConversationMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, scopeLockKey(p.UserID, p.ConversationID)); err != nil {
		return nil, fmt.Errorf("convstore/pg: advisory lock: %w", err)
	}

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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, conversation_id, step_id, role, seq) DO UPDATE SET
			content=excluded.content, payload=excluded.payload, state=excluded.state,
			prev_hash=excluded.prev_hash, hash=excluded.hash, canonical=excluded.canonical,
			trace_id=excluded.trace_id, span_id=excluded.span_id
	`, p.UserID, p.ConversationID, string(p.Role), p.Content, rawOrNil(p.Payload), p.StepID, p.Seq,
		string(p.State), now, prevHash, hash, canonical, nullable(p.TraceID), nullable(p.SpanID))
	if err != nil {
		return nil, fmt.Errorf("convstore/pg: upsert message: %w", err)
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
			SELECT hash, created_at, 1 AS kind FROM conversation_messages WHERE user_id=$1 AND conversation_id=$2
			UNION ALL
			SELECT hash, created_at, 2 AS kind FROM tool_executions WHERE user_id=$1 AND conversation_id=$2
		) combined ORDER BY created_at DESC, kind DESC LIMIT 1
	`, userID, convID)
	if err := row.Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return h, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}

// PromoteDraftsToFinal implements convstore.Store.
func (s *Store) PromoteDraftsToFinal(ctx context.Context, userID, convID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_messages SET state='FINAL'
		WHERE user_id=$1 AND conversation_id=$2 AND step_id=$3 AND state='DRAFT'
	`, userID, convID, stepID)
	return err
}

const messageColumns = `id, user_id, conversation_id, role, content, payload, step_id, seq, state, created_at, prev_hash, hash, canonical, trace_id, span_id`

func scanMessages(rows *sql.Rows) ([]convstore.ConversationMessage, error) {
	defer rows.Close()
	var out []convstore.ConversationMessage
	for rows.Next() {
		var m convstore.ConversationMessage
		var payload []byte
		var traceID, spanID sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.Content, &payload,
			&m.StepID, &m.Seq, &m.State, &m.CreatedAt, &m.PrevHash, &m.Hash, &m.Canonical, &traceID, &spanID); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			m.Payload = json.RawMessage(payload)
		}
		m.TraceID, m.SpanID = traceID.String, spanID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetContext implements convstore.Store.
func (s *Store) GetContext(ctx context.Context, userID, convID string, limit int) ([]convstore.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM conversation_messages
			WHERE user_id=$1 AND conversation_id=$2 AND state='FINAL'
			ORDER BY created_at DESC, seq DESC, id DESC LIMIT $3
		) recent ORDER BY created_at ASC, seq ASC, id ASC
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
		WHERE user_id=$1 AND conversation_id=$2 AND step_id=$3
		ORDER BY created_at ASC, seq ASC, id ASC LIMIT $4
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
		WHERE user_id=$1 AND conversation_id=$2 AND (state='FINAL' OR step_id=$3)
		ORDER BY created_at ASC, seq ASC, id ASC LIMIT $4
	`, userID, convID, stepID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// FindStepIDByToolCallID implements convstore.Store using Postgres's
// JSONB containment-adjacent text search; the payload's tool_call_id
// field is looked up via a cast-to-text LIKE, keeping the query portable
// across both CockroachDB and Postgres without relying on jsonb
// operators CockroachDB doesn't fully mirror.
func (s *Store) FindStepIDByToolCallID(ctx context.Context, userID, convID, toolCallID string) (string, error) {
	var stepID string
	row := s.db.QueryRowContext(ctx, `
		SELECT step_id FROM conversation_messages
		WHERE user_id=$1 AND conversation_id=$2 AND role='tool' AND payload::text LIKE '%' || $3 || '%'
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
		SELECT MAX(seq) FROM conversation_messages WHERE user_id=$1 AND conversation_id=$2 AND step_id=$3
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
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_messages WHERE state='DRAFT' AND created_at < now() - ($1 || ' hours')::interval
	`, hours)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
