package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
)

// UpsertToolExecution implements convstore.Store.
func (s *Store) UpsertToolExecution(ctx context.Context, p convstore.UpsertToolExecutionParams) (*convstore.ToolExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prevHash, err := lastHash(ctx, tx, p.UserID, p.ConversationID)
	if err != nil {
		return nil, err
	}

	dataHash, err := convstore.DataHashFromResult(p.ResultJSON)
	if err != nil {
		return nil, fmt.Errorf("convstore/sqlite: data hash: %w", err)
	}

	now := time.Now().UTC()
	expires := now.Add(p.TTL)
	payload := convstore.AuditPayload{
		Type:      "tool",
		User:      p.UserID,
		Conv:      p.ConversationID,
		ToolName:  p.ToolName,
		ArgsHash:  p.ArgsHash,
		DataHash:  dataHash,
		Reused:    p.Reused,
		Status:    string(p.Status),
		Timestamp: now.Format(time.RFC3339Nano),
	}

	canonical, hash, err := convstore.ComputeChainRow(prevHash, payload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_executions
			(user_id, conversation_id, tool_name, args_hash, status, args_json, result_json,
			 created_at, updated_at, expires_at, prev_hash, hash, canonical, attempts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, conversation_id, tool_name, args_hash, status) DO UPDATE SET
			result_json=excluded.result_json, updated_at=excluded.updated_at, expires_at=excluded.expires_at,
			prev_hash=excluded.prev_hash, hash=excluded.hash, canonical=excluded.canonical, attempts=excluded.attempts
	`, p.UserID, p.ConversationID, p.ToolName, p.ArgsHash, string(p.Status),
		rawOrNil(p.ArgsJSON), rawOrNil(p.ResultJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano),
		prevHash, hash, canonical, p.Attempts)
	if err != nil {
		return nil, fmt.Errorf("convstore/sqlite: upsert tool execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &convstore.ToolExecution{
		UserID: p.UserID, ConversationID: p.ConversationID, ToolName: p.ToolName, ArgsHash: p.ArgsHash,
		Status: p.Status, ArgsJSON: p.ArgsJSON, ResultJSON: p.ResultJSON, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: expires, PrevHash: prevHash, Hash: hash, Canonical: canonical, Attempts: p.Attempts,
	}, nil
}

// LookupToolExecution implements convstore.Store.
func (s *Store) LookupToolExecution(ctx context.Context, userID, convID, toolName, argsHash string) (*convstore.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, tool_name, args_hash, status, args_json, result_json,
		       created_at, updated_at, expires_at, prev_hash, hash, canonical, attempts
		FROM tool_executions
		WHERE user_id=? AND conversation_id=? AND tool_name=? AND args_hash=? AND status='SUCCESS'
	`, userID, convID, toolName, argsHash)

	var te convstore.ToolExecution
	var argsJSON, resultJSON sql.NullString
	var createdAt, updatedAt, expiresAt string
	err := row.Scan(&te.ID, &te.UserID, &te.ConversationID, &te.ToolName, &te.ArgsHash, &te.Status,
		&argsJSON, &resultJSON, &createdAt, &updatedAt, &expiresAt, &te.PrevHash, &te.Hash, &te.Canonical, &te.Attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if argsJSON.Valid {
		te.ArgsJSON = json.RawMessage(argsJSON.String)
	}
	if resultJSON.Valid {
		te.ResultJSON = json.RawMessage(resultJSON.String)
	}
	te.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	te.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	te.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)

	if time.Now().UTC().After(te.ExpiresAt) {
		return nil, nil
	}
	return &te, nil
}

// VerifyChain implements convstore.Store: re-reads the full interleaved
// timeline (messages + ledger rows) for a scope ordered by
// (created_at, seq, id) and confirms every row's hash chains from the
// previous one.
func (s *Store) VerifyChain(ctx context.Context, userID, convID string) (*convstore.VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, prev_hash, canonical FROM (
			SELECT created_at, seq, hash, prev_hash, canonical FROM conversation_messages
			WHERE user_id=? AND conversation_id=?
			UNION ALL
			SELECT created_at, 0 AS seq, hash, prev_hash, canonical FROM tool_executions
			WHERE user_id=? AND conversation_id=?
		) ORDER BY created_at ASC, seq ASC
	`, userID, convID, userID, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &convstore.VerifyResult{OK: true}
	prevHash := ""
	idx := 0
	for rows.Next() {
		var hash, prevHashCol, canonical string
		if err := rows.Scan(&hash, &prevHashCol, &canonical); err != nil {
			return nil, err
		}
		expected := computeExpected(prevHash, canonical)
		prevMatch := prevHashCol == prevHash
		hashMatch := hash == expected
		if !prevMatch || !hashMatch {
			res.OK = false
			res.Breaks = append(res.Breaks, convstore.VerifyBreak{
				Index: idx, ExpectedHash: expected, ActualHash: hash, PrevMatch: prevMatch, HashMatch: hashMatch,
			})
		}
		prevHash = hash
		res.TailHash = hash
		res.TotalNodes++
		idx++
	}
	return res, rows.Err()
}

func computeExpected(prevHash, canonical string) string {
	return convstore.ChainHashOf(prevHash, canonical)
}
