package pg

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

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, scopeLockKey(p.UserID, p.ConversationID)); err != nil {
		return nil, fmt.Errorf("convstore/pg: advisory lock: %w", err)
	}

	prevHash, err := lastHash(ctx, tx, p.UserID, p.ConversationID)
	if err != nil {
		return nil, err
	}

	dataHash, err := convstore.DataHashFromResult(p.ResultJSON)
	if err != nil {
		return nil, fmt.Errorf("convstore/pg: data hash: %w", err)
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, conversation_id, tool_name, args_hash, status) DO UPDATE SET
			result_json=excluded.result_json, updated_at=excluded.updated_at, expires_at=excluded.expires_at,
			prev_hash=excluded.prev_hash, hash=excluded.hash, canonical=excluded.canonical, attempts=excluded.attempts
	`, p.UserID, p.ConversationID, p.ToolName, p.ArgsHash, string(p.Status),
		rawOrNil(p.ArgsJSON), rawOrNil(p.ResultJSON), now, now, expires, prevHash, hash, canonical, p.Attempts)
	if err != nil {
		return nil, fmt.Errorf("convstore/pg: upsert tool execution: %w", err)
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
		WHERE user_id=$1 AND conversation_id=$2 AND tool_name=$3 AND args_hash=$4 AND status='SUCCESS' AND expires_at > now()
	`, userID, convID, toolName, argsHash)

	var te convstore.ToolExecution
	var argsJSON, resultJSON []byte
	err := row.Scan(&te.ID, &te.UserID, &te.ConversationID, &te.ToolName, &te.ArgsHash, &te.Status,
		&argsJSON, &resultJSON, &te.CreatedAt, &te.UpdatedAt, &te.ExpiresAt, &te.PrevHash, &te.Hash, &te.Canonical, &te.Attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(argsJSON) > 0 {
		te.ArgsJSON = json.RawMessage(argsJSON)
	}
	if len(resultJSON) > 0 {
		te.ResultJSON = json.RawMessage(resultJSON)
	}
	return &te, nil
}

// VerifyChain implements convstore.Store.
func (s *Store) VerifyChain(ctx context.Context, userID, convID string) (*convstore.VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, prev_hash, canonical FROM (
			SELECT created_at, seq, hash, prev_hash, canonical FROM conversation_messages
			WHERE user_id=$1 AND conversation_id=$2
			UNION ALL
			SELECT created_at, 0 AS seq, hash, prev_hash, canonical FROM tool_executions
			WHERE user_id=$1 AND conversation_id=$2
		) combined ORDER BY created_at ASC, seq ASC
	`, userID, convID)
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
		expected := convstore.ChainHashOf(prevHash, canonical)
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
