package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionRecord is one start-to-terminal lifetime of a session. A session id
// that is started again after finishing gets a new record.
type SessionRecord struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	Mode      string           `json:"mode"`
	Context   json.RawMessage  `json:"context"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
	Approvals []ApprovalRecord `json:"approvals,omitempty"`
}

// Open reports whether the record has no terminal outcome yet.
func (r SessionRecord) Open() bool {
	return r.EndedAt == nil
}

// ApprovalRecord is one decision on a tool-call approval request.
type ApprovalRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	ApprovalID string    `json:"approval_id"`
	RunID      string    `json:"run_id"`
	ToolName   string    `json:"tool_name"`
	Mode       string    `json:"mode"`
	Approved   bool      `json:"approved"`
	Source     string    `json:"source"` // policy, user
	CreatedAt  time.Time `json:"created_at"`
}

// StartSession inserts an open record and returns its row id. fc is stored
// as JSON. Times are stored in UTC so that range comparisons in SQL hold.
func (db *DB) StartSession(ctx context.Context, sessionID, mode string, fc any, at time.Time) (int64, error) {
	data, err := json.Marshal(fc)
	if err != nil {
		return 0, fmt.Errorf("marshal context: %w", err)
	}
	if string(data) == "null" {
		data = []byte("[]")
	}

	res, err := db.ExecContext(ctx,
		"INSERT INTO sessions (session_id, mode, context, started_at) VALUES (?, ?, ?, ?)",
		sessionID, mode, string(data), at.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishSession closes the newest open record of sessionID.
func (db *DB) FinishSession(ctx context.Context, sessionID, outcome, message string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, outcome = ?, error = ?
		WHERE id = (SELECT MAX(id) FROM sessions WHERE session_id = ? AND ended_at IS NULL)`,
		at.UTC(), outcome, message, sessionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("open session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// RecordApproval stores a decision, attached to the session's open record
// when there is one.
func (db *DB) RecordApproval(ctx context.Context, rec ApprovalRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO approvals (session_row, session_id, approval_id, run_id, tool_name, mode, approved, source, created_at)
		VALUES ((SELECT MAX(id) FROM sessions WHERE session_id = ? AND ended_at IS NULL), ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.SessionID, rec.ApprovalID, rec.RunID, rec.ToolName, rec.Mode, rec.Approved, rec.Source, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const sessionColumns = "id, session_id, mode, context, started_at, ended_at, outcome, error"

func scanSession(row interface{ Scan(...any) error }) (SessionRecord, error) {
	var (
		r       SessionRecord
		fc      string
		endedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Mode, &fc, &r.StartedAt, &endedAt, &r.Outcome, &r.Error); err != nil {
		return SessionRecord{}, err
	}
	r.Context = json.RawMessage(fc)
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return r, nil
}

// ListSessions returns the newest records first. limit <= 0 means 50.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionHistory returns every record of sessionID, oldest first, with
// their approvals.
func (db *DB) SessionHistory(ctx context.Context, sessionID string) ([]SessionRecord, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, err
	}

	var out []SessionRecord
	index := make(map[int64]int)
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	approvals, rowIDs, err := db.approvals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i, a := range approvals {
		if rowIDs[i].Valid {
			if idx, ok := index[rowIDs[i].Int64]; ok {
				out[idx].Approvals = append(out[idx].Approvals, a)
			}
		}
	}
	return out, nil
}

// ListApprovals returns the decisions recorded for sessionID, oldest first.
func (db *DB) ListApprovals(ctx context.Context, sessionID string) ([]ApprovalRecord, error) {
	out, _, err := db.approvals(ctx, sessionID)
	return out, err
}

func (db *DB) approvals(ctx context.Context, sessionID string) ([]ApprovalRecord, []sql.NullInt64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_row, session_id, approval_id, run_id, tool_name, mode, approved, source, created_at
		FROM approvals WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		out    []ApprovalRecord
		rowIDs []sql.NullInt64
	)
	for rows.Next() {
		var (
			a     ApprovalRecord
			rowID sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &rowID, &a.SessionID, &a.ApprovalID, &a.RunID, &a.ToolName, &a.Mode, &a.Approved, &a.Source, &a.CreatedAt); err != nil {
			return nil, nil, err
		}
		out = append(out, a)
		rowIDs = append(rowIDs, rowID)
	}
	return out, rowIDs, rows.Err()
}

// PruneBefore deletes finished records that ended before t, with their
// approvals, and returns how many session records were removed.
func (db *DB) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	t = t.UTC()
	var n int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM approvals WHERE session_row IN
			(SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?)`, t); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?", t)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
