package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// AppendLog appends an execution log entry, assigning the next sequence for its owner.
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore(err, "begin log append")
	}
	defer tx.Rollback()

	if err := appendLogTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStore(err, "commit log append")
	}
	return nil
}

// appendLogTx inserts entry inside tx. The owner is the job when set, else the execution.
func appendLogTx(ctx context.Context, tx *sql.Tx, entry *LogEntry) error {
	if entry.JobID == "" && entry.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "log entry needs a job or execution owner")
	}
	ownerCol, owner := "job_id", entry.JobID
	if owner == "" {
		ownerCol, owner = "execution_id", entry.ExecutionID
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE `+ownerCol+` = ?`, owner,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}
	entry.Sequence = seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_logs (job_id, execution_id, sequence, step, status, message, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(entry.JobID), nullStr(entry.ExecutionID), seq, entry.Step, string(entry.Status),
		entry.Message, nullRaw(entry.Data), entry.Timestamp,
	); err != nil {
		return wrapStore(err, "insert log")
	}
	return nil
}

// ListLogs returns log entries in append order.
func (s *LibSQLStore) ListLogs(ctx context.Context, filter LogFilter) ([]*LogEntry, error) {
	query := `SELECT id, job_id, execution_id, sequence, step, status, message, data, timestamp FROM execution_logs`
	var where []string
	var args []any
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	query += whereClause(where) + ` ORDER BY id ASC` + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*LogEntry{}
	for rows.Next() {
		e := &LogEntry{}
		var jobID, execID, data sql.NullString
		var status string
		if err := rows.Scan(&e.ID, &jobID, &execID, &e.Sequence, &e.Step, &status, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		e.JobID = jobID.String
		e.ExecutionID = execID.String
		e.Status = schema.LogStatus(status)
		e.Data = rawOrNil(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CheckSequence reports a STORE_ERROR when entries, all from one owner, are
// not numbered 1..n without gaps.
func CheckSequence(owner string, entries []*LogEntry) error {
	for i, e := range entries {
		if want := int64(i + 1); e.Sequence != want {
			return schema.NewErrorf(schema.ErrCodeStore,
				"log sequence gap for %s: expected %d, got %d", owner, want, e.Sequence)
		}
	}
	return nil
}
