package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueTask inserts a pending task. AvailableAt defaults to now.
func (s *LibSQLStore) EnqueueTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.AvailableAt = timeOrNow(task.AvailableAt)
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, family, payload, status, attempts, max_attempts, available_at_ms, lease_until_ms, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		task.ID, task.Family, string(task.Payload), string(task.Status), task.Attempts, task.MaxAttempts,
		task.AvailableAt.UnixMilli(), task.CreatedAt, task.UpdatedAt,
	)
	return wrapStore(err, "enqueue task")
}

const taskColumns = `id, family, payload, status, attempts, max_attempts, available_at_ms, lease_until_ms, last_error, created_at, updated_at`

func scanTask(r rowScanner) (*Task, error) {
	t := &Task{}
	var (
		payload, status string
		availableMs     int64
		leaseMs         sql.NullInt64
		lastErr         sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Family, &payload, &status, &t.Attempts, &t.MaxAttempts, &availableMs, &leaseMs,
		&lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Payload = []byte(payload)
	t.Status = TaskStatus(status)
	t.AvailableAt = time.UnixMilli(availableMs).UTC()
	if leaseMs.Valid {
		lease := time.UnixMilli(leaseMs.Int64).UTC()
		t.LeaseUntil = &lease
	}
	t.LastError = lastErr.String
	return t, nil
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

// ClaimTask leases the oldest available task of the given families. A pending
// task is available once AvailableAt has passed; a leased task once its lease
// expired. Returns nil when nothing is available.
func (s *LibSQLStore) ClaimTask(ctx context.Context, families []string, now time.Time, lease time.Duration) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStore(err, "begin claim")
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()
	cond := `((status = 'pending' AND available_at_ms <= ?) OR (status = 'leased' AND lease_until_ms <= ?))`
	args := []any{nowMs, nowMs}
	if len(families) > 0 {
		cond += ` AND family IN (` + placeholders(len(families)) + `)`
		for _, f := range families {
			args = append(args, f)
		}
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE `+cond+` ORDER BY available_at_ms ASC, rowid ASC LIMIT 1`, args...,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStore(err, "select task")
	}

	leaseUntil := now.Add(lease).UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'leased', attempts = attempts + 1, lease_until_ms = ?, updated_at = ? WHERE id = ?`,
		leaseUntil, now.UTC(), id,
	); err != nil {
		return nil, wrapStore(err, "lease task")
	}

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStore(err, "commit claim")
	}
	return task, nil
}

// CompleteTask marks a task done.
func (s *LibSQLStore) CompleteTask(ctx context.Context, id string) error {
	return s.finishTask(ctx, id, `status = 'done', lease_until_ms = NULL`)
}

// RetryTask returns a task to pending, available again at availableAt.
func (s *LibSQLStore) RetryTask(ctx context.Context, id string, availableAt time.Time, lastErr string) error {
	return s.finishTask(ctx, id, `status = 'pending', lease_until_ms = NULL, available_at_ms = ?, last_error = ?`,
		availableAt.UnixMilli(), lastErr)
}

// BuryTask marks a task dead after its attempts are exhausted.
func (s *LibSQLStore) BuryTask(ctx context.Context, id string, lastErr string) error {
	return s.finishTask(ctx, id, `status = 'dead', lease_until_ms = NULL, last_error = ?`, lastErr)
}

func (s *LibSQLStore) finishTask(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return wrapStore(err, "update task")
	}
	return checkRowsAffected(res, "task", id)
}
