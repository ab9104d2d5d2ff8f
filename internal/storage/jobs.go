package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultMaxAttempts = 3

// Job timestamps use second precision RFC3339 so run_after compares
// lexicographically.
func jobTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts, jobTime(job.RunAfter), jobTime(now), jobTime(now),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ClaimNextJob marks the oldest due pending job of one of the given types
// as running and returns it, or nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := jobTime(time.Now())

	args := []any{now, now}
	for _, t := range types {
		args = append(args, t)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (?`+strings.Repeat(", ?", len(types)-1)+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, COALESCE(last_error, '')`,
		args...)

	var (
		j                   Job
		runAfter, createdAt string
		updatedAt           string
	)
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	for _, ts := range []struct {
		dst *time.Time
		raw string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		if *ts.dst, err = time.Parse(time.RFC3339, ts.raw); err != nil {
			return nil, fmt.Errorf("job %s: bad timestamp %q: %w", j.ID, ts.raw, err)
		}
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, jobTime(time.Now()), id)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

// FailJob records a failed attempt. The job goes back to pending after
// 2^attempts seconds, or to failed once max_attempts is used up.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts + 1, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		status, runAfter := "pending", now.Add(time.Second<<attempts)
		if attempts >= maxAttempts {
			status, runAfter = "failed", now
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
			WHERE id = ?`,
			status, attempts, errMsg, jobTime(runAfter), jobTime(now), id)
		return err
	})
}

// RequeueRunning returns jobs left running by a previous process to pending
// and reports how many there were.
func (s *Store) RequeueRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, jobTime(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
