package db

import (
	"context"
	"fmt"
	"time"
)

// Job is one leased processing job. Attempts reflects the lease just
// taken, so the consumer can decide whether this is the final try.
type Job struct {
	ID        int64
	MessageID int64
	Attempts  int
}

// EnqueueJob adds a message to the durable processing queue. The queue
// holds at most one job per message ID; enqueueing an already-queued
// message is a silent no-op.
func (d *Database) EnqueueJob(ctx context.Context, messageID int64) error {
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO processing_jobs (message_id)
		VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID)
	observe("enqueue_job", start, err)
	if err != nil {
		return fmt.Errorf("failed to enqueue job for message %d: %w", messageID, err)
	}
	return nil
}

// AcquireJobs leases up to limit due jobs for this instance. The lease
// increments attempts and pushes next_attempt_at out by
// baseDelay * 2^(previous attempts), so a job abandoned mid-run (crash,
// cancellation) becomes due again on the backoff schedule without any
// cleanup pass. SKIP LOCKED keeps concurrent pollers from colliding.
func (d *Database) AcquireJobs(ctx context.Context, instanceID string, limit, maxAttempts int, baseDelay time.Duration) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		UPDATE processing_jobs j
		SET attempts = j.attempts + 1,
			locked_by = $1,
			locked_at = now(),
			next_attempt_at = now() + make_interval(secs => $4 * power(2, j.attempts)),
			updated_at = now()
		FROM (
			SELECT id FROM processing_jobs
			WHERE next_attempt_at <= now() AND attempts < $2
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE j.id = due.id
		RETURNING j.id, j.message_id, j.attempts
	`, instanceID, maxAttempts, limit, baseDelay.Seconds())
	observe("acquire_jobs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.MessageID, &j.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// CompleteJob removes a finished job from the queue.
func (d *Database) CompleteJob(ctx context.Context, jobID int64) error {
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `DELETE FROM processing_jobs WHERE id = $1`, jobID)
	observe("complete_job", start, err)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	return nil
}

// FailJob records the error of a failed attempt and releases the lease.
// The backoff computed at acquire time stands, so the job is retried when
// next_attempt_at comes due, up to the attempt ceiling.
func (d *Database) FailJob(ctx context.Context, jobID int64, jobErr error) error {
	errText := ""
	if jobErr != nil {
		errText = jobErr.Error()
	}
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `
		UPDATE processing_jobs
		SET last_error = NULLIF($2, ''), locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1
	`, jobID, errText)
	observe("fail_job", start, err)
	if err != nil {
		return fmt.Errorf("failed to record job %d failure: %w", jobID, err)
	}
	return nil
}

// QueueDepth reports jobs still eligible for processing, exported as a
// gauge by the worker pool.
func (d *Database) QueueDepth(ctx context.Context, maxAttempts int) (int64, error) {
	start := time.Now()
	var depth int64
	err := d.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_jobs WHERE attempts < $1
	`, maxAttempts).Scan(&depth)
	observe("queue_depth", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return depth, nil
}
