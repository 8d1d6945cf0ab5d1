package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Will-gabia/mailgate/consts"
)

// ForwardLog is one per-recipient delivery record. A failed row with a due
// next_retry_at is picked up by the retry scheduler; a NULL next_retry_at
// on a failed row means the attempt ceiling was reached and the row needs
// manual intervention. Successful rows are never touched again.
type ForwardLog struct {
	ID           int64
	MessageID    int64
	Recipient    string
	Status       string
	SMTPResponse string
	LastError    string
	Attempts     int
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const forwardLogColumns = `id, message_id, recipient, status, COALESCE(smtp_response, ''),
	COALESCE(last_error, ''), attempts, next_retry_at, created_at, updated_at`

func scanForwardLog(row interface{ Scan(...any) error }) (*ForwardLog, error) {
	var fl ForwardLog
	err := row.Scan(&fl.ID, &fl.MessageID, &fl.Recipient, &fl.Status, &fl.SMTPResponse,
		&fl.LastError, &fl.Attempts, &fl.NextRetryAt, &fl.CreatedAt, &fl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &fl, nil
}

// InsertForwardLog records the outcome of the first delivery attempt for
// one recipient. nextRetryAt is nil for successful rows.
func (d *Database) InsertForwardLog(ctx context.Context, messageID int64, recipient, status, smtpResponse, lastError string, nextRetryAt *time.Time) (int64, error) {
	attempts := 1
	start := time.Now()
	var id int64
	err := d.Pool.QueryRow(ctx, `
		INSERT INTO forward_logs (message_id, recipient, status, smtp_response, last_error, attempts, next_retry_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING id
	`, messageID, recipient, status, smtpResponse, lastError, attempts, nextRetryAt).Scan(&id)
	observe("insert_forward_log", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to insert forward log: %w", err)
	}
	return id, nil
}

// ListForwardLogs returns every delivery record for a message.
func (d *Database) ListForwardLogs(ctx context.Context, messageID int64) ([]*ForwardLog, error) {
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		SELECT `+forwardLogColumns+` FROM forward_logs WHERE message_id = $1 ORDER BY id
	`, messageID)
	observe("list_forward_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list forward logs: %w", err)
	}
	defer rows.Close()
	return collectForwardLogs(rows)
}

// ListRecentForwardLogs returns delivery records newest first, optionally
// filtered by status.
func (d *Database) ListRecentForwardLogs(ctx context.Context, status string, limit, offset int) ([]*ForwardLog, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		SELECT `+forwardLogColumns+`
		FROM forward_logs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	observe("list_recent_forward_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list forward logs: %w", err)
	}
	defer rows.Close()
	return collectForwardLogs(rows)
}

// DueForwardLogs returns failed rows that are due for a retry: attempts
// below the ceiling and next_retry_at in the past. Rows with a NULL
// next_retry_at are exhausted and never returned.
func (d *Database) DueForwardLogs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*ForwardLog, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		SELECT `+forwardLogColumns+`
		FROM forward_logs
		WHERE status = $1 AND attempts < $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $3
		ORDER BY next_retry_at
		LIMIT $4
	`, consts.ForwardFailed, maxAttempts, now, limit)
	observe("due_forward_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query due forward logs: %w", err)
	}
	defer rows.Close()
	return collectForwardLogs(rows)
}

// MarkForwardRetrySuccess flips a retried row to success. Only failed rows
// are eligible; a success row stays immutable.
func (d *Database) MarkForwardRetrySuccess(ctx context.Context, id int64, smtpResponse string) error {
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `
		UPDATE forward_logs SET
			status = $2, smtp_response = NULLIF($3, ''), last_error = NULL,
			next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, consts.ForwardSuccess, smtpResponse, consts.ForwardFailed)
	observe("mark_forward_retry_success", start, err)
	if err != nil {
		return fmt.Errorf("failed to mark forward log %d success: %w", id, err)
	}
	return nil
}

// MarkForwardRetryFailure records another failed attempt. nextRetryAt nil
// marks the row exhausted.
func (d *Database) MarkForwardRetryFailure(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error {
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `
		UPDATE forward_logs SET
			attempts = attempts + 1, last_error = NULLIF($2, ''),
			next_retry_at = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, lastError, nextRetryAt, consts.ForwardFailed)
	observe("mark_forward_retry_failure", start, err)
	if err != nil {
		return fmt.Errorf("failed to mark forward log %d failure: %w", id, err)
	}
	return nil
}

// CountFailedForwardLogs reports how many rows for a message are still
// failed. Zero means the retry scheduler may flip the message to forwarded.
func (d *Database) CountFailedForwardLogs(ctx context.Context, messageID int64) (int64, error) {
	start := time.Now()
	var count int64
	err := d.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM forward_logs WHERE message_id = $1 AND status = $2
	`, messageID, consts.ForwardFailed).Scan(&count)
	observe("count_failed_forward_logs", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed forward logs: %w", err)
	}
	return count, nil
}

// CountRetryBacklog reports failed rows still eligible for another attempt,
// exported as a gauge by the retry scheduler.
func (d *Database) CountRetryBacklog(ctx context.Context, maxAttempts int) (int64, error) {
	start := time.Now()
	var count int64
	err := d.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM forward_logs
		WHERE status = $1 AND attempts < $2 AND next_retry_at IS NOT NULL
	`, consts.ForwardFailed, maxAttempts).Scan(&count)
	observe("count_retry_backlog", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count retry backlog: %w", err)
	}
	return count, nil
}

func collectForwardLogs(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*ForwardLog, error) {
	var result []*ForwardLog
	for rows.Next() {
		fl, err := scanForwardLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forward log row: %w", err)
		}
		result = append(result, fl)
	}
	return result, rows.Err()
}
