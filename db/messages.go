package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/helpers"
)

// Message is one ingested message row. Parsed fields stay empty until the
// processing worker has run; raw content is fetched separately via
// GetMessageRaw since it can be large.
type Message struct {
	ID          int64
	TenantID    *int64
	Sender      string
	Recipients  string
	SourceIP    string
	Size        int64
	MessageID   string
	Subject     string
	FromHeader  string
	ToHeader    string
	CcHeader    string
	ReplyTo     string
	SentDate    *time.Time
	Headers     map[string]string
	TextBody    string
	HTMLBody    string
	Keywords    []string
	DKIMResult  string
	SPFResult   string
	Category    string
	MatchedRule string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InsertMessageOptions carries the envelope captured on the ingestion path.
type InsertMessageOptions struct {
	Sender     string
	Recipients string
	SourceIP   string
	Raw        []byte
	TenantID   *int64
}

// InsertMessage persists the raw message and envelope in status 'received'
// and returns the new row ID.
func (d *Database) InsertMessage(ctx context.Context, opts *InsertMessageOptions) (int64, error) {
	start := time.Now()
	var id int64
	err := d.Pool.QueryRow(ctx, `
		INSERT INTO messages (sender, recipients, source_ip, raw_content, size, tenant_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, helpers.SanitizeUTF8(opts.Sender), helpers.SanitizeUTF8(opts.Recipients),
		opts.SourceIP, opts.Raw, int64(len(opts.Raw)), opts.TenantID, consts.StatusReceived).Scan(&id)
	observe("insert_message", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

const messageColumns = `
	id, tenant_id, sender, recipients, source_ip, size,
	COALESCE(message_id, ''), COALESCE(subject, ''), COALESCE(from_header, ''),
	COALESCE(to_header, ''), COALESCE(cc_header, ''), COALESCE(reply_to, ''),
	sent_date, headers, COALESCE(text_body, ''), COALESCE(html_body, ''),
	keywords, COALESCE(dkim_result, ''), COALESCE(spf_result, ''),
	COALESCE(category, ''), COALESCE(matched_rule, ''), status, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var headersJSON, keywordsJSON []byte
	err := row.Scan(&m.ID, &m.TenantID, &m.Sender, &m.Recipients, &m.SourceIP, &m.Size,
		&m.MessageID, &m.Subject, &m.FromHeader, &m.ToHeader, &m.CcHeader, &m.ReplyTo,
		&m.SentDate, &headersJSON, &m.TextBody, &m.HTMLBody,
		&keywordsJSON, &m.DKIMResult, &m.SPFResult,
		&m.Category, &m.MatchedRule, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(headersJSON) > 0 {
		_ = json.Unmarshal(headersJSON, &m.Headers)
	}
	if len(keywordsJSON) > 0 {
		_ = json.Unmarshal(keywordsJSON, &m.Keywords)
	}
	return &m, nil
}

// GetMessage loads a message row without its raw content.
func (d *Database) GetMessage(ctx context.Context, id int64) (*Message, error) {
	start := time.Now()
	row := d.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	observe("get_message", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrMessageNotFound)
	}
	return m, nil
}

// GetMessageRaw loads only the original byte stream.
func (d *Database) GetMessageRaw(ctx context.Context, id int64) ([]byte, error) {
	start := time.Now()
	var raw []byte
	err := d.Pool.QueryRow(ctx, `SELECT raw_content FROM messages WHERE id = $1`, id).Scan(&raw)
	observe("get_message_raw", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrMessageNotFound)
	}
	return raw, nil
}

// ParsedUpdate carries everything the worker learned from parsing.
type ParsedUpdate struct {
	MessageID  string
	Subject    string
	FromHeader string
	ToHeader   string
	CcHeader   string
	ReplyTo    string
	SentDate   *time.Time
	Headers    map[string]string
	TextBody   string
	HTMLBody   string
	Keywords   []string
	TenantID   *int64
	DKIMResult string
	SPFResult  string
}

// UpdateParsedMessage writes parsed fields onto a message that is still in
// status 'received'. A message already past that status is left untouched.
func (d *Database) UpdateParsedMessage(ctx context.Context, id int64, update *ParsedUpdate) error {
	headersJSON, err := json.Marshal(update.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	keywordsJSON, err := json.Marshal(update.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	start := time.Now()
	_, err = d.Pool.Exec(ctx, `
		UPDATE messages SET
			message_id = $2, subject = $3, from_header = $4, to_header = $5,
			cc_header = $6, reply_to = $7, sent_date = $8, headers = $9,
			text_body = $10, html_body = $11, keywords = $12, tenant_id = $13,
			dkim_result = $14, spf_result = $15, updated_at = now()
		WHERE id = $1 AND status = $16
	`, id, update.MessageID, helpers.SanitizeUTF8(update.Subject),
		helpers.SanitizeUTF8(update.FromHeader), helpers.SanitizeUTF8(update.ToHeader),
		helpers.SanitizeUTF8(update.CcHeader), helpers.SanitizeUTF8(update.ReplyTo),
		update.SentDate, headersJSON,
		helpers.SanitizeUTF8(update.TextBody), helpers.SanitizeUTF8(update.HTMLBody),
		keywordsJSON, update.TenantID, update.DKIMResult, update.SPFResult,
		consts.StatusReceived)
	observe("update_parsed_message", start, err)
	if err != nil {
		return fmt.Errorf("failed to update parsed message %d: %w", id, err)
	}
	return nil
}

// FinalizeMessage is the commit point of the processing pipeline: it moves
// a message out of 'received' with a conditional update and reports whether
// this caller won the guard. A false return means another attempt already
// finalized the row.
func (d *Database) FinalizeMessage(ctx context.Context, id int64, status, category, matchedRule string) (bool, error) {
	start := time.Now()
	tag, err := d.Pool.Exec(ctx, `
		UPDATE messages SET
			status = $2,
			category = NULLIF($3, ''),
			matched_rule = NULLIF($4, ''),
			updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, status, category, matchedRule, consts.StatusReceived)
	observe("finalize_message", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to finalize message %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkMessageForwarded flips a failed message to forwarded once the retry
// scheduler has delivered every outstanding recipient.
func (d *Database) MarkMessageForwarded(ctx context.Context, id int64) error {
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `
		UPDATE messages SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, consts.StatusForwarded, consts.StatusFailed)
	observe("mark_message_forwarded", start, err)
	if err != nil {
		return fmt.Errorf("failed to mark message %d forwarded: %w", id, err)
	}
	return nil
}

// ListRecentMessages returns messages newest first, optionally filtered by
// status and tenant.
func (d *Database) ListRecentMessages(ctx context.Context, status string, tenantID *int64, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ($1 = '' OR status = $1)
		  AND ($2::bigint IS NULL OR tenant_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, status, tenantID, limit, offset)
	observe("list_recent_messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// CountMessagesByStatus returns message counts grouped by status.
func (d *Database) CountMessagesByStatus(ctx context.Context) (map[string]int64, error) {
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	observe("count_messages_by_status", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
