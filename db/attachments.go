package db

import (
	"context"
	"fmt"
	"time"
)

// Attachment is one stored attachment row. Location is the object key in
// the S3 store; Checksum is the BLAKE3 hash of the stored bytes.
type Attachment struct {
	ID          int64
	MessageID   int64
	Index       int
	Filename    string
	ContentType string
	Size        int64
	Checksum    string
	Location    string
	CreatedAt   time.Time
}

// InsertAttachment records an attachment row. Inserts are keyed on
// (message_id, idx) so a redelivered job writing the same attachment again
// is a silent no-op.
func (d *Database) InsertAttachment(ctx context.Context, messageID int64, index int, filename, contentType string, size int64, checksum, location string) error {
	start := time.Now()
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO attachments (message_id, idx, filename, content_type, size, checksum, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id, idx) DO NOTHING
	`, messageID, index, filename, contentType, size, checksum, location)
	observe("insert_attachment", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert attachment %d/%d: %w", messageID, index, err)
	}
	return nil
}

// ListAttachments returns a message's attachment rows in part order.
func (d *Database) ListAttachments(ctx context.Context, messageID int64) ([]*Attachment, error) {
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		SELECT id, message_id, idx, filename, content_type, size, checksum, location, created_at
		FROM attachments
		WHERE message_id = $1
		ORDER BY idx
	`, messageID)
	observe("list_attachments", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var result []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Index, &a.Filename, &a.ContentType,
			&a.Size, &a.Checksum, &a.Location, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment row: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
