package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailingest/pkg/models"
)

// UpsertMessage inserts a message or updates the stored copy keyed by
// (account_user_id, external_id). Re-ingesting the same message never creates a second row.
//
// A synthetic date never replaces a stored one, and the local read state is only
// overwritten when the server-side flag changed since the previous sync.
func (db *DB) UpsertMessage(ctx context.Context, msg *models.FetchedMessage) error {
	recipients, err := json.Marshal(nonNilStrings(msg.Recipients))
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.AttachmentMeta{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}

	query := db.Rebind(`
		INSERT INTO mail_messages (
			account_user_id, external_id, uid, uid_validity, message_id, subject,
			sender, sender_name, recipients, sent_at, date_source, body_text, body_html,
			preview, is_unread, remote_unread, attachments, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_user_id, external_id) DO UPDATE SET
			uid = excluded.uid,
			uid_validity = excluded.uid_validity,
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender = excluded.sender,
			sender_name = excluded.sender_name,
			recipients = excluded.recipients,
			sent_at = CASE WHEN excluded.date_source = 'synthetic' THEN mail_messages.sent_at ELSE excluded.sent_at END,
			date_source = CASE WHEN excluded.date_source = 'synthetic' THEN mail_messages.date_source ELSE excluded.date_source END,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			preview = excluded.preview,
			is_unread = CASE WHEN excluded.remote_unread <> mail_messages.remote_unread THEN excluded.is_unread ELSE mail_messages.is_unread END,
			remote_unread = excluded.remote_unread,
			attachments = excluded.attachments,
			updated_at = excluded.updated_at
	`)

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, query,
		msg.AccountUserID,
		msg.ExternalID,
		int64(msg.UID),
		int64(msg.UIDValidity),
		msg.MessageID,
		msg.Subject,
		msg.Sender,
		msg.SenderName,
		string(recipients),
		msg.SentAt.UTC(),
		string(msg.DateSource),
		msg.BodyText,
		msg.BodyHTML,
		msg.Preview,
		msg.IsUnread,
		msg.IsUnread,
		string(attachmentsJSON),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// GetMessage returns a stored message by its external id
func (db *DB) GetMessage(ctx context.Context, userID, externalID string) (*models.StoredMessage, error) {
	var msg models.StoredMessage
	query := db.Rebind(`SELECT * FROM mail_messages WHERE account_user_id = ? AND external_id = ?`)
	err := db.GetContext(ctx, &msg, query, userID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// CountMessages returns the number of stored messages of an account
func (db *DB) CountMessages(ctx context.Context, userID string) (int, error) {
	var count int
	query := db.Rebind(`SELECT COUNT(*) FROM mail_messages WHERE account_user_id = ?`)
	if err := db.GetContext(ctx, &count, query, userID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// SetMessageUnread changes the local read state of a message
func (db *DB) SetMessageUnread(ctx context.Context, userID, externalID string, unread bool) error {
	query := db.Rebind(`UPDATE mail_messages SET is_unread = ?, updated_at = ? WHERE account_user_id = ? AND external_id = ?`)
	res, err := db.ExecContext(ctx, query, unread, time.Now().UTC(), userID, externalID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DecodeRecipients unpacks the stored recipients column
func DecodeRecipients(m *models.StoredMessage) ([]string, error) {
	var out []string
	if m.Recipients == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(m.Recipients), &out); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	return out, nil
}

// DecodeAttachments unpacks the stored attachments column
func DecodeAttachments(m *models.StoredMessage) ([]models.AttachmentMeta, error) {
	var out []models.AttachmentMeta
	if m.AttachmentsRaw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(m.AttachmentsRaw), &out); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	return out, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
