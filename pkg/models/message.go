package models

import "time"

// DateSource records where a message timestamp came from
type DateSource string

const (
	DateFromHeader   DateSource = "header"    // Parsed Date header
	DateFromInternal DateSource = "internal"  // IMAP INTERNALDATE
	DateSynthetic    DateSource = "synthetic" // Normalizer clock, no protocol date available
)

// FetchedMessage is the canonical form of one ingested email
type FetchedMessage struct {
	AccountUserID string           `db:"account_user_id"`
	ExternalID    string           `db:"external_id"` // Message-ID, or uid:<validity>:<uid>
	UID           uint32           `db:"uid"`         // IMAP UID
	UIDValidity   uint32           `db:"uid_validity"`
	MessageID     string           `db:"message_id"` // Message-ID header without brackets
	Subject       string           `db:"subject"`
	Sender        string           `db:"sender"`      // Sender address
	SenderName    string           `db:"sender_name"` // Sender display name
	Recipients    []string         `db:"-"`
	SentAt        time.Time        `db:"sent_at"`
	DateSource    DateSource       `db:"date_source"`
	BodyText      string           `db:"body_text"`
	BodyHTML      string           `db:"body_html"`
	Preview       string           `db:"preview"`
	IsUnread      bool             `db:"is_unread"`
	Attachments   []AttachmentMeta `db:"-"`
}

// AttachmentMeta describes an attachment without its content
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// StoredMessage is a persisted message row
type StoredMessage struct {
	ID             int64      `db:"id"`
	AccountUserID  string     `db:"account_user_id"`
	ExternalID     string     `db:"external_id"`
	UID            uint32     `db:"uid"`
	UIDValidity    uint32     `db:"uid_validity"`
	MessageID      string     `db:"message_id"`
	Subject        string     `db:"subject"`
	Sender         string     `db:"sender"`
	SenderName     string     `db:"sender_name"`
	Recipients     string     `db:"recipients"` // JSON array
	SentAt         time.Time  `db:"sent_at"`
	DateSource     DateSource `db:"date_source"`
	BodyText       string     `db:"body_text"`
	BodyHTML       string     `db:"body_html"`
	Preview        string     `db:"preview"`
	IsUnread       bool       `db:"is_unread"`
	RemoteUnread   bool       `db:"remote_unread"` // Last flag reported by the server
	AttachmentsRaw string     `db:"attachments"`   // JSON array of AttachmentMeta
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}
