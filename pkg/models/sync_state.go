package models

import "time"

// SyncState is the per-account ingestion bookkeeping owned by the sync pipeline
type SyncState struct {
	AccountUserID string     `db:"account_user_id"`
	UIDValidity   uint32     `db:"uid_validity"`
	LastUID       uint32     `db:"last_uid"`
	LastSyncAt    *time.Time `db:"last_sync_at"`
	LastError     string     `db:"last_error"`
	AuthFailedAt  *time.Time `db:"auth_failed_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}
