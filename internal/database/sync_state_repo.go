package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailingest/pkg/models"
)

// GetSyncState returns the ingestion bookkeeping for an account. A zero state is
// returned for accounts that were never synced.
func (db *DB) GetSyncState(ctx context.Context, userID string) (*models.SyncState, error) {
	var state models.SyncState
	query := db.Rebind(`SELECT * FROM mail_sync_state WHERE account_user_id = ?`)
	err := db.GetContext(ctx, &state, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SyncState{AccountUserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return &state, nil
}

// SaveCursor stores the delta marker after a completed run and clears any recorded failure
func (db *DB) SaveCursor(ctx context.Context, userID string, uidValidity, lastUID uint32, at time.Time) error {
	query := db.Rebind(`
		INSERT INTO mail_sync_state (account_user_id, uid_validity, last_uid, last_sync_at, last_error, auth_failed_at, updated_at)
		VALUES (?, ?, ?, ?, '', NULL, ?)
		ON CONFLICT (account_user_id) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_uid = excluded.last_uid,
			last_sync_at = excluded.last_sync_at,
			last_error = '',
			auth_failed_at = NULL,
			updated_at = excluded.updated_at
	`)
	at = at.UTC()
	_, err := db.ExecContext(ctx, query, userID, int64(uidValidity), int64(lastUID), at, at)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// RecordSyncError stores the reason of a failed run. When authFailed is set the
// account stays ineligible until its credentials are updated.
func (db *DB) RecordSyncError(ctx context.Context, userID, reason string, authFailed bool, at time.Time) error {
	at = at.UTC()
	var authFailedAt *time.Time
	if authFailed {
		authFailedAt = &at
	}

	query := db.Rebind(`
		INSERT INTO mail_sync_state (account_user_id, last_error, auth_failed_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_user_id) DO UPDATE SET
			last_error = excluded.last_error,
			auth_failed_at = COALESCE(excluded.auth_failed_at, mail_sync_state.auth_failed_at),
			updated_at = excluded.updated_at
	`)
	_, err := db.ExecContext(ctx, query, userID, reason, authFailedAt, at)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}
