package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailingest/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// SaveAccount inserts or replaces a user's mail settings. The application owns these
// rows; the sync pipeline only reads them.
func (db *DB) SaveAccount(ctx context.Context, account *models.MailAccountConfig) error {
	query := db.Rebind(`
		INSERT INTO mail_accounts (user_id, host, port, username, password, use_tls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			use_tls = excluded.use_tls,
			updated_at = excluded.updated_at
	`)
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		account.UserID,
		account.Host,
		account.Port,
		account.Username,
		account.Password,
		account.UseTLS,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	return nil
}

// GetAccount returns the mail settings of a user
func (db *DB) GetAccount(ctx context.Context, userID string) (*models.MailAccountConfig, error) {
	var account models.MailAccountConfig
	query := db.Rebind(`SELECT * FROM mail_accounts WHERE user_id = ?`)
	err := db.GetContext(ctx, &account, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

type accountWithState struct {
	models.MailAccountConfig
	AuthFailedAt *time.Time `db:"auth_failed_at"`
}

// ListEligibleAccounts returns accounts whose credentials are complete and that are not
// blocked by an authentication failure newer than their last credential change
func (db *DB) ListEligibleAccounts(ctx context.Context) ([]*models.MailAccountConfig, error) {
	var rows []accountWithState
	query := `
		SELECT a.*, s.auth_failed_at
		FROM mail_accounts a
		LEFT JOIN mail_sync_state s ON s.account_user_id = a.user_id
		WHERE a.host <> '' AND a.port > 0 AND a.username <> '' AND a.password <> ''
		ORDER BY a.user_id
	`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}

	accounts := make([]*models.MailAccountConfig, 0, len(rows))
	for i := range rows {
		row := rows[i]
		if row.AuthFailedAt != nil && !row.UpdatedAt.After(*row.AuthFailedAt) {
			continue
		}
		account := row.MailAccountConfig
		if !account.Eligible() {
			continue
		}
		accounts = append(accounts, &account)
	}
	return accounts, nil
}
