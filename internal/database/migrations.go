package database

// mail_accounts is owned by the surrounding application; it is created here so a
// standalone deployment and the tests have somewhere to read credentials from.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mail_accounts (
    user_id TEXT PRIMARY KEY,
    host TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 0,
    username TEXT NOT NULL DEFAULT '',
    password TEXT NOT NULL DEFAULT '',
    use_tls BOOLEAN NOT NULL DEFAULT true,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_sync_state (
    account_user_id TEXT PRIMARY KEY,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    last_uid INTEGER NOT NULL DEFAULT 0,
    last_sync_at DATETIME,
    last_error TEXT NOT NULL DEFAULT '',
    auth_failed_at DATETIME,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_user_id TEXT NOT NULL,
    external_id TEXT NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    message_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    sender_name TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '[]',
    sent_at DATETIME NOT NULL,
    date_source TEXT NOT NULL DEFAULT 'header',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',
    is_unread BOOLEAN NOT NULL DEFAULT true,
    remote_unread BOOLEAN NOT NULL DEFAULT true,
    attachments TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE(account_user_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON mail_messages(account_user_id);
CREATE INDEX IF NOT EXISTS idx_messages_sent ON mail_messages(account_user_id, sent_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mail_accounts (
    user_id TEXT PRIMARY KEY,
    host TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 0,
    username TEXT NOT NULL DEFAULT '',
    password TEXT NOT NULL DEFAULT '',
    use_tls BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_sync_state (
    account_user_id TEXT PRIMARY KEY,
    uid_validity BIGINT NOT NULL DEFAULT 0,
    last_uid BIGINT NOT NULL DEFAULT 0,
    last_sync_at TIMESTAMPTZ,
    last_error TEXT NOT NULL DEFAULT '',
    auth_failed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_messages (
    id BIGSERIAL PRIMARY KEY,
    account_user_id TEXT NOT NULL,
    external_id TEXT NOT NULL,
    uid BIGINT NOT NULL DEFAULT 0,
    uid_validity BIGINT NOT NULL DEFAULT 0,
    message_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    sender_name TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '[]',
    sent_at TIMESTAMPTZ NOT NULL,
    date_source TEXT NOT NULL DEFAULT 'header',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',
    is_unread BOOLEAN NOT NULL DEFAULT true,
    remote_unread BOOLEAN NOT NULL DEFAULT true,
    attachments TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE(account_user_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON mail_messages(account_user_id);
CREATE INDEX IF NOT EXISTS idx_messages_sent ON mail_messages(account_user_id, sent_at);
`
