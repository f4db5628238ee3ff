package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/stegograph/logger"
	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL COLLATE NOCASE,
		domain TEXT NOT NULL COLLATE NOCASE,
		iri TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		summary_source TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		header_url TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		actor_type TEXT NOT NULL DEFAULT 'Person',
		protected INTEGER NOT NULL DEFAULT 0,
		successor_id TEXT REFERENCES accounts(id) ON DELETE SET NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_fetched_at DATETIME,
		UNIQUE(username, domain)
	)`

	sqlCreateAccountOwnersTable = `CREATE TABLE IF NOT EXISTS account_owners (
		account_id TEXT NOT NULL PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
		private_key_pem TEXT NOT NULL,
		default_visibility TEXT NOT NULL DEFAULT 'public',
		default_language TEXT NOT NULL DEFAULT 'en',
		fields TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		target_account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		uri TEXT NOT NULL DEFAULT '',
		approved_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		target_account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		uri TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateMutesTable = `CREATE TABLE IF NOT EXISTS mutes (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		target_account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		notifications INTEGER NOT NULL DEFAULT 1,
		duration_seconds INTEGER,
		expires_at DATETIME,
		created_at DATETIME NOT NULL,
		PRIMARY KEY(account_id, target_account_id)
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		iri TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'public',
		reply_target_id TEXT REFERENCES posts(id) ON DELETE SET NULL,
		in_reply_to_iri TEXT NOT NULL DEFAULT '',
		sharing_id TEXT REFERENCES posts(id) ON DELETE CASCADE,
		sensitive INTEGER NOT NULL DEFAULT 0,
		content_warning TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		published DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`

	sqlCreateMentionsTable = `CREATE TABLE IF NOT EXISTS mentions (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		PRIMARY KEY(post_id, account_id)
	)`

	sqlCreatePostTagsTable = `CREATE TABLE IF NOT EXISTS post_tags (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		name TEXT NOT NULL COLLATE NOCASE,
		PRIMARY KEY(post_id, name)
	)`

	sqlCreateAttachmentsTable = `CREATE TABLE IF NOT EXISTS attachments (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT ''
	)`

	sqlCreatePinsTable = `CREATE TABLE IF NOT EXISTS pins (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		PRIMARY KEY(account_id, post_id)
	)`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		local INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`

	sqlCreateIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_domain ON accounts(domain);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
		CREATE INDEX IF NOT EXISTS idx_blocks_target_account_id ON blocks(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_blocks_uri ON blocks(uri);
		CREATE INDEX IF NOT EXISTS idx_mutes_target_account_id ON mutes(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_posts_account_published ON posts(account_id, published DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_posts_sharing_id ON posts(sharing_id);
		CREATE INDEX IF NOT EXISTS idx_mentions_account_id ON mentions(account_id);
		CREATE INDEX IF NOT EXISTS idx_post_tags_name ON post_tags(name);
		CREATE INDEX IF NOT EXISTS idx_attachments_post_id ON attachments(post_id);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

var tables = []struct {
	name string
	sql  string
}{
	{"accounts", sqlCreateAccountsTable},
	{"account_owners", sqlCreateAccountOwnersTable},
	{"follows", sqlCreateFollowsTable},
	{"blocks", sqlCreateBlocksTable},
	{"mutes", sqlCreateMutesTable},
	{"posts", sqlCreatePostsTable},
	{"mentions", sqlCreateMentionsTable},
	{"post_tags", sqlCreatePostTagsTable},
	{"attachments", sqlCreateAttachmentsTable},
	{"pins", sqlCreatePinsTable},
	{"activities", sqlCreateActivitiesTable},
	{"delivery_queue", sqlCreateDeliveryQueueTable},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, t.sql); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
			logger.Debug("DB: table created or already exists", zap.String("table", t.name))
		}

		if _, err := tx.ExecContext(ctx, sqlCreateIndices); err != nil {
			logger.Warn("DB: failed to create indices", zap.Error(err))
		}
		return nil
	})
}
