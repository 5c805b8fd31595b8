package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			label TEXT NOT NULL,
			msisdn TEXT,
			device_jid TEXT,
			status TEXT NOT NULL DEFAULT 'connecting',
			last_error TEXT,
			daily_message_count INTEGER NOT NULL DEFAULT 0,
			daily_message_date TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			phone TEXT,
			last_message TEXT,
			last_direction TEXT,
			last_message_at TIMESTAMP,
			unread_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(account_id, jid),
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			contact_id TEXT,
			wire_id TEXT,
			direction TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			body TEXT,
			media_url TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			is_automated INTEGER NOT NULL DEFAULT 0,
			campaign_id TEXT,
			rule_id TEXT,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			template TEXT,
			media_url TEXT,
			media_type TEXT,
			status TEXT NOT NULL DEFAULT 'draft',
			status_reason TEXT,
			settings TEXT NOT NULL DEFAULT '{}',
			resume_index INTEGER NOT NULL DEFAULT 0,
			day_number INTEGER NOT NULL DEFAULT 1,
			daily_sent_count INTEGER NOT NULL DEFAULT 0,
			last_send_date TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS recipients (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			phone TEXT NOT NULL,
			name TEXT,
			variables TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			wire_id TEXT,
			sent_at TIMESTAMP,
			UNIQUE(campaign_id, position),
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS chatbot_rules (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			account_id TEXT,
			name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			pattern TEXT,
			reply TEXT,
			system_prompt TEXT,
			priority INTEGER NOT NULL DEFAULT 100,
			cooldown_minutes INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			trigger_count INTEGER NOT NULL DEFAULT 0,
			response_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			to_phone TEXT NOT NULL,
			body TEXT,
			media_url TEXT,
			media_type TEXT,
			scheduled_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_account ON contacts(account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account_ts ON messages(account_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_wire ON messages(account_id, wire_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_contact_ts ON messages(contact_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_campaign ON recipients(campaign_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_rules_tenant ON chatbot_rules(tenant_id, priority);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_messages(status, scheduled_at);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
