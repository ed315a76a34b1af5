package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    owner_id INTEGER NOT NULL,
    target_id INTEGER NOT NULL,
    chat_type INTEGER NOT NULL,
    show_name TEXT NOT NULL DEFAULT '',
    head_image TEXT NOT NULL DEFAULT '',
    last_content TEXT NOT NULL DEFAULT '',
    last_send_time INTEGER NOT NULL DEFAULT 0,
    unread_count INTEGER NOT NULL DEFAULT 0,
    is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (owner_id, target_id, chat_type)
);

CREATE TABLE IF NOT EXISTS messages (
    owner_id INTEGER NOT NULL,
    target_id INTEGER NOT NULL,
    chat_type INTEGER NOT NULL,
    message_id TEXT NOT NULL,
    sender_id INTEGER NOT NULL,
    sender_name TEXT NOT NULL DEFAULT '',
    sender_avatar TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    msg_type INTEGER NOT NULL DEFAULT 0,
    send_time INTEGER NOT NULL,
    status TEXT NOT NULL,
    PRIMARY KEY (owner_id, target_id, chat_type, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_order
    ON messages(owner_id, target_id, chat_type, send_time);
CREATE INDEX IF NOT EXISTS idx_messages_dedup
    ON messages(owner_id, target_id, chat_type, send_time, sender_id);

CREATE TRIGGER IF NOT EXISTS conversations_updated_at
AFTER UPDATE ON conversations
BEGIN
    UPDATE conversations SET updated_at = CURRENT_TIMESTAMP
    WHERE owner_id = NEW.owner_id AND target_id = NEW.target_id AND chat_type = NEW.chat_type;
END;
`

// Database is the persistent conversation store. One store file holds the
// conversations of a single local user; the owner id is part of every key so
// a shared file also behaves correctly.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
