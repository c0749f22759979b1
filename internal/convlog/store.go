// Package convlog persists an append-only record of prompts and replies.
package convlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"glovedbot/internal/domain"
)

// SQLiteStore implements domain.ConversationLog using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id  TEXT NOT NULL,
		author      TEXT NOT NULL,
		content     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_chan ON exchanges(channel_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append records one prompt or reply. Failures are non-fatal for the caller;
// the pipeline keeps going even when the log is unavailable.
func (s *SQLiteStore) Append(ctx context.Context, channelID, author, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (channel_id, author, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		channelID, author, content, time.Now(),
	)
	return err
}

// Recent returns the last N exchanges for a channel, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, channelID string, limit int) ([]domain.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author, content, created_at
		 FROM exchanges WHERE channel_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []domain.Exchange
	for rows.Next() {
		var e domain.Exchange
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.Author, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		exchanges = append(exchanges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}
	return exchanges, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
