package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/pkg/logger"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDocumentNotFound = errors.New("document not found")
)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		subject TEXT,
		grade TEXT,
		description TEXT,
		file_path TEXT,
		original_filename TEXT,
		chunk_count INTEGER DEFAULT 0,
		total_words INTEGER DEFAULT 0,
		processing_status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		processed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner, created_at);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		chunk_number INTEGER NOT NULL,
		content TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		word_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE,
		UNIQUE (document_id, chunk_number)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id, owner);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		document_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner_active ON chat_sessions(owner, last_active DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner_document ON chat_sessions(owner, document_id);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		metadata TEXT,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_time ON chat_messages(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_session_type ON chat_messages(session_id, message_type, timestamp);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
