package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/textbook-tutor/backend/internal/storage/models"
)

// SaveMessage appends a message and bumps the owning session's counter and
// last-active time in the same transaction.
func (c *Client) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now().UTC()
	}

	var metadata sql.NullString
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions
			SET message_count = message_count + 1, last_active = ?
			WHERE id = ? AND owner = ?`,
			toUnix(msg.Timestamp), msg.SessionID, msg.Owner,
		)
		if err != nil {
			return fmt.Errorf("failed to update session activity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, owner, message_type, content, timestamp, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Owner, string(msg.Type), msg.Content, toUnix(msg.Timestamp), metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	})
}

// RecentMessages returns up to limit of the newest messages in chronological order.
func (c *Client) RecentMessages(ctx context.Context, sessionID, owner string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, owner, message_type, content, timestamp, metadata FROM (
			SELECT rowid AS seq, * FROM chat_messages
			WHERE session_id = ? AND owner = ?
			ORDER BY timestamp DESC, rowid DESC
			LIMIT ?
		) ORDER BY timestamp ASC, seq ASC`,
		sessionID, owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Messages pages through a session's history oldest first.
func (c *Client) Messages(ctx context.Context, sessionID, owner string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, owner, message_type, content, timestamp, metadata
		FROM chat_messages
		WHERE session_id = ? AND owner = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		sessionID, owner, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (c *Client) CountMessages(ctx context.Context, sessionID, owner string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND owner = ?`,
		sessionID, owner,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		var (
			m         models.Message
			msgType   string
			timestamp int64
			metadata  sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Owner, &msgType, &m.Content, &timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		m.Type = models.MessageType(msgType)
		m.Timestamp = fromUnix(timestamp)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
			}
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
