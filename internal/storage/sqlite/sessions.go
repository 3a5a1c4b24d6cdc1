package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/storage/models"
	"github.com/textbook-tutor/backend/pkg/logger"
)

const previewLength = 60

const sessionColumns = `
	s.id, s.owner, s.document_id, s.name, s.created_at, s.last_active, s.message_count, s.status,
	COALESCE((
		SELECT m.content FROM chat_messages m
		WHERE m.session_id = s.id AND m.message_type = 'user'
		ORDER BY m.timestamp ASC, m.rowid ASC LIMIT 1
	), '')`

// CreateSession starts a new conversation for owner against a document. An
// empty name is replaced by "<textbook name> - MM/DD HH:MM".
func (c *Client) CreateSession(ctx context.Context, owner, documentID, name string) (*models.Session, error) {
	now := c.now().UTC()

	if name == "" {
		textbook := "Textbook"
		if info, err := c.DocumentInfo(ctx, owner, documentID); err == nil && info.Name != "" {
			textbook = info.Name
		}
		name = fmt.Sprintf("%s - %s", textbook, now.Format("01/02 15:04"))
	}

	session := &models.Session{
		ID:         uuid.New().String(),
		Owner:      owner,
		DocumentID: documentID,
		Name:       name,
		CreatedAt:  now,
		LastActive: now,
		Status:     models.SessionActive,
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, owner, document_id, name, created_at, last_active, message_count, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		session.ID, session.Owner, session.DocumentID, session.Name,
		toUnix(session.CreatedAt), toUnix(session.LastActive), string(session.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("Created chat session",
		zap.String("session_id", session.ID),
		zap.String("document_id", documentID),
	)
	return session, nil
}

// GetSession returns ErrSessionNotFound when the session is missing or owned by someone else.
func (c *Client) GetSession(ctx context.Context, id, owner string) (*models.Session, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM chat_sessions s WHERE s.id = ? AND s.owner = ?`, id, owner)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns the owner's sessions, most recently active first. A
// non-empty documentID restricts the list to that textbook.
func (c *Client) ListSessions(ctx context.Context, owner, documentID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM chat_sessions s WHERE s.owner = ?`
	args := []interface{}{owner}
	if documentID != "" {
		query += ` AND s.document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY s.last_active DESC, s.rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) UpdateSessionStatus(ctx context.Context, id, owner string, status models.SessionStatus) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status = ? WHERE id = ? AND owner = ?`,
		string(status), id, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and, through the foreign key, its messages.
func (c *Client) DeleteSession(ctx context.Context, id, owner string) (models.DeletionSummary, error) {
	var summary models.DeletionSummary

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, id,
		).Scan(&summary.Messages); err != nil {
			return fmt.Errorf("failed to count session messages: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ? AND owner = ?`, id, owner)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrSessionNotFound
		}
		summary.Sessions = n
		return nil
	})
	if err != nil {
		return models.DeletionSummary{}, err
	}

	logger.Info("Deleted chat session",
		zap.String("session_id", id),
		zap.Int64("messages", summary.Messages),
	)
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s                     models.Session
		status                string
		createdAt, lastActive int64
		preview               string
	)
	if err := row.Scan(&s.ID, &s.Owner, &s.DocumentID, &s.Name, &createdAt, &lastActive,
		&s.MessageCount, &status, &preview); err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	s.CreatedAt = fromUnix(createdAt)
	s.LastActive = fromUnix(lastActive)
	s.PreviewMessage = truncatePreview(preview)
	return &s, nil
}

func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "..."
}
