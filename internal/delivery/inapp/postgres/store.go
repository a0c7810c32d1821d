// Package postgres provides the PostgreSQL in-app inbox store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/notifyq/internal/delivery/inapp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements inapp.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL inbox store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Insert stores one inbox message.
func (s *Store) Insert(ctx context.Context, msg *inapp.Message) error {
	query := `
		INSERT INTO inapp_messages (id, recipient_id, notification_id, title, body, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`
	if _, err := s.db.Exec(ctx, query,
		msg.ID,
		msg.RecipientID,
		msg.NotificationID,
		msg.Title,
		msg.Body,
		msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert inapp message: %w", err)
	}
	return nil
}

// ListByRecipient returns messages of a recipient, newest first.
func (s *Store) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]inapp.Message, error) {
	query := `
		SELECT id, recipient_id, COALESCE(notification_id, ''), title, body, created_at, read_at
		FROM inapp_messages
		WHERE recipient_id = $1 AND ($2 = false OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list inapp messages: %w", err)
	}
	defer rows.Close()

	messages := make([]inapp.Message, 0)
	for rows.Next() {
		var m inapp.Message
		if err := rows.Scan(&m.ID, &m.RecipientID, &m.NotificationID, &m.Title, &m.Body, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("scan inapp message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkRead sets read_at on an unread message.
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.Exec(ctx, `UPDATE inapp_messages SET read_at = COALESCE(read_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark inapp message read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return inapp.ErrMessageNotFound
	}
	return nil
}
