// Package postgres provides the PostgreSQL recipient directory.
package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements directory.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL directory repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Resolve looks up active recipients by id.
func (r *Repository) Resolve(ctx context.Context, ids []string) ([]domain.Recipient, []string, error) {
	ids = directory.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil, nil
	}

	query := `
		SELECT id, name, COALESCE(email, ''), COALESCE(chat_address, ''), locale, tags, active
		FROM recipients
		WHERE id = ANY($1) AND active
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer rows.Close()

	found := make(map[string]domain.Recipient, len(ids))
	for rows.Next() {
		var rec domain.Recipient
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Email, &rec.ChatAddress, &rec.Locale, &rec.Tags, &rec.Active); err != nil {
			return nil, nil, fmt.Errorf("scan recipient: %w", err)
		}
		found[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate recipients: %w", err)
	}

	recipients, missing := directory.Order(ids, found)
	return recipients, missing, nil
}

// ResolveTargets expands t into active recipient ids ordered by id.
func (r *Repository) ResolveTargets(ctx context.Context, t directory.Target) ([]string, error) {
	if t.IsEmpty() {
		return nil, nil
	}

	query := `
		SELECT id
		FROM recipients
		WHERE active AND ($1 OR id = ANY($2) OR tags && $3)
		ORDER BY id
	`
	ids := t.RecipientIDs
	if ids == nil {
		ids = []string{}
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}

	rows, err := r.db.Query(ctx, query, t.All, ids, tags)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient id: %w", err)
		}
		result = append(result, id)
	}

	return result, rows.Err()
}

// Upsert creates or replaces a recipient.
func (r *Repository) Upsert(ctx context.Context, rec *domain.Recipient) error {
	query := `
		INSERT INTO recipients (id, name, email, chat_address, locale, tags, active)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, chat_address = EXCLUDED.chat_address,
		    locale = EXCLUDED.locale, tags = EXCLUDED.tags, active = EXCLUDED.active, updated_at = NOW()
	`
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	locale := rec.Locale
	if locale == "" {
		locale = "en"
	}

	if _, err := r.db.Exec(ctx, query, rec.ID, rec.Name, rec.Email, rec.ChatAddress, locale, tags, rec.Active); err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}
