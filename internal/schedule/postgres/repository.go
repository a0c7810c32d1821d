// Package postgres provides the PostgreSQL schedule definition store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/notifyq/internal/schedule"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const definitionColumns = `
	id, name, notification_id, payload, target, schedule, max_attempts, status,
	next_execution, last_execution, execution_count, max_executions,
	last_error, auto_resume, created_at, updated_at
`

// Repository implements schedule.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL schedule repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

type documents struct {
	payload, target, schedule []byte
}

func marshalDocuments(def *schedule.Definition) (documents, error) {
	var (
		docs documents
		err  error
	)
	if docs.payload, err = json.Marshal(def.Payload); err != nil {
		return docs, fmt.Errorf("marshal payload: %w", err)
	}
	if docs.target, err = json.Marshal(def.Target); err != nil {
		return docs, fmt.Errorf("marshal target: %w", err)
	}
	if docs.schedule, err = json.Marshal(def.Schedule); err != nil {
		return docs, fmt.Errorf("marshal schedule: %w", err)
	}
	return docs, nil
}

// Create inserts a new definition.
func (r *Repository) Create(ctx context.Context, def *schedule.Definition) error {
	docs, err := marshalDocuments(def)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedule_definitions (
			id, name, notification_id, payload, target, schedule, max_attempts, status,
			next_execution, last_execution, execution_count, max_executions,
			last_error, auto_resume, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.Exec(ctx, query,
		def.ID,
		def.Name,
		def.NotificationID,
		docs.payload,
		docs.target,
		docs.schedule,
		def.MaxAttempts,
		def.Status,
		def.NextExecution,
		def.LastExecution,
		def.ExecutionCount,
		def.MaxExecutions,
		def.LastError,
		def.AutoResume,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule definition: %w", err)
	}
	return nil
}

// canonicalID returns id in the form stored in the uuid column, or false
// when id cannot name any definition.
func canonicalID(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// Get retrieves a definition by id.
func (r *Repository) Get(ctx context.Context, id string) (*schedule.Definition, error) {
	id, ok := canonicalID(id)
	if !ok {
		return nil, schedule.ErrDefinitionNotFound
	}
	query := `SELECT ` + definitionColumns + ` FROM schedule_definitions WHERE id = $1`
	def, err := scanDefinition(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schedule.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("get schedule definition: %w", err)
	}
	return def, nil
}

// List returns definitions ordered by creation.
func (r *Repository) List(ctx context.Context, filter schedule.Filter) ([]*schedule.Definition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM schedule_definitions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, id
		LIMIT $2
	`
	return r.queryDefinitions(ctx, query, string(filter.Status), filter.Limit)
}

// ListDue returns definitions due at now, earliest first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]*schedule.Definition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM schedule_definitions
		WHERE (status = 'active' OR (status = 'paused' AND auto_resume))
		  AND next_execution IS NOT NULL
		  AND next_execution <= $1
		ORDER BY next_execution, id
		LIMIT $2
	`
	return r.queryDefinitions(ctx, query, now, limit)
}

// Update stores def when its stored status still equals from.
func (r *Repository) Update(ctx context.Context, def *schedule.Definition, from schedule.Status) error {
	id, ok := canonicalID(def.ID)
	if !ok {
		return schedule.ErrDefinitionNotFound
	}
	docs, err := marshalDocuments(def)
	if err != nil {
		return err
	}

	query := `
		UPDATE schedule_definitions
		SET name = $3, payload = $4, target = $5, schedule = $6, status = $7,
		    next_execution = $8, last_execution = $9, execution_count = $10,
		    last_error = $11, auto_resume = $12, updated_at = $13
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.Exec(ctx, query,
		id,
		from,
		def.Name,
		docs.payload,
		docs.target,
		docs.schedule,
		def.Status,
		def.NextExecution,
		def.LastExecution,
		def.ExecutionCount,
		def.LastError,
		def.AutoResume,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule definition: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schedule_definitions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check schedule definition: %w", err)
	}
	if !exists {
		return schedule.ErrDefinitionNotFound
	}
	return schedule.ErrStatusChanged
}

func (r *Repository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*schedule.Definition, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedule definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]*schedule.Definition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (*schedule.Definition, error) {
	var (
		def  schedule.Definition
		docs documents
	)
	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.NotificationID,
		&docs.payload,
		&docs.target,
		&docs.schedule,
		&def.MaxAttempts,
		&def.Status,
		&def.NextExecution,
		&def.LastExecution,
		&def.ExecutionCount,
		&def.MaxExecutions,
		&def.LastError,
		&def.AutoResume,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(docs.payload, &def.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(docs.target, &def.Target); err != nil {
		return nil, fmt.Errorf("unmarshal target: %w", err)
	}
	if err := json.Unmarshal(docs.schedule, &def.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return &def, nil
}
