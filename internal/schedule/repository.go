package schedule

import (
	"context"
	"time"
)

// Repository defines the interface for definition storage.
type Repository interface {
	Create(ctx context.Context, def *Definition) error
	Get(ctx context.Context, id string) (*Definition, error)
	List(ctx context.Context, filter Filter) ([]*Definition, error)
	// ListDue returns active definitions, and paused ones marked for
	// automatic resumption, whose next execution is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Definition, error)
	// Update stores def only if its stored status is still from. It returns
	// ErrStatusChanged otherwise.
	Update(ctx context.Context, def *Definition, from Status) error
}
