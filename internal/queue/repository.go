package queue

import (
	"context"
	"time"
)

// InterruptedError is recorded for a pass whose outcome was never stored.
const InterruptedError = "processing interrupted before the outcome was stored"

// Repository is the queue store.
//
// Status changes after creation are compare-and-set writes: they only apply
// when the stored status still equals the expected one, and report
// ErrStatusChanged otherwise.
type Repository interface {
	Create(ctx context.Context, item *Item) error
	CreateBatch(ctx context.Context, items []*Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, filter Filter) ([]*Item, error)

	// FetchDue returns pending items with NotBefore <= now, earliest first.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*Item, error)
	// Claim flips a pending item to processing. It returns false when
	// another claimant won.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Touch refreshes the claim of a processing item. It returns false when
	// the item is no longer processing.
	Touch(ctx context.Context, id string, now time.Time) (bool, error)
	// Update writes the mutable fields of item if its stored status is from.
	Update(ctx context.Context, item *Item, from Status) error

	// Purge deletes terminal items last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	// RecoverStuck charges one attempt to items whose claim was last
	// refreshed before cutoff. They go back to pending, or to failed when
	// no attempts are left.
	RecoverStuck(ctx context.Context, cutoff, now time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[Status]int64, error)
	CompletionStats(ctx context.Context, since time.Time) (CompletionStats, error)
}
