// Package directory resolves recipient references into contact details at
// processing time.
package directory

import (
	"context"
	"errors"
	"slices"

	"github.com/bissquit/notifyq/internal/domain"
)

// ErrRecipientNotFound is recorded per recipient when a reference does not resolve.
var ErrRecipientNotFound = errors.New("recipient not found")

// Resolver looks up recipients by id.
type Resolver interface {
	// Resolve returns recipients found in ids order and the ids that were not found.
	Resolve(ctx context.Context, ids []string) (found []domain.Recipient, missing []string, err error)
}

// Target selects recipients for a scheduled notification.
type Target struct {
	RecipientIDs []string `json:"recipient_ids,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	All          bool     `json:"all,omitempty"`
}

// IsEmpty reports whether t selects nobody.
func (t Target) IsEmpty() bool {
	return !t.All && len(t.RecipientIDs) == 0 && len(t.Tags) == 0
}

// TargetResolver expands a Target into recipient ids.
type TargetResolver interface {
	ResolveTargets(ctx context.Context, t Target) ([]string, error)
}

// Store is the persistence contract used by the postgres directory.
type Store interface {
	Resolver
	TargetResolver
	Upsert(ctx context.Context, r *domain.Recipient) error
}

// Dedupe returns ids without blanks or duplicates, keeping first occurrences.
func Dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Order arranges found recipients in the order of ids and reports missing ids.
func Order(ids []string, found map[string]domain.Recipient) ([]domain.Recipient, []string) {
	recipients := make([]domain.Recipient, 0, len(ids))
	var missing []string
	for _, id := range ids {
		r, ok := found[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		recipients = append(recipients, r)
	}
	return recipients, missing
}
