package repository

import (
	"context"

	"github.com/lalith-99/echolink/internal/models"
)

// PresenceRepository stores the last known presence of every user this
// client has heard about. Entries are created on first sight and then only
// overwritten; nothing is ever deleted.
type PresenceRepository interface {
	// Upsert writes the entry for e.UserID, replacing any previous one.
	Upsert(ctx context.Context, e models.PresenceEntry) error

	// Get returns one entry. Returns nil, nil if the user was never seen.
	Get(ctx context.Context, userID string) (*models.PresenceEntry, error)

	// List returns every stored entry. Returns an empty slice, not nil.
	List(ctx context.Context) ([]models.PresenceEntry, error)
}
