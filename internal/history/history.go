package history

import (
	"context"
	"errors"

	constants "pikselo/internal/constants"
	models "pikselo/internal/models"
)

var (
	ErrUnavailable   = errors.New("history store unavailable")
	ErrActorNotFound = errors.New("actor not found")
)

// Log is the append-only record of every accepted change. Entries are totally
// ordered by id and never updated or deleted; readers page forward with an id
// cursor.
type Log interface {
	Append(ctx context.Context, x, y int, oldColor, newColor string, actorID int64) (models.HistoryEntry, error)
	ListAfter(ctx context.Context, afterID int64, limit int) ([]models.HistoryEntry, error)
	ListAfterForActor(ctx context.Context, actorID, afterID int64, limit int) ([]models.HistoryEntry, error)
}

// ActorDirectory resolves actor identity and keeps the per-actor accepted
// change counter.
type ActorDirectory interface {
	GetByID(ctx context.Context, id int64) (models.Actor, error)
	GetByUsername(ctx context.Context, username string) (models.Actor, error)
	IncrementChangeCount(ctx context.Context, id int64) error
}

// ClampLimit bounds a caller-supplied page size. Non-positive means "as much
// as allowed".
func ClampLimit(limit int) int {
	if limit <= 0 || limit > constants.MaxHistoryPageSize {
		return constants.MaxHistoryPageSize
	}
	return limit
}
