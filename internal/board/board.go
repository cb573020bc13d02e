package board

import (
	"context"
	"errors"

	models "pikselo/internal/models"
)

// ErrUnavailable wraps any transport failure talking to the backing store.
// An absent cell is not an error; Get returns (nil, nil) for it.
var ErrUnavailable = errors.New("canvas store unavailable")

// Store is the single source of truth for the board's current look. It is
// shared by every server process; there is no in-process cache in front of it.
type Store interface {
	Get(ctx context.Context, x, y int) (*models.Pixel, error)
	Set(ctx context.Context, pixel models.Pixel) error

	// ForEach enumerates every stored cell in batches. The enumeration is a
	// live view, not a snapshot: it may race with concurrent writes.
	ForEach(ctx context.Context, fn func(models.Pixel) error) error
}
