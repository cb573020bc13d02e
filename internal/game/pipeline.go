package game

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	board "pikselo/internal/board"
	broadcast "pikselo/internal/broadcast"
	constants "pikselo/internal/constants"
	history "pikselo/internal/history"
	models "pikselo/internal/models"
	ratelimit "pikselo/internal/ratelimit"
	util "pikselo/internal/util"
)

var (
	ErrOutOfBounds      = errors.New(constants.ErrorCodeOutOfBounds)
	ErrInvalidColor     = errors.New(constants.ErrorCodeInvalidColor)
	ErrUnknownActor     = errors.New(constants.ErrorCodeUnknownActor)
	ErrRateLimited      = errors.New(constants.ErrorCodeRateLimited)
	ErrStoreUnavailable = errors.New(constants.ErrorCodeStoreUnavailable)
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Outcome reports what an accepted ChangePixel call did. NoOp means the
// request matched the cell's current color and was short-circuited with no
// side effects at all.
type Outcome struct {
	NoOp  bool
	Entry *models.HistoryEntry
}

// Pipeline runs one pixel change request through its state machine: bounds,
// actor, color format, current-state read, idempotence, cooldown gate, commit.
// It holds no locks of its own; concurrency safety for the gate comes entirely
// from TryAcquire being atomic in the backing store.
type Pipeline struct {
	Board  board.Store
	Gate   ratelimit.Gate
	Log    history.Log
	Actors history.ActorDirectory
	Events broadcast.Publisher

	Width    int
	Height   int
	Cooldown time.Duration
}

func New(b board.Store, gate ratelimit.Gate, log history.Log, actors history.ActorDirectory,
	events broadcast.Publisher, width, height int, cooldown time.Duration) *Pipeline {
	return &Pipeline{
		Board:    b,
		Gate:     gate,
		Log:      log,
		Actors:   actors,
		Events:   events,
		Width:    width,
		Height:   height,
		Cooldown: cooldown,
	}
}

func (p *Pipeline) ChangePixel(ctx context.Context, x, y int, newColor string, actorID int64) (Outcome, error) {
	reqID, _ := ctx.Value(constants.RequestIDKey).(string)

	if x < 0 || x >= p.Width || y < 0 || y >= p.Height {
		return Outcome{}, fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrOutOfBounds, x, y, p.Width, p.Height)
	}

	// The HTTP layer already resolved the actor, but the pipeline re-validates
	// against the directory rather than trusting the handed-in id.
	actor, err := p.Actors.GetByID(ctx, actorID)
	if errors.Is(err, history.ErrActorNotFound) {
		return Outcome{}, fmt.Errorf("%w: id %d", ErrUnknownActor, actorID)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: resolve actor %d: %v", ErrStoreUnavailable, actorID, err)
	}

	if !colorPattern.MatchString(newColor) {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidColor, newColor)
	}
	newColor = strings.ToUpper(newColor)

	current, err := p.Board.Get(ctx, x, y)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: read cell (%d,%d): %v", ErrStoreUnavailable, x, y, err)
	}
	oldColor := constants.DefaultColor
	if current != nil {
		oldColor = current.Color
	}

	// Resubmitting the current color is success with zero side effects. It
	// must not burn the actor's cooldown token, so this check runs before the
	// gate.
	if strings.EqualFold(oldColor, newColor) {
		return Outcome{NoOp: true}, nil
	}

	if actor.Privilege != models.PrivilegeUnlimited {
		acquired, err := p.Gate.TryAcquire(ctx, actor.ID, p.Cooldown)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: rate gate for actor %d: %v", ErrStoreUnavailable, actor.ID, err)
		}
		if !acquired {
			return Outcome{}, fmt.Errorf("%w: actor %d within cooldown", ErrRateLimited, actor.ID)
		}
	}

	// Commit. The history append is the authoritative record; the counter is
	// bookkeeping and the canvas write is repaired by the next accepted write
	// to the same cell if it fails here.
	if err := p.Actors.IncrementChangeCount(ctx, actor.ID); err != nil {
		util.LogWarn("[request_id=%v] Change count increment failed for actor %d: %v", reqID, actor.ID, err)
	}

	entry, err := p.Log.Append(ctx, x, y, oldColor, newColor, actor.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: history append (%d,%d): %v", ErrStoreUnavailable, x, y, err)
	}

	if err := p.Board.Set(ctx, models.Pixel{X: x, Y: y, Color: newColor, Username: actor.Username}); err != nil {
		util.LogWarn("[request_id=%v] Canvas write (%d,%d) failed after history append id=%d, canvas is stale until next accepted write: %v",
			reqID, x, y, entry.ID, err)
	}

	p.Events.Publish(ctx, models.PixelEvent{X: x, Y: y, Color: newColor, Username: actor.Username})

	return Outcome{Entry: &entry}, nil
}

// PixelAt returns the cell's current state, default-filled when never written.
func (p *Pipeline) PixelAt(ctx context.Context, x, y int) (models.Pixel, error) {
	if x < 0 || x >= p.Width || y < 0 || y >= p.Height {
		return models.Pixel{}, fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrOutOfBounds, x, y, p.Width, p.Height)
	}
	current, err := p.Board.Get(ctx, x, y)
	if err != nil {
		return models.Pixel{}, fmt.Errorf("%w: read cell (%d,%d): %v", ErrStoreUnavailable, x, y, err)
	}
	if current == nil {
		return models.Pixel{X: x, Y: y, Color: constants.DefaultColor}, nil
	}
	return *current, nil
}

// AllPixels enumerates every written cell. The listing is a live view and may
// interleave with concurrent writes.
func (p *Pipeline) AllPixels(ctx context.Context) ([]models.Pixel, error) {
	pixels := make([]models.Pixel, 0)
	err := p.Board.ForEach(ctx, func(pixel models.Pixel) error {
		pixels = append(pixels, pixel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list cells: %v", ErrStoreUnavailable, err)
	}
	return pixels, nil
}

func (p *Pipeline) HistoryAfter(ctx context.Context, afterID int64, limit int) ([]models.HistoryEntry, error) {
	entries, err := p.Log.ListAfter(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history after %d: %v", ErrStoreUnavailable, afterID, err)
	}
	return entries, nil
}

// NextAfter returns the single entry following the cursor, or nil when caught
// up.
func (p *Pipeline) NextAfter(ctx context.Context, afterID int64) (*models.HistoryEntry, error) {
	entries, err := p.Log.ListAfter(ctx, afterID, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: history next after %d: %v", ErrStoreUnavailable, afterID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (p *Pipeline) ActorHistory(ctx context.Context, actorID, afterID int64, limit int) ([]models.HistoryEntry, error) {
	entries, err := p.Log.ListAfterForActor(ctx, actorID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history for actor %d: %v", ErrStoreUnavailable, actorID, err)
	}
	return entries, nil
}

func (p *Pipeline) ActorByID(ctx context.Context, id int64) (models.Actor, error) {
	actor, err := p.Actors.GetByID(ctx, id)
	if errors.Is(err, history.ErrActorNotFound) {
		return models.Actor{}, fmt.Errorf("%w: id %d", ErrUnknownActor, id)
	}
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: load actor %d: %v", ErrStoreUnavailable, id, err)
	}
	return actor, nil
}

func (p *Pipeline) Info() models.GameInfo {
	return models.GameInfo{
		Width:           p.Width,
		Height:          p.Height,
		CooldownSeconds: int(p.Cooldown.Seconds()),
	}
}
