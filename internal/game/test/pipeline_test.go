package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	board "pikselo/internal/board"
	constants "pikselo/internal/constants"
	game "pikselo/internal/game"
	history "pikselo/internal/history"
	models "pikselo/internal/models"
)

type memBoard struct {
	mu      sync.RWMutex
	cells   map[[2]int]models.Pixel
	failing bool
	failSet bool
}

func newMemBoard() *memBoard {
	return &memBoard{cells: make(map[[2]int]models.Pixel)}
}

func (b *memBoard) Get(_ context.Context, x, y int) (*models.Pixel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failing {
		return nil, board.ErrUnavailable
	}
	pixel, ok := b.cells[[2]int{x, y}]
	if !ok {
		return nil, nil
	}
	return &pixel, nil
}

func (b *memBoard) Set(_ context.Context, pixel models.Pixel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing || b.failSet {
		return board.ErrUnavailable
	}
	b.cells[[2]int{pixel.X, pixel.Y}] = pixel
	return nil
}

func (b *memBoard) ForEach(_ context.Context, fn func(models.Pixel) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failing {
		return board.ErrUnavailable
	}
	for _, pixel := range b.cells {
		if err := fn(pixel); err != nil {
			return err
		}
	}
	return nil
}

type memGate struct {
	mu      sync.Mutex
	expires map[int64]time.Time
	calls   int
}

func newMemGate() *memGate {
	return &memGate{expires: make(map[int64]time.Time)}
}

func (g *memGate) TryAcquire(_ context.Context, actorID int64, cooldown time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	now := time.Now()
	if exp, ok := g.expires[actorID]; ok && now.Before(exp) {
		return false, nil
	}
	g.expires[actorID] = now.Add(cooldown)
	return true, nil
}

type memLog struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
	nextID  int64
	failing bool
}

func (l *memLog) Append(_ context.Context, x, y int, oldColor, newColor string, actorID int64) (models.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return models.HistoryEntry{}, history.ErrUnavailable
	}
	l.nextID++
	entry := models.HistoryEntry{
		ID: l.nextID, X: x, Y: y,
		OldColor: oldColor, NewColor: newColor,
		ActorID: actorID, ChangedAt: time.Now(),
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *memLog) ListAfter(_ context.Context, afterID int64, limit int) ([]models.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit = history.ClampLimit(limit)
	result := make([]models.HistoryEntry, 0)
	for _, e := range l.entries {
		if e.ID > afterID {
			result = append(result, e)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (l *memLog) ListAfterForActor(_ context.Context, actorID, afterID int64, limit int) ([]models.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit = history.ClampLimit(limit)
	result := make([]models.HistoryEntry, 0)
	for _, e := range l.entries {
		if e.ActorID == actorID && e.ID > afterID {
			result = append(result, e)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (l *memLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *memLog) entriesFor(x, y int) []models.HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]models.HistoryEntry, 0)
	for _, e := range l.entries {
		if e.X == x && e.Y == y {
			result = append(result, e)
		}
	}
	return result
}

type memDirectory struct {
	mu     sync.Mutex
	actors map[int64]models.Actor
}

func (d *memDirectory) GetByID(_ context.Context, id int64) (models.Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	actor, ok := d.actors[id]
	if !ok {
		return models.Actor{}, history.ErrActorNotFound
	}
	return actor, nil
}

func (d *memDirectory) GetByUsername(_ context.Context, username string) (models.Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, actor := range d.actors {
		if actor.Username == username {
			return actor, nil
		}
	}
	return models.Actor{}, history.ErrActorNotFound
}

func (d *memDirectory) IncrementChangeCount(_ context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	actor, ok := d.actors[id]
	if !ok {
		return history.ErrActorNotFound
	}
	actor.PixelChanges++
	d.actors[id] = actor
	return nil
}

func (d *memDirectory) changeCount(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.actors[id].PixelChanges
}

type memPublisher struct {
	mu     sync.Mutex
	events []models.PixelEvent
}

func (p *memPublisher) Publish(_ context.Context, event models.PixelEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	pipeline  *game.Pipeline
	board     *memBoard
	gate      *memGate
	log       *memLog
	directory *memDirectory
	events    *memPublisher
}

func newFixture(width, height int, cooldown time.Duration) *fixture {
	f := &fixture{
		board: newMemBoard(),
		gate:  newMemGate(),
		log:   &memLog{},
		directory: &memDirectory{actors: map[int64]models.Actor{
			1: {ID: 1, Username: "alice", Privilege: models.PrivilegeOrdinary},
			2: {ID: 2, Username: "root", Privilege: models.PrivilegeUnlimited},
		}},
		events: &memPublisher{},
	}
	f.pipeline = game.New(f.board, f.gate, f.log, f.directory, f.events, width, height, cooldown)
	return f
}

func TestAcceptedChangeCommitsEverywhere(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	outcome, err := f.pipeline.ChangePixel(ctx, 3, 4, "#ff0000", 1)
	if err != nil {
		t.Fatalf("change pixel: %v", err)
	}
	if outcome.NoOp {
		t.Fatal("expected a committed change, got no-op")
	}
	if outcome.Entry == nil || outcome.Entry.ID == 0 {
		t.Fatal("expected a history entry with an assigned id")
	}
	if outcome.Entry.OldColor != constants.DefaultColor {
		t.Errorf("old color = %q, want default %q", outcome.Entry.OldColor, constants.DefaultColor)
	}
	if outcome.Entry.NewColor != "#FF0000" {
		t.Errorf("new color = %q, want stored uppercase #FF0000", outcome.Entry.NewColor)
	}

	pixel, err := f.pipeline.PixelAt(ctx, 3, 4)
	if err != nil {
		t.Fatalf("pixel at: %v", err)
	}
	if pixel.Color != "#FF0000" || pixel.Username != "alice" {
		t.Errorf("canvas cell = %+v, want #FF0000 by alice", pixel)
	}
	if f.events.count() != 1 {
		t.Errorf("broadcast count = %d, want 1", f.events.count())
	}
	if f.directory.changeCount(1) != 1 {
		t.Errorf("change count = %d, want 1", f.directory.changeCount(1))
	}
}

func TestIdempotentWriteHasNoSideEffects(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	if _, err := f.pipeline.ChangePixel(ctx, 0, 0, "#AABBCC", 2); err != nil {
		t.Fatalf("seed change: %v", err)
	}
	gateCalls := f.gate.calls
	historyLen := f.log.count()
	eventCount := f.events.count()

	// Same color, different case: success, zero side effects.
	outcome, err := f.pipeline.ChangePixel(ctx, 0, 0, "#aabbcc", 1)
	if err != nil {
		t.Fatalf("idempotent change: %v", err)
	}
	if !outcome.NoOp {
		t.Fatal("expected no-op outcome")
	}
	if f.log.count() != historyLen {
		t.Errorf("history grew on no-op: %d -> %d", historyLen, f.log.count())
	}
	if f.gate.calls != gateCalls {
		t.Error("no-op consumed a rate gate call")
	}
	if f.events.count() != eventCount {
		t.Error("no-op triggered a broadcast")
	}
	if f.directory.changeCount(1) != 0 {
		t.Error("no-op incremented the change counter")
	}

	// The untouched cooldown token means an immediate real change succeeds.
	if _, err := f.pipeline.ChangePixel(ctx, 0, 0, "#112233", 1); err != nil {
		t.Fatalf("change after no-op should pass the gate: %v", err)
	}
}

func TestDefaultColorWriteOnFreshCellIsNoOp(t *testing.T) {
	f := newFixture(10, 10, time.Second)

	outcome, err := f.pipeline.ChangePixel(context.Background(), 5, 5, "#ffffff", 1)
	if err != nil {
		t.Fatalf("change pixel: %v", err)
	}
	if !outcome.NoOp {
		t.Error("writing the default color to a fresh cell should be a no-op")
	}
	if f.log.count() != 0 {
		t.Errorf("history entries = %d, want 0", f.log.count())
	}
}

func TestOutOfBoundsRejected(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	cases := [][2]int{{-1, 0}, {10, 0}, {0, -1}, {0, 10}}
	for _, c := range cases {
		_, err := f.pipeline.ChangePixel(ctx, c[0], c[1], "#ABCDEF", 1)
		if !errors.Is(err, game.ErrOutOfBounds) {
			t.Errorf("(%d,%d): err = %v, want ErrOutOfBounds", c[0], c[1], err)
		}
	}
	if f.log.count() != 0 {
		t.Errorf("history entries after rejections = %d, want 0", f.log.count())
	}
}

func TestInvalidColorRejected(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	for _, color := range []string{"red", "#12345", "#1234567", "123456", "#GGGGGG", ""} {
		_, err := f.pipeline.ChangePixel(ctx, 1, 1, color, 1)
		if !errors.Is(err, game.ErrInvalidColor) {
			t.Errorf("color %q: err = %v, want ErrInvalidColor", color, err)
		}
	}
	if f.log.count() != 0 {
		t.Errorf("history entries after rejections = %d, want 0", f.log.count())
	}
}

func TestUnknownActorRejected(t *testing.T) {
	f := newFixture(10, 10, time.Second)

	_, err := f.pipeline.ChangePixel(context.Background(), 1, 1, "#ABCDEF", 99)
	if !errors.Is(err, game.ErrUnknownActor) {
		t.Errorf("err = %v, want ErrUnknownActor", err)
	}
	if f.log.count() != 0 {
		t.Error("rejected request produced a history entry")
	}
}

func TestGateExclusivityUnderConcurrency(t *testing.T) {
	const workers = 20
	f := newFixture(workers, 1, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, limited := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.pipeline.ChangePixel(ctx, i, 0, fmt.Sprintf("#%06X", i+1), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, game.ErrRateLimited):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}
	if limited != workers-1 {
		t.Errorf("rate limited = %d, want %d", limited, workers-1)
	}
	if f.log.count() != 1 {
		t.Errorf("history entries = %d, want 1", f.log.count())
	}
}

func TestPrivilegedActorBypassesCooldown(t *testing.T) {
	f := newFixture(10, 10, time.Minute)
	ctx := context.Background()

	if _, err := f.pipeline.ChangePixel(ctx, 1, 1, "#111111", 2); err != nil {
		t.Fatalf("first change: %v", err)
	}
	if _, err := f.pipeline.ChangePixel(ctx, 1, 1, "#222222", 2); err != nil {
		t.Fatalf("immediate second change: %v", err)
	}
	if f.gate.calls != 0 {
		t.Errorf("gate calls = %d, want 0 for a privileged actor", f.gate.calls)
	}
	if got := len(f.log.entriesFor(1, 1)); got != 2 {
		t.Errorf("history entries for (1,1) = %d, want 2", got)
	}
	pixel, _ := f.pipeline.PixelAt(ctx, 1, 1)
	if pixel.Color != "#222222" {
		t.Errorf("final color = %q, want #222222", pixel.Color)
	}
}

func TestCooldownScenario(t *testing.T) {
	cooldown := 50 * time.Millisecond
	f := newFixture(10, 10, cooldown)
	ctx := context.Background()

	if _, err := f.pipeline.ChangePixel(ctx, 0, 0, "#FF0000", 1); err != nil {
		t.Fatalf("first change: %v", err)
	}
	if f.log.count() != 1 {
		t.Fatalf("history entries = %d, want 1", f.log.count())
	}

	_, err := f.pipeline.ChangePixel(ctx, 0, 0, "#00FF00", 1)
	if !errors.Is(err, game.ErrRateLimited) {
		t.Fatalf("within cooldown: err = %v, want ErrRateLimited", err)
	}
	pixel, _ := f.pipeline.PixelAt(ctx, 0, 0)
	if pixel.Color != "#FF0000" {
		t.Errorf("canvas changed on rejected request: %q", pixel.Color)
	}
	if f.log.count() != 1 {
		t.Errorf("history entries = %d, want still 1", f.log.count())
	}

	time.Sleep(cooldown + 20*time.Millisecond)

	if _, err := f.pipeline.ChangePixel(ctx, 0, 0, "#00FF00", 1); err != nil {
		t.Fatalf("change after cooldown: %v", err)
	}
	pixel, _ = f.pipeline.PixelAt(ctx, 0, 0)
	if pixel.Color != "#00FF00" {
		t.Errorf("final color = %q, want #00FF00", pixel.Color)
	}
	if got := len(f.log.entriesFor(0, 0)); got != 2 {
		t.Errorf("history entries for (0,0) = %d, want 2", got)
	}
}

func TestHistoryAndCanvasAgree(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	colors := []string{"#000001", "#000002", "#000003", "#000004"}
	for _, color := range colors {
		if _, err := f.pipeline.ChangePixel(ctx, 7, 7, color, 2); err != nil {
			t.Fatalf("change to %s: %v", color, err)
		}
	}

	entries := f.log.entriesFor(7, 7)
	if len(entries) != len(colors) {
		t.Fatalf("history entries = %d, want %d", len(entries), len(colors))
	}
	last := entries[len(entries)-1]
	pixel, _ := f.pipeline.PixelAt(ctx, 7, 7)
	if pixel.Color != last.NewColor {
		t.Errorf("canvas %q disagrees with latest history entry %q", pixel.Color, last.NewColor)
	}
	// Old colors chain: each entry's old color is the previous entry's new color.
	for i := 1; i < len(entries); i++ {
		if entries[i].OldColor != entries[i-1].NewColor {
			t.Errorf("entry %d old color %q, want %q", i, entries[i].OldColor, entries[i-1].NewColor)
		}
	}
}

func TestCounterMatchesActorHistory(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	const accepted = 5
	for i := 0; i < accepted; i++ {
		if _, err := f.pipeline.ChangePixel(ctx, i, 0, fmt.Sprintf("#0000%02X", i+1), 2); err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
	}
	// Sprinkle in requests that must not count.
	_, _ = f.pipeline.ChangePixel(ctx, 0, 0, "#000001", 2)  // no-op
	_, _ = f.pipeline.ChangePixel(ctx, -1, 0, "#ABCDEF", 2) // out of bounds

	if got := f.directory.changeCount(2); got != accepted {
		t.Errorf("change count = %d, want %d", got, accepted)
	}
	entries, err := f.pipeline.ActorHistory(ctx, 2, 0, 0)
	if err != nil {
		t.Fatalf("actor history: %v", err)
	}
	if len(entries) != accepted {
		t.Errorf("actor history length = %d, want %d", len(entries), accepted)
	}
}

func TestHistoryCursorPaging(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := f.pipeline.ChangePixel(ctx, i, 1, fmt.Sprintf("#00FF%02X", i+1), 2); err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
	}

	page, err := f.pipeline.HistoryAfter(ctx, 0, 4)
	if err != nil {
		t.Fatalf("history after: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("page length = %d, want 4", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].ID <= page[i-1].ID {
			t.Fatal("page not strictly ascending by id")
		}
	}

	next, err := f.pipeline.NextAfter(ctx, page[len(page)-1].ID)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if next == nil || next.ID != page[len(page)-1].ID+1 {
		t.Errorf("next entry = %+v, want id %d", next, page[len(page)-1].ID+1)
	}

	caughtUp, err := f.pipeline.NextAfter(ctx, 1000)
	if err != nil {
		t.Fatalf("next after tail: %v", err)
	}
	if caughtUp != nil {
		t.Errorf("expected nil past the tail, got %+v", caughtUp)
	}
}

func TestStoreFailureSurfacesWithoutCommit(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	f.board.failing = true
	_, err := f.pipeline.ChangePixel(ctx, 2, 2, "#123456", 1)
	if !errors.Is(err, game.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if f.log.count() != 0 {
		t.Error("store failure still appended history")
	}
	if f.events.count() != 0 {
		t.Error("store failure still broadcast an event")
	}
}

func TestHistoryFailureAbortsBeforeCanvasWrite(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	f.log.failing = true
	_, err := f.pipeline.ChangePixel(ctx, 2, 2, "#123456", 1)
	if !errors.Is(err, game.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	pixel, _ := f.pipeline.PixelAt(ctx, 2, 2)
	if pixel.Color != constants.DefaultColor {
		t.Errorf("canvas written despite history failure: %q", pixel.Color)
	}
	if f.events.count() != 0 {
		t.Error("history failure still broadcast an event")
	}
}

func TestCanvasWriteFailureAfterAppendIsStillAccepted(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	// First change lands; then the canvas write starts failing while the read
	// path still works. The change is accepted anyway: history is the
	// authoritative record and the canvas heals on the next successful write.
	if _, err := f.pipeline.ChangePixel(ctx, 4, 4, "#0000FF", 2); err != nil {
		t.Fatalf("seed change: %v", err)
	}

	f.board.failSet = true
	outcome, err := f.pipeline.ChangePixel(ctx, 4, 4, "#00FF00", 2)
	if err != nil {
		t.Fatalf("change with failing canvas write: %v", err)
	}
	if outcome.Entry == nil {
		t.Fatal("expected a history entry despite the canvas write failure")
	}
	if got := len(f.log.entriesFor(4, 4)); got != 2 {
		t.Errorf("history entries = %d, want 2", got)
	}
	if f.events.count() != 2 {
		t.Errorf("broadcasts = %d, want 2", f.events.count())
	}
	// Canvas is stale until the next accepted write to the cell.
	pixel, _ := f.pipeline.PixelAt(ctx, 4, 4)
	if pixel.Color != "#0000FF" {
		t.Errorf("stale canvas color = %q, want #0000FF", pixel.Color)
	}
}

func TestAllPixelsListsWrittenCells(t *testing.T) {
	f := newFixture(10, 10, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.pipeline.ChangePixel(ctx, i, 2, fmt.Sprintf("#AA00%02X", i+1), 2); err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
	}
	pixels, err := f.pipeline.AllPixels(ctx)
	if err != nil {
		t.Fatalf("all pixels: %v", err)
	}
	if len(pixels) != 3 {
		t.Errorf("listed %d cells, want 3", len(pixels))
	}
}
