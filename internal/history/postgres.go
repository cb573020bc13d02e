package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	models "pikselo/internal/models"
)

// PostgresStore implements both Log and ActorDirectory on one pool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool, timeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, timeout: timeout}
}

// Migrate bootstraps the schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS actors (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(100) NOT NULL UNIQUE,
			privilege VARCHAR(20) NOT NULL DEFAULT 'user',
			pixel_changes_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS pixel_history (
			id BIGSERIAL PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			old_color VARCHAR(7) NOT NULL,
			new_color VARCHAR(7) NOT NULL,
			actor_id BIGINT NOT NULL REFERENCES actors(id),
			changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pixel_history_actor ON pixel_history (actor_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Append is durable once it returns: the INSERT has committed and the assigned
// id and timestamp come back with the entry.
func (s *PostgresStore) Append(ctx context.Context, x, y int, oldColor, newColor string, actorID int64) (models.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry := models.HistoryEntry{X: x, Y: y, OldColor: oldColor, NewColor: newColor, ActorID: actorID}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pixel_history (x, y, old_color, new_color, actor_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, changed_at`,
		x, y, oldColor, newColor, actorID,
	).Scan(&entry.ID, &entry.ChangedAt)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("%w: append: %v", ErrUnavailable, err)
	}
	return entry, nil
}

func (s *PostgresStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]models.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, x, y, old_color, new_color, actor_id, changed_at
		 FROM pixel_history
		 WHERE id > $1
		 ORDER BY id ASC
		 LIMIT $2`,
		afterID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: list after %d: %v", ErrUnavailable, afterID, err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) ListAfterForActor(ctx context.Context, actorID, afterID int64, limit int) ([]models.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, x, y, old_color, new_color, actor_id, changed_at
		 FROM pixel_history
		 WHERE actor_id = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		actorID, afterID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: list for actor %d after %d: %v", ErrUnavailable, actorID, afterID, err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]models.HistoryEntry, error) {
	defer rows.Close()

	entries := make([]models.HistoryEntry, 0)
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.X, &e.Y, &e.OldColor, &e.NewColor, &e.ActorID, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ErrUnavailable, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", ErrUnavailable, err)
	}
	return entries, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (models.Actor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.scanActor(s.pool.QueryRow(ctx,
		`SELECT id, username, privilege, pixel_changes_count, created_at
		 FROM actors WHERE id = $1`, id))
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (models.Actor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.scanActor(s.pool.QueryRow(ctx,
		`SELECT id, username, privilege, pixel_changes_count, created_at
		 FROM actors WHERE username = $1`, username))
}

func (s *PostgresStore) scanActor(row pgx.Row) (models.Actor, error) {
	var actor models.Actor
	var privilege string
	err := row.Scan(&actor.ID, &actor.Username, &privilege, &actor.PixelChanges, &actor.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Actor{}, ErrActorNotFound
	}
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: load actor: %v", ErrUnavailable, err)
	}
	actor.Privilege = models.ParsePrivilege(privilege)
	return actor, nil
}

func (s *PostgresStore) IncrementChangeCount(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE actors SET pixel_changes_count = pixel_changes_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: increment count for %d: %v", ErrUnavailable, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrActorNotFound
	}
	return nil
}
