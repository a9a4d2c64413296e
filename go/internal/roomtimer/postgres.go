package roomtimer

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const (
	getTimerSQL = `SELECT room_id, start_time, created_at FROM room_timers WHERE room_id = $1`

	insertTimerSQL = `INSERT INTO room_timers (room_id) VALUES ($1) ON CONFLICT (room_id) DO NOTHING`

	// The upsert form lets a guest that wins the race before the host's
	// insert still create the row.
	startTimerSQL = `
INSERT INTO room_timers (room_id, start_time) VALUES ($1, $2)
ON CONFLICT (room_id) DO UPDATE SET start_time = EXCLUDED.start_time
WHERE room_timers.start_time IS NULL`
)

// PostgresStore keeps room timers in Postgres. Changes are observed through
// the Notifier when one is configured, otherwise by polling.
type PostgresStore struct {
	pool         *pgxpool.Pool
	notifier     *Notifier
	clock        clockwork.Clock
	pollInterval time.Duration
}

// NewPostgresStore wraps a pool. notifier may be nil.
func NewPostgresStore(pool *pgxpool.Pool, notifier *Notifier) *PostgresStore {
	return &PostgresStore{
		pool:         pool,
		notifier:     notifier,
		clock:        clockwork.NewRealClock(),
		pollInterval: 2 * time.Second,
	}
}

// EnsureSchema creates the timer table and its change trigger.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply room timer schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, roomID string) (models.RoomTimer, error) {
	var t models.RoomTimer
	err := s.pool.QueryRow(ctx, getTimerSQL, roomID).Scan(&t.RoomID, &t.StartTime, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoomTimer{}, ErrNotFound
	}
	if err != nil {
		return models.RoomTimer{}, fmt.Errorf("get room timer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, insertTimerSQL, roomID); err != nil {
		return fmt.Errorf("insert room timer: %w", err)
	}
	return nil
}

func (s *PostgresStore) StartIfUnset(ctx context.Context, roomID string, start time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, startTimerSQL, roomID, start.UTC())
	if err != nil {
		return false, fmt.Errorf("start room timer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Watch(ctx context.Context, roomID string) (<-chan struct{}, error) {
	if s.notifier != nil {
		return s.notifier.Subscribe(ctx, roomID), nil
	}
	return pollWatch(ctx, s.clock, s.pollInterval, func(ctx context.Context) (models.RoomTimer, error) {
		return s.Get(ctx, roomID)
	}), nil
}
