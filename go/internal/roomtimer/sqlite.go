package roomtimer

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/models"
	"github.com/mcdev12/quickpitch/go/internal/sqlutil"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore is a single file timer store for local development. SQLite has
// no change feed, so watchers poll.
type SQLiteStore struct {
	db           *sql.DB
	clock        clockwork.Clock
	pollInterval time.Duration
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer keeps the conditional start serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply room timer schema: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite timer store ready")

	return &SQLiteStore{
		db:           db,
		clock:        clockwork.NewRealClock(),
		pollInterval: time.Second,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, roomID string) (models.RoomTimer, error) {
	var (
		t     models.RoomTimer
		start sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, start_time, created_at FROM room_timers WHERE room_id = ?`, roomID,
	).Scan(&t.RoomID, &start, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoomTimer{}, ErrNotFound
	}
	if err != nil {
		return models.RoomTimer{}, fmt.Errorf("get room timer: %w", err)
	}
	t.StartTime = sqlutil.FromSqlTime(start)
	return t, nil
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_timers (room_id, created_at) VALUES (?, ?) ON CONFLICT (room_id) DO NOTHING`,
		roomID, s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert room timer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StartIfUnset(ctx context.Context, roomID string, start time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO room_timers (room_id, start_time, created_at) VALUES (?, ?, ?)
ON CONFLICT (room_id) DO UPDATE SET start_time = excluded.start_time
WHERE room_timers.start_time IS NULL`,
		roomID, sqlutil.ToSqlTime(&start), s.clock.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("start room timer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start room timer: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Watch(ctx context.Context, roomID string) (<-chan struct{}, error) {
	return pollWatch(ctx, s.clock, s.pollInterval, func(ctx context.Context) (models.RoomTimer, error) {
		return s.Get(ctx, roomID)
	}), nil
}

// pollWatch signals whenever the fetched timer's start time differs from the
// previous poll.
func pollWatch(ctx context.Context, clock clockwork.Clock, interval time.Duration, fetch func(context.Context) (models.RoomTimer, error)) <-chan struct{} {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)

		ticker := clock.NewTicker(interval)
		defer ticker.Stop()

		var last *time.Time
		seen := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				t, err := fetch(ctx)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					log.Warn().Err(err).Msg("room timer poll failed")
					continue
				}
				if !seen || !sameTime(last, t.StartTime) {
					seen = true
					last = t.StartTime
					signal(ch)
				}
			}
		}
	}()

	return ch
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
