package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// watchedThreshold marks an item watched once playback passes this fraction
// of its duration.
const watchedThreshold = 0.9

// UpsertWatchStatus records a user's playback position for a media item.
// Crossing 90% of the duration marks the item watched; an explicit Watched
// flag from the client always wins.
func (d *Database) UpsertWatchStatus(ctx context.Context, ws *WatchStatus) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert_watch_status", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if !ws.Watched && ws.DurationSeconds > 0 &&
		ws.PositionSeconds/ws.DurationSeconds >= watchedThreshold {
		ws.Watched = true
	}

	watched := 0
	if ws.Watched {
		watched = 1
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO watch_status (user_id, media_id, position_seconds, duration_seconds, watched, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(user_id, media_id) DO UPDATE SET
			position_seconds = excluded.position_seconds,
			duration_seconds = excluded.duration_seconds,
			watched = excluded.watched,
			updated_at = strftime('%s', 'now')
	`, ws.UserID, ws.MediaID, ws.PositionSeconds, ws.DurationSeconds, watched)
	if err == nil {
		ws.UpdatedAt = time.Now()
	}
	return err
}

// GetWatchStatus fetches one user's status for one media item.
func (d *Database) GetWatchStatus(ctx context.Context, userID, mediaID int64) (*WatchStatus, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_watch_status", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var ws WatchStatus
	var watched int
	var updatedAt int64
	err = d.db.QueryRowContext(ctx,
		`SELECT user_id, media_id, position_seconds, duration_seconds, watched, updated_at
		 FROM watch_status WHERE user_id = ? AND media_id = ?`,
		userID, mediaID,
	).Scan(&ws.UserID, &ws.MediaID, &ws.PositionSeconds, &ws.DurationSeconds, &watched, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	ws.Watched = watched == 1
	ws.UpdatedAt = scanTime(updatedAt)
	return &ws, nil
}

// ListContinueWatching returns a user's in-progress items, most recent first.
func (d *Database) ListContinueWatching(ctx context.Context, userID int64, limit int) ([]*WatchStatus, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_continue_watching", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, media_id, position_seconds, duration_seconds, watched, updated_at
		 FROM watch_status
		 WHERE user_id = ? AND watched = 0 AND position_seconds > 0
		 ORDER BY updated_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []*WatchStatus
	for rows.Next() {
		var ws WatchStatus
		var watched int
		var updatedAt int64
		if err = rows.Scan(&ws.UserID, &ws.MediaID, &ws.PositionSeconds, &ws.DurationSeconds, &watched, &updatedAt); err != nil {
			return nil, err
		}
		ws.Watched = watched == 1
		ws.UpdatedAt = scanTime(updatedAt)
		statuses = append(statuses, &ws)
	}
	err = rows.Err()
	return statuses, err
}
