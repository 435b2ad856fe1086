package database

import (
	"context"
	"time"
)

// UpsertSyncSession records what a device is currently playing. The id is a
// client-generated UUID so a device keeps one row across reports.
func (d *Database) UpsertSyncSession(ctx context.Context, s *SyncSession) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert_sync_session", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (id, user_id, device_id, media_id, position_seconds, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(id) DO UPDATE SET
			media_id = excluded.media_id,
			position_seconds = excluded.position_seconds,
			state = excluded.state,
			updated_at = strftime('%s', 'now')
	`, s.ID, s.UserID, s.DeviceID, s.MediaID, s.PositionSeconds, string(s.State))
	if err == nil {
		s.UpdatedAt = time.Now()
	}
	return err
}

// ListSyncSessions returns a user's device playback states, most recent first.
func (d *Database) ListSyncSessions(ctx context.Context, userID int64) ([]*SyncSession, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_sync_sessions", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, device_id, media_id, position_seconds, state, updated_at
		 FROM sync_sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SyncSession
	for rows.Next() {
		var s SyncSession
		var state string
		var updatedAt int64
		if err = rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.MediaID, &s.PositionSeconds, &state, &updatedAt); err != nil {
			return nil, err
		}
		s.State = SyncState(state)
		s.UpdatedAt = scanTime(updatedAt)
		sessions = append(sessions, &s)
	}
	err = rows.Err()
	return sessions, err
}

// DeleteSyncSession removes a device's playback row when it stops reporting.
func (d *Database) DeleteSyncSession(ctx context.Context, userID int64, id string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_sync_session", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx,
		"DELETE FROM sync_sessions WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrNotFound
		return err
	}
	return nil
}

// PruneSyncSessions drops rows that haven't been updated within maxAge.
func (d *Database) PruneSyncSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("prune_sync_sessions", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cutoff := time.Now().Add(-maxAge).Unix()
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM sync_sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
