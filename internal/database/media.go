package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// mediaColumns is the column list shared by every media read.
const mediaColumns = `id, library_id, folder_id, path, title, sort_title, kind,
	season, episode, year, size, mod_time, content_hash, container,
	video_codec, resolution, hdr_format, runtime_minutes, tmdb_id, overview,
	poster_key, backdrop_key, vote_average, added_at, updated_at, content_updated_at`

func scanMediaRow(scan func(dest ...any) error) (*MediaItem, error) {
	var m MediaItem
	var modTime, addedAt, updatedAt, contentUpdatedAt int64
	err := scan(
		&m.ID, &m.LibraryID, &m.FolderID, &m.Path, &m.Title, &m.SortTitle,
		&m.Kind, &m.Season, &m.Episode, &m.Year, &m.Size, &modTime,
		&m.ContentHash, &m.Container, &m.VideoCodec, &m.Resolution,
		&m.HDRFormat, &m.RuntimeMinutes, &m.TMDBID, &m.Overview,
		&m.PosterKey, &m.BackdropKey, &m.VoteAverage,
		&addedAt, &updatedAt, &contentUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ModTime = scanTime(modTime)
	m.AddedAt = scanTime(addedAt)
	m.UpdatedAt = scanTime(updatedAt)
	m.ContentUpdatedAt = scanTime(contentUpdatedAt)
	return &m, nil
}

// GetMediaByID fetches one media row.
func (d *Database) GetMediaByID(ctx context.Context, id int64) (*MediaItem, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_media_by_id", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := d.db.QueryRowContext(ctx, "SELECT "+mediaColumns+" FROM media WHERE id = ?", id)
	m, err := scanMediaRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	return m, err
}

// GetMediaByPath fetches one media row by its library-relative path.
func (d *Database) GetMediaByPath(ctx context.Context, path string) (*MediaItem, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_media_by_path", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := d.db.QueryRowContext(ctx, "SELECT "+mediaColumns+" FROM media WHERE path = ?", path)
	m, err := scanMediaRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	return m, err
}

// ListMediaUnderFolder returns media rows whose path is the folder itself or
// inside it. The incremental scanner diffs this set against the filesystem.
func (d *Database) ListMediaUnderFolder(ctx context.Context, folderPath string) ([]*MediaItem, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_media_under_folder", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE path LIKE ? ORDER BY path",
		folderPath+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*MediaItem
	for rows.Next() {
		m, scanErr := scanMediaRow(rows.Scan)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		items = append(items, m)
	}
	err = rows.Err()
	return items, err
}

// ListUnresolvedMedia returns media in a library with no catalog match yet,
// for the deferred-resolve pass.
func (d *Database) ListUnresolvedMedia(ctx context.Context, libraryID int64, limit int) ([]*MediaItem, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_unresolved_media", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE library_id = ? AND tmdb_id = 0 ORDER BY added_at LIMIT ?",
		libraryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*MediaItem
	for rows.Next() {
		m, scanErr := scanMediaRow(rows.Scan)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		items = append(items, m)
	}
	err = rows.Err()
	return items, err
}

// CountMedia returns the number of media rows, optionally scoped to a library
// (0 = all libraries).
func (d *Database) CountMedia(ctx context.Context, libraryID int64) (int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("count_media", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var count int
	if libraryID == 0 {
		err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media").Scan(&count)
	} else {
		err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media WHERE library_id = ?", libraryID).Scan(&count)
	}
	return count, err
}

// SetMediaArtwork records the blob cache keys for a media item's artwork.
func (d *Database) SetMediaArtwork(ctx context.Context, mediaID int64, posterKey, backdropKey string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("set_media_artwork", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx,
		`UPDATE media SET poster_key = ?, backdrop_key = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		posterKey, backdropKey, mediaID)
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

// SetMediaResolution records a catalog match for a media item.
func (d *Database) SetMediaResolution(ctx context.Context, mediaID, tmdbID int64, overview string, voteAverage float64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("set_media_resolution", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx,
		`UPDATE media SET tmdb_id = ?, overview = ?, vote_average = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		tmdbID, overview, voteAverage, mediaID)
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

// DB exposes the underlying handle for the query package's builder.
func (d *Database) DB() *sql.DB {
	return d.db
}
