package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"mediakeep/internal/metrics"
)

// UnitOfWork scopes a single sqlite transaction for scan ingest. One unit of
// work holds at most one open transaction; Begin while a handle is open
// returns ErrTxOpen. Create one per scan run with Database.NewUnitOfWork.
type UnitOfWork struct {
	db   *Database
	mu   sync.Mutex
	open bool
}

// NewUnitOfWork creates a unit of work bound to this database.
func (d *Database) NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{db: d}
}

// Begin starts a transaction and returns a handle with typed mutators.
// The ctx governs the whole transaction: statements run under it, and a
// cancelled ctx makes Commit fail so nothing from the batch lands.
func (u *UnitOfWork) Begin(ctx context.Context) (*TransactionHandle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open {
		return nil, ErrTxOpen
	}

	tx, err := u.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	u.open = true

	return &TransactionHandle{
		uow:   u,
		tx:    tx,
		ctx:   ctx,
		start: time.Now(),
	}, nil
}

func (u *UnitOfWork) release() {
	u.mu.Lock()
	u.open = false
	u.mu.Unlock()
}

// TransactionHandle is an open transaction with the mutators scan ingest
// needs. Exactly one of Commit or Rollback must be called.
type TransactionHandle struct {
	uow    *UnitOfWork
	tx     *sql.Tx
	ctx    context.Context
	start  time.Time
	closed bool
}

// Commit commits the transaction.
func (h *TransactionHandle) Commit() error {
	if h.closed {
		return ErrTxClosed
	}
	h.closed = true
	h.uow.release()
	metrics.DBTransactionDuration.WithLabelValues("commit").Observe(time.Since(h.start).Seconds())
	return h.tx.Commit()
}

// Rollback aborts the transaction. err, if non-nil, is returned joined with
// any rollback failure so callers can simply `return h.Rollback(err)`.
func (h *TransactionHandle) Rollback(err error) error {
	if h.closed {
		if err != nil {
			return err
		}
		return ErrTxClosed
	}
	h.closed = true
	h.uow.release()
	metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(time.Since(h.start).Seconds())
	if rbErr := h.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
	}
	return err
}

// UpsertMedia inserts or updates a media row keyed by its library-relative
// path, filling m.ID on return.
//
// Two timestamps are maintained:
//   - updated_at: touched on every scan pass (drives missing-file cleanup)
//   - content_updated_at: touched only when the content actually changed
//     (drives artwork and probe invalidation)
func (h *TransactionHandle) UpsertMedia(m *MediaItem) error {
	if h.closed {
		return ErrTxClosed
	}
	query := `
	INSERT INTO media (library_id, folder_id, path, title, sort_title, kind,
		season, episode, year, size, mod_time, content_hash, container,
		video_codec, resolution, hdr_format, runtime_minutes, tmdb_id,
		overview, poster_key, backdrop_key, vote_average,
		updated_at, content_updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		strftime('%s', 'now'), strftime('%s', 'now'))
	ON CONFLICT(path) DO UPDATE SET
		library_id = excluded.library_id,
		folder_id = excluded.folder_id,
		title = excluded.title,
		sort_title = excluded.sort_title,
		kind = excluded.kind,
		season = excluded.season,
		episode = excluded.episode,
		year = excluded.year,
		size = excluded.size,
		mod_time = excluded.mod_time,
		content_hash = excluded.content_hash,
		container = excluded.container,
		video_codec = excluded.video_codec,
		resolution = excluded.resolution,
		hdr_format = excluded.hdr_format,
		runtime_minutes = excluded.runtime_minutes,
		tmdb_id = CASE WHEN excluded.tmdb_id != 0 THEN excluded.tmdb_id ELSE media.tmdb_id END,
		overview = CASE WHEN excluded.overview != '' THEN excluded.overview ELSE media.overview END,
		poster_key = CASE WHEN excluded.poster_key != '' THEN excluded.poster_key ELSE media.poster_key END,
		backdrop_key = CASE WHEN excluded.backdrop_key != '' THEN excluded.backdrop_key ELSE media.backdrop_key END,
		vote_average = CASE WHEN excluded.vote_average != 0 THEN excluded.vote_average ELSE media.vote_average END,
		updated_at = strftime('%s', 'now'),
		content_updated_at = CASE
			WHEN media.size != excluded.size
			  OR media.mod_time != excluded.mod_time
			  OR media.content_hash != excluded.content_hash
			THEN strftime('%s', 'now')
			ELSE media.content_updated_at
		END
	`

	_, err := h.tx.ExecContext(h.ctx, query,
		m.LibraryID, m.FolderID, m.Path, m.Title, m.SortTitle, m.Kind,
		m.Season, m.Episode, m.Year, m.Size, m.ModTime.Unix(), m.ContentHash,
		m.Container, m.VideoCodec, m.Resolution, m.HDRFormat, m.RuntimeMinutes,
		m.TMDBID, m.Overview, m.PosterKey, m.BackdropKey, m.VoteAverage,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert media %s: %w", m.Path, err)
	}

	// The upsert may have hit an existing row, so LastInsertId is unreliable
	err = h.tx.QueryRowContext(h.ctx, "SELECT id FROM media WHERE path = ?", m.Path).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve media id for %s: %w", m.Path, err)
	}
	return nil
}

// UpsertFolder inserts or updates a folder row keyed by path, filling f.ID.
func (h *TransactionHandle) UpsertFolder(f *Folder) error {
	if h.closed {
		return ErrTxClosed
	}
	query := `
	INSERT INTO folders (library_id, path, parent_path, mod_time, last_scanned_at, series_hint)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		library_id = excluded.library_id,
		parent_path = excluded.parent_path,
		mod_time = excluded.mod_time,
		last_scanned_at = excluded.last_scanned_at,
		series_hint = CASE WHEN excluded.series_hint != '' THEN excluded.series_hint ELSE folders.series_hint END
	`
	_, err := h.tx.ExecContext(h.ctx, query,
		f.LibraryID, f.Path, f.ParentPath, f.ModTime.Unix(), f.LastScannedAt.Unix(), f.SeriesHint,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", f.Path, err)
	}
	err = h.tx.QueryRowContext(h.ctx, "SELECT id FROM folders WHERE path = ?", f.Path).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve folder id for %s: %w", f.Path, err)
	}
	return nil
}

// DeleteMissingMedia removes media rows in one library not touched since
// cutoff. Watch status rows follow via the foreign key cascade.
func (h *TransactionHandle) DeleteMissingMedia(libraryID int64, cutoff time.Time) (int64, error) {
	if h.closed {
		return 0, ErrTxClosed
	}
	result, err := h.tx.ExecContext(h.ctx,
		"DELETE FROM media WHERE library_id = ? AND updated_at < ?",
		libraryID, cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete missing media: %w", err)
	}
	return result.RowsAffected()
}

// DeleteMediaByPath removes a single media row.
func (h *TransactionHandle) DeleteMediaByPath(path string) error {
	if h.closed {
		return ErrTxClosed
	}
	_, err := h.tx.ExecContext(h.ctx, "DELETE FROM media WHERE path = ?", path)
	return err
}

// MoveMedia re-points an existing media row at a new path, keeping its id and
// therefore its tmdb match and every user's watch status. Used when a
// delete+create pair in one watch window is recognized as a rename.
func (h *TransactionHandle) MoveMedia(oldPath, newPath string, folderID int64) error {
	if h.closed {
		return ErrTxClosed
	}
	result, err := h.tx.ExecContext(h.ctx,
		`UPDATE media SET path = ?, folder_id = ?, updated_at = strftime('%s', 'now') WHERE path = ?`,
		newPath, folderID, oldPath,
	)
	if err != nil {
		return fmt.Errorf("failed to move media %s -> %s: %w", oldPath, newPath, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFolderTree removes a folder row and every media/folder row beneath it.
func (h *TransactionHandle) DeleteFolderTree(path string) error {
	if h.closed {
		return ErrTxClosed
	}
	like := path + "/%"
	if _, err := h.tx.ExecContext(h.ctx,
		"DELETE FROM media WHERE path = ? OR path LIKE ?", path, like); err != nil {
		return fmt.Errorf("failed to delete media under %s: %w", path, err)
	}
	if _, err := h.tx.ExecContext(h.ctx,
		"DELETE FROM folders WHERE path = ? OR path LIKE ?", path, like); err != nil {
		return fmt.Errorf("failed to delete folders under %s: %w", path, err)
	}
	return nil
}
