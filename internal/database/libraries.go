package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateLibrary registers a new library root.
func (d *Database) CreateLibrary(ctx context.Context, lib *Library) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_library", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx,
		"INSERT INTO libraries (name, path, kind) VALUES (?, ?, ?)",
		lib.Name, lib.Path, string(lib.Kind),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			err = fmt.Errorf("library path %s: %w", lib.Path, ErrDuplicate)
			return err
		}
		err = fmt.Errorf("failed to create library: %w", err)
		return err
	}
	lib.ID, _ = result.LastInsertId()
	lib.CreatedAt = time.Now()
	return nil
}

// GetLibrary fetches a library by id.
func (d *Database) GetLibrary(ctx context.Context, id int64) (*Library, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_library", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var lib Library
	var kind string
	var createdAt int64
	err = d.db.QueryRowContext(ctx,
		"SELECT id, name, path, kind, created_at FROM libraries WHERE id = ?", id,
	).Scan(&lib.ID, &lib.Name, &lib.Path, &kind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	lib.Kind = LibraryKind(kind)
	lib.CreatedAt = scanTime(createdAt)
	return &lib, nil
}

// ListLibraries returns all configured libraries ordered by name.
func (d *Database) ListLibraries(ctx context.Context) ([]*Library, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_libraries", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, path, kind, created_at FROM libraries ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var libs []*Library
	for rows.Next() {
		var lib Library
		var kind string
		var createdAt int64
		if err = rows.Scan(&lib.ID, &lib.Name, &lib.Path, &kind, &createdAt); err != nil {
			return nil, err
		}
		lib.Kind = LibraryKind(kind)
		lib.CreatedAt = scanTime(createdAt)
		libs = append(libs, &lib)
	}
	err = rows.Err()
	return libs, err
}

// UpdateLibrary renames a library or re-points its path.
func (d *Database) UpdateLibrary(ctx context.Context, lib *Library) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_library", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx,
		"UPDATE libraries SET name = ?, path = ?, kind = ? WHERE id = ?",
		lib.Name, lib.Path, string(lib.Kind), lib.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update library: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrNotFound
		return err
	}
	return nil
}

// DeleteLibrary removes a library; media and folders cascade.
func (d *Database) DeleteLibrary(ctx context.Context, id int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_library", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx, "DELETE FROM libraries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete library: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		err = ErrNotFound
		return err
	}
	return nil
}

// GetFolderByPath fetches a folder row by its library-relative path.
func (d *Database) GetFolderByPath(ctx context.Context, path string) (*Folder, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_folder", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var f Folder
	var modTime, lastScanned int64
	err = d.db.QueryRowContext(ctx,
		`SELECT id, library_id, path, parent_path, mod_time, last_scanned_at, series_hint
		 FROM folders WHERE path = ?`, path,
	).Scan(&f.ID, &f.LibraryID, &f.Path, &f.ParentPath, &modTime, &lastScanned, &f.SeriesHint)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	f.ModTime = scanTime(modTime)
	f.LastScannedAt = scanTime(lastScanned)
	return &f, nil
}

// ListFolders returns all folder rows for a library, ordered by path so
// parents come before children.
func (d *Database) ListFolders(ctx context.Context, libraryID int64) ([]*Folder, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_folders", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, library_id, path, parent_path, mod_time, last_scanned_at, series_hint
		 FROM folders WHERE library_id = ? ORDER BY path`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		var f Folder
		var modTime, lastScanned int64
		if err = rows.Scan(&f.ID, &f.LibraryID, &f.Path, &f.ParentPath, &modTime, &lastScanned, &f.SeriesHint); err != nil {
			return nil, err
		}
		f.ModTime = scanTime(modTime)
		f.LastScannedAt = scanTime(lastScanned)
		folders = append(folders, &f)
	}
	err = rows.Err()
	return folders, err
}
