// Package database provides the sqlite persistence layer: repositories for
// libraries, media, users, sessions, pairing codes, setup claims, watch
// status, and sync sessions, plus the unit-of-work transaction wrapper used
// by scan ingest.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Database manages all persistence for the media server.
type Database struct {
	db     *sql.DB
	dbPath string
}

// New opens (and creates if needed) the database at dbPath.
// dbPath must be the full path to the database FILE (e.g. "/data/mediakeep.db")
// and the parent directory must already exist and be writable; use
// startup.LoadConfig to validate directories before calling this.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Database path: %s", dbPath)

	if err := diagnosePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	// WAL mode plus busy_timeout to keep concurrent readers from hitting
	// "database is locked" during scan ingest
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	metrics.DBConnectionsOpen.Set(float64(db.Stats().OpenConnections))
	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

// diagnosePermissions reports likely causes when the database file or its
// directory is not usable.
func diagnosePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("database directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("database parent %s is not a directory", dir)
	}
	probe := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("database directory %s is not writable: %w", dir, err)
	}
	os.Remove(probe)
	return nil
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	-- Library roots
	CREATE TABLE IF NOT EXISTS libraries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK (kind IN ('movie', 'series')),
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Directories inside libraries; series hints persist across scans
	CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL,
		path TEXT NOT NULL UNIQUE,
		parent_path TEXT NOT NULL,
		mod_time INTEGER NOT NULL,
		last_scanned_at INTEGER NOT NULL DEFAULT 0,
		series_hint TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (library_id) REFERENCES libraries(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_folders_library ON folders(library_id);
	CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_path);

	-- Cataloged media files
	CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL,
		folder_id INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		sort_title TEXT NOT NULL,
		kind TEXT NOT NULL,
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		year INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time INTEGER NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		container TEXT NOT NULL DEFAULT '',
		video_codec TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		hdr_format TEXT NOT NULL DEFAULT '',
		runtime_minutes INTEGER NOT NULL DEFAULT 0,
		tmdb_id INTEGER NOT NULL DEFAULT 0,
		overview TEXT NOT NULL DEFAULT '',
		poster_key TEXT NOT NULL DEFAULT '',
		backdrop_key TEXT NOT NULL DEFAULT '',
		vote_average REAL NOT NULL DEFAULT 0,
		added_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		content_updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (library_id) REFERENCES libraries(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_media_library ON media(library_id);
	CREATE INDEX IF NOT EXISTS idx_media_kind ON media(kind);
	CREATE INDEX IF NOT EXISTS idx_media_year ON media(year);
	CREATE INDEX IF NOT EXISTS idx_media_sort_title ON media(sort_title COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_media_mod_time ON media(mod_time);
	CREATE INDEX IF NOT EXISTS idx_media_tmdb ON media(tmdb_id);

	-- Composite indexes for the query engine's common shapes
	CREATE INDEX IF NOT EXISTS idx_media_library_kind ON media(library_id, kind);
	CREATE INDEX IF NOT EXISTS idx_media_library_sort ON media(library_id, sort_title COLLATE NOCASE);

	-- Full-text search over titles and paths
	CREATE VIRTUAL TABLE IF NOT EXISTS media_fts USING fts5(
		title,
		path,
		content='media',
		content_rowid='id',
		tokenize='trigram'
	);

	CREATE TRIGGER IF NOT EXISTS media_ai AFTER INSERT ON media BEGIN
		INSERT INTO media_fts(rowid, title, path) VALUES (new.id, new.title, new.path);
	END;

	CREATE TRIGGER IF NOT EXISTS media_ad AFTER DELETE ON media BEGIN
		INSERT INTO media_fts(media_fts, rowid, title, path) VALUES('delete', old.id, old.title, old.path);
	END;

	CREATE TRIGGER IF NOT EXISTS media_au AFTER UPDATE ON media BEGIN
		INSERT INTO media_fts(media_fts, rowid, title, path) VALUES('delete', old.id, old.title, old.path);
		INSERT INTO media_fts(rowid, title, path) VALUES (new.id, new.title, new.path);
	END;

	-- User accounts
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('admin', 'member')),
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Device sessions; token column stores sha256 of the secret
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		token TEXT NOT NULL UNIQUE,
		device_id TEXT NOT NULL DEFAULT '',
		device_name TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	-- Short-lived device pairing codes
	CREATE TABLE IF NOT EXISTS pin_codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		code_hash TEXT NOT NULL,
		device_name TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pin_codes_expires ON pin_codes(expires_at);

	-- First-run admin provisioning tokens
	CREATE TABLE IF NOT EXISTS setup_claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_hash TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'started',
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		validated_at INTEGER NOT NULL DEFAULT 0,
		confirmed_at INTEGER NOT NULL DEFAULT 0,
		consumed_at INTEGER NOT NULL DEFAULT 0
	);

	-- Per-user playback positions
	CREATE TABLE IF NOT EXISTS watch_status (
		user_id INTEGER NOT NULL,
		media_id INTEGER NOT NULL,
		position_seconds REAL NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		watched INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		PRIMARY KEY (user_id, media_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (media_id) REFERENCES media(id) ON DELETE CASCADE
	);

	-- Live playback state per device
	CREATE TABLE IF NOT EXISTS sync_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		media_id INTEGER NOT NULL,
		position_seconds REAL NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'stopped' CHECK (state IN ('playing', 'paused', 'stopped')),
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (media_id) REFERENCES media(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sync_sessions_user ON sync_sessions(user_id);

	-- Metadata table
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	_, err := d.db.ExecContext(ctx, schema)
	if err != nil {
		return err
	}

	return d.runMigrations(ctx)
}

// runMigrations applies database schema migrations
func (d *Database) runMigrations(ctx context.Context) error {
	// Migration 1: add hdr_format to media tables created before HDR probing
	var hdrExists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('media')
		WHERE name='hdr_format'
	`).Scan(&hdrExists)
	if err != nil {
		return fmt.Errorf("failed to check for hdr_format column: %w", err)
	}

	if !hdrExists {
		logging.Info("Migrating database: adding hdr_format column to media table")
		_, err = d.db.ExecContext(ctx, `
			ALTER TABLE media ADD COLUMN hdr_format TEXT NOT NULL DEFAULT ''
		`)
		if err != nil {
			return fmt.Errorf("failed to add hdr_format column: %w", err)
		}
		logging.Info("Migration complete: hdr_format column added")
	}

	// Migration 2: add attempts counter to pin_codes from before lockout
	var attemptsExists bool
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('pin_codes')
		WHERE name='attempts'
	`).Scan(&attemptsExists)
	if err != nil {
		return fmt.Errorf("failed to check for attempts column: %w", err)
	}

	if !attemptsExists {
		logging.Info("Migrating database: adding attempts column to pin_codes table")
		_, err = d.db.ExecContext(ctx, `
			ALTER TABLE pin_codes ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0
		`)
		if err != nil {
			return fmt.Errorf("failed to add attempts column: %w", err)
		}
		logging.Info("Migration complete: attempts column added")
	}

	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.dbPath
}

// Ping verifies the database connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// recordQuery records duration and status metrics for a repository operation.
func recordQuery(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// scanTime converts a unix-seconds column to time.Time, mapping 0 to the
// zero time.
func scanTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
