package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB represents a database connection
type DB struct {
	*sql.DB
	path string
}

// New opens (and creates if needed) the database of a project under dataDir.
func New(dataDir, projectName string) (*DB, error) {
	if projectName == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}
	return Open(filepath.Join(dataDir, projectName+".db"))
}

// Open opens the database file at path.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize %s: %w", path, err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
		CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			volume_id TEXT NOT NULL,
			mount_root TEXT NOT NULL,
			source_path TEXT,
			endpoint TEXT,
			bucket TEXT,
			folder TEXT,
			access_key TEXT,
			secret_key TEXT,
			region TEXT,
			secure INTEGER DEFAULT 1,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_progress',
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			files_scanned INTEGER DEFAULT 0,
			files_uploaded INTEGER DEFAULT 0,
			files_skipped INTEGER DEFAULT 0,
			files_failed INTEGER DEFAULT 0,
			files_unchanged INTEGER DEFAULT 0,
			total_bytes INTEGER DEFAULT 0,
			error_summary TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
		CREATE TABLE IF NOT EXISTS file_records (
			path TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			mtime DATETIME NOT NULL,
			last_synced_hash TEXT,
			remote_object_id TEXT,
			sync_count INTEGER NOT NULL DEFAULT 0,
			stale INTEGER NOT NULL DEFAULT 0,
			last_seen_session TEXT,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_file_records_stale ON file_records(stale);
		CREATE INDEX IF NOT EXISTS idx_file_records_hash ON file_records(content_hash);
		CREATE TABLE IF NOT EXISTS transfer_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			attempt_number INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error_detail TEXT,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_session ON transfer_attempts(session_id);
		CREATE INDEX IF NOT EXISTS idx_attempts_path ON transfer_attempts(path);
		CREATE INDEX IF NOT EXISTS idx_attempts_finished ON transfer_attempts(finished_at);
		CREATE TABLE IF NOT EXISTS pending_uploads (
			object_key TEXT PRIMARY KEY,
			upload_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	return err
}

// GetProject retrieves a project by name
func (db *DB) GetProject(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	var sourcePath, region sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT name, volume_id, mount_root, source_path, endpoint, bucket, folder,
			access_key, secret_key, region, secure, created_at
		FROM projects WHERE name = ?
	`, name).Scan(
		&project.Name,
		&project.VolumeID,
		&project.MountRoot,
		&sourcePath,
		&project.Destination.Endpoint,
		&project.Destination.Bucket,
		&project.Destination.Folder,
		&project.Destination.AccessKey,
		&project.Destination.SecretKey,
		&region,
		&project.Destination.Secure,
		&project.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %q: %w", name, err)
	}
	project.SourcePath = sourcePath.String
	project.Destination.Region = region.String
	return &project, nil
}

// CreateProject creates a new project
func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO projects (name, volume_id, mount_root, source_path, endpoint, bucket, folder,
			access_key, secret_key, region, secure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		project.Name,
		project.VolumeID,
		project.MountRoot,
		project.SourcePath,
		project.Destination.Endpoint,
		project.Destination.Bucket,
		project.Destination.Folder,
		project.Destination.AccessKey,
		project.Destination.SecretKey,
		project.Destination.Region,
		project.Destination.Secure,
		project.CreatedAt,
	)
	return err
}

// UpdateSourcePath remembers where the project's volume was last mounted.
func (db *DB) UpdateSourcePath(ctx context.Context, name, sourcePath string) error {
	_, err := db.ExecContext(ctx, `UPDATE projects SET source_path = ? WHERE name = ?`, sourcePath, name)
	return err
}

// GetSetting returns the value stored under key, or def when unset.
func (db *DB) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores value under key.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}
