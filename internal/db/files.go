package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

const fileRecordColumns = `path, size, content_hash, mtime, last_synced_hash, remote_object_id,
	sync_count, stale, last_seen_session, last_synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (*models.FileRecord, error) {
	var rec models.FileRecord
	var lastSyncedHash, remoteID, lastSeen sql.NullString
	var lastSyncedAt sql.NullTime
	err := row.Scan(
		&rec.Path,
		&rec.Size,
		&rec.ContentHash,
		&rec.ModTime,
		&lastSyncedHash,
		&remoteID,
		&rec.SyncCount,
		&rec.Stale,
		&lastSeen,
		&lastSyncedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSyncedHash.Valid {
		rec.LastSyncedHash = &lastSyncedHash.String
	}
	if remoteID.Valid {
		rec.RemoteObjectID = &remoteID.String
	}
	if lastSyncedAt.Valid {
		rec.LastSyncedAt = &lastSyncedAt.Time
	}
	rec.LastSeenSession = lastSeen.String
	return &rec, nil
}

// GetFileRecord returns the record tracked under path.
func (db *DB) GetFileRecord(ctx context.Context, path string) (*models.FileRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+fileRecordColumns+` FROM file_records WHERE path = ?`, path)
	rec, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpsertObserved records that path was seen in sessionID with the given
// size, mtime and digest. Sync bookkeeping columns are left untouched.
func (db *DB) UpsertObserved(ctx context.Context, sessionID, path string, size int64, mtime time.Time, contentHash string) (*models.FileRecord, error) {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO file_records (path, size, content_hash, mtime, last_seen_session, stale, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			content_hash = excluded.content_hash,
			mtime = excluded.mtime,
			last_seen_session = excluded.last_seen_session,
			stale = 0,
			updated_at = excluded.updated_at
	`, path, size, contentHash, mtime.UTC(), sessionID, now, now)
	if err != nil {
		return nil, err
	}
	return db.GetFileRecord(ctx, path)
}

// TouchSeen stamps an existing record as seen in sessionID without changing
// its digest. It reports false when path is not tracked.
func (db *DB) TouchSeen(ctx context.Context, sessionID, path string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE file_records
		SET last_seen_session = ?, stale = 0, updated_at = ?
		WHERE path = ?
	`, sessionID, time.Now().UTC(), path)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordSuccess marks path as synced with contentHash and appends the
// successful attempt, in one transaction.
func (db *DB) RecordSuccess(ctx context.Context, path, contentHash, remoteObjectID string, attempt *models.TransferAttempt) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE file_records
		SET last_synced_hash = ?, remote_object_id = ?, sync_count = sync_count + 1,
			last_synced_at = ?, updated_at = ?
		WHERE path = ?
	`, contentHash, remoteObjectID, attempt.FinishedAt.UTC(), time.Now().UTC(), path)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record success for %q: %w", path, ErrNotFound)
	}

	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertAttempt appends one transfer attempt.
func (db *DB) InsertAttempt(ctx context.Context, attempt *models.TransferAttempt) error {
	return insertAttempt(ctx, db, attempt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAttempt(ctx context.Context, ex execer, attempt *models.TransferAttempt) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO transfer_attempts (path, session_id, attempt_number, outcome, error_detail,
			bytes_sent, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attempt.Path,
		attempt.SessionID,
		attempt.AttemptNumber,
		string(attempt.Outcome),
		attempt.ErrorDetail,
		attempt.BytesSent,
		attempt.StartedAt.UTC(),
		attempt.FinishedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		attempt.ID = id
	}
	return nil
}

// MarkStale flags the given paths as no longer present on the volume, in a
// single transaction.
func (db *DB) MarkStale(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE file_records SET stale = 1, updated_at = ? WHERE path = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, path := range paths {
		if _, err := stmt.ExecContext(ctx, now, path); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UnseenPaths lists non-stale records that were not observed in sessionID.
func (db *DB) UnseenPaths(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT path FROM file_records
		WHERE stale = 0 AND (last_seen_session IS NULL OR last_seen_session != ?)
		ORDER BY path
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// ListFileRecords returns every tracked record, stale ones included.
func (db *DB) ListFileRecords(ctx context.Context) ([]models.FileRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+fileRecordColumns+` FROM file_records ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ListAttempts returns attempts of one session, or the most recent limit
// attempts across sessions when sessionID is empty.
func (db *DB) ListAttempts(ctx context.Context, sessionID string, limit int) ([]models.TransferAttempt, error) {
	query := `SELECT id, path, session_id, attempt_number, outcome, error_detail, bytes_sent, started_at, finished_at
		FROM transfer_attempts`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ? ORDER BY id`
		args = append(args, sessionID)
	} else {
		query += ` ORDER BY id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.TransferAttempt
	for rows.Next() {
		var a models.TransferAttempt
		var outcome string
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.Path, &a.SessionID, &a.AttemptNumber, &outcome, &detail,
			&a.BytesSent, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		a.Outcome = models.Outcome(outcome)
		if detail.Valid {
			a.ErrorDetail = &detail.String
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CountAttempts returns how many attempts were recorded, optionally for one
// path only.
func (db *DB) CountAttempts(ctx context.Context, path string) (int64, error) {
	var n int64
	var err error
	if path == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_attempts`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_attempts WHERE path = ?`, path).Scan(&n)
	}
	return n, err
}
