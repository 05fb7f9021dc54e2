package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

const sessionColumns = `session_id, source_path, status, started_at, ended_at, files_scanned, files_uploaded,
	files_skipped, files_failed, files_unchanged, total_bytes, error_summary`

func scanSession(row rowScanner) (*models.SyncSession, error) {
	var s models.SyncSession
	var endedAt sql.NullTime
	var summary sql.NullString
	err := row.Scan(
		&s.SessionID,
		&s.SourcePath,
		&s.Status,
		&s.StartedAt,
		&endedAt,
		&s.FilesScanned,
		&s.FilesUploaded,
		&s.FilesSkipped,
		&s.FilesFailed,
		&s.FilesUnchanged,
		&s.TotalBytes,
		&summary,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if summary.Valid {
		s.ErrorSummary = &summary.String
	}
	return &s, nil
}

// CreateSession inserts a new in-progress session.
func (db *DB) CreateSession(ctx context.Context, s *models.SyncSession) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, source_path, status, started_at)
		VALUES (?, ?, ?, ?)
	`, s.SessionID, s.SourcePath, models.SessionInProgress, s.StartedAt.UTC())
	return err
}

// UpdateSessionCounts writes the running aggregates of an open session.
func (db *DB) UpdateSessionCounts(ctx context.Context, s *models.SyncSession) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sessions
		SET files_scanned = ?, files_uploaded = ?, files_skipped = ?, files_failed = ?,
			files_unchanged = ?, total_bytes = ?
		WHERE session_id = ? AND ended_at IS NULL
	`, s.FilesScanned, s.FilesUploaded, s.FilesSkipped, s.FilesFailed, s.FilesUnchanged, s.TotalBytes, s.SessionID)
	return err
}

// CloseSession writes the final aggregates and sets ended_at. It reports
// false when the session had already been closed.
func (db *DB) CloseSession(ctx context.Context, s *models.SyncSession) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at = ?, files_scanned = ?, files_uploaded = ?, files_skipped = ?,
			files_failed = ?, files_unchanged = ?, total_bytes = ?, error_summary = ?
		WHERE session_id = ? AND ended_at IS NULL
	`,
		s.Status,
		s.EndedAt.UTC(),
		s.FilesScanned,
		s.FilesUploaded,
		s.FilesSkipped,
		s.FilesFailed,
		s.FilesUnchanged,
		s.TotalBytes,
		s.ErrorSummary,
		s.SessionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CloseAbandonedSessions closes sessions that were left open by a process
// that died, marking them interrupted.
func (db *DB) CloseAbandonedSessions(ctx context.Context, now time.Time, summary string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, error_summary = ?
		WHERE ended_at IS NULL
	`, models.SessionInterrupted, now.UTC(), summary)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSession returns one session.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSessions returns the most recent sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]models.SyncSession, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.SyncSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CleanupOldRecords deletes sessions and attempts that started before
// cutoff. File records are history and are never deleted.
func (db *DB) CleanupOldRecords(ctx context.Context, cutoff time.Time) (sessions, attempts int64, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM transfer_attempts
		WHERE session_id IN (SELECT session_id FROM sessions WHERE started_at < ? AND ended_at IS NOT NULL)
	`, cutoff.UTC())
	if err != nil {
		return 0, 0, err
	}
	attempts, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ? AND ended_at IS NOT NULL`, cutoff.UTC())
	if err != nil {
		return 0, 0, err
	}
	sessions, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	_, err = db.ExecContext(ctx, `VACUUM`)
	return sessions, attempts, err
}
