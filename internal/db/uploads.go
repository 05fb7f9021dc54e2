package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RememberUpload records that uploadID was started for key to carry the
// content with digest contentHash. A later call for the same key replaces it.
func (db *DB) RememberUpload(ctx context.Context, key, uploadID, contentHash string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_uploads (object_key, upload_id, content_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(object_key) DO UPDATE SET
			upload_id = excluded.upload_id,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at
	`, key, uploadID, contentHash, time.Now().UTC())
	return err
}

// PendingUpload returns the upload last started for key. It returns
// ErrNotFound when none is remembered.
func (db *DB) PendingUpload(ctx context.Context, key string) (uploadID, contentHash string, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT upload_id, content_hash FROM pending_uploads WHERE object_key = ?
	`, key).Scan(&uploadID, &contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return uploadID, contentHash, err
}

// ForgetUpload drops the remembered upload of key.
func (db *DB) ForgetUpload(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM pending_uploads WHERE object_key = ?`, key)
	return err
}
