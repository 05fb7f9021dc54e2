// Package classify decides whether an observed file needs to be uploaded.
package classify

import (
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// Classifier compares observed files against their fingerprint records.
type Classifier struct {
	// MaxFileSize is the ceiling in bytes; zero or less disables it.
	MaxFileSize int64
}

// New returns a Classifier with the given size ceiling.
func New(maxFileSize int64) *Classifier {
	return &Classifier{MaxFileSize: maxFileSize}
}

// ExceedsLimit reports whether a file of size bytes is over the ceiling.
// Callers use it to avoid hashing files that will be skipped anyway.
func (c *Classifier) ExceedsLimit(size int64) bool {
	return c.MaxFileSize > 0 && size > c.MaxFileSize
}

// Classify decides what to do with observed given its existing record,
// which is nil for an untracked path. The content hash, not the mtime, is
// the change signal.
func (c *Classifier) Classify(observed models.FileMeta, existing *models.FileRecord) (models.Class, error) {
	if observed.Path == "" {
		return "", &syncerr.ClassificationError{Path: observed.AbsPath, Reason: "empty path"}
	}
	if observed.Size < 0 {
		return "", &syncerr.ClassificationError{Path: observed.Path, Reason: "negative size"}
	}
	if c.ExceedsLimit(observed.Size) {
		return models.ClassSkipTooLarge, nil
	}
	if observed.ContentHash == "" {
		return "", &syncerr.ClassificationError{Path: observed.Path, Reason: "missing content hash"}
	}

	if !existing.Synced() || existing.LastSyncedHash == nil {
		return models.ClassNew, nil
	}
	if observed.ContentHash != *existing.LastSyncedHash {
		return models.ClassModified, nil
	}
	return models.ClassUnchanged, nil
}
