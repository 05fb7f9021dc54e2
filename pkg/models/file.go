package models

import "time"

// FileRecord is the durable fingerprint of a tracked local file.
//
// RemoteObjectID is non-nil iff SyncCount >= 1. Records are never deleted;
// files missing from a complete scan are marked Stale instead.
type FileRecord struct {
	Path            string
	Size            int64
	ContentHash     string
	ModTime         time.Time
	LastSyncedHash  *string
	RemoteObjectID  *string
	SyncCount       int
	Stale           bool
	LastSeenSession string
	LastSyncedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Synced reports whether the record has at least one confirmed upload.
func (r *FileRecord) Synced() bool {
	return r != nil && r.RemoteObjectID != nil
}

// Outcome is the result of one transfer attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeRetryableFailure Outcome = "RETRYABLE_FAILURE"
	OutcomeFatalFailure     Outcome = "FATAL_FAILURE"
)

// TransferAttempt is one upload try for one file within one session.
// Rows are append-only.
type TransferAttempt struct {
	ID            int64
	Path          string
	SessionID     string
	AttemptNumber int
	Outcome       Outcome
	ErrorDetail   *string
	BytesSent     int64
	StartedAt     time.Time
	FinishedAt    time.Time
}
