package models

import "time"

// Session status values.
const (
	SessionInProgress  = "in_progress"
	SessionCompleted   = "completed"
	SessionFailed      = "failed"
	SessionInterrupted = "interrupted"
)

// SyncSession is one discovery-to-completion run.
type SyncSession struct {
	SessionID      string
	SourcePath     string
	Status         string
	StartedAt      time.Time
	EndedAt        *time.Time
	FilesScanned   int64
	FilesUploaded  int64
	FilesSkipped   int64
	FilesFailed    int64
	FilesUnchanged int64
	TotalBytes     int64
	ErrorSummary   *string
}

// SessionSummary is what a finalized session reports to its caller.
type SessionSummary struct {
	SyncSession
	Duration time.Duration
}

// Stats represents project statistics
type Stats struct {
	TotalFiles    int64
	TotalSize     int64
	SyncedFiles   int64
	SyncedSize    int64
	PendingFiles  int64
	PendingSize   int64
	StaleFiles    int64
	TotalSessions int64
	LastSession   *SyncSession
}

// HistoryStats aggregates the attempt history.
type HistoryStats struct {
	TotalSessions int64
	TotalUploads  int64
	TotalBytes    int64
	UniqueHashes  int64
	UploadsToday  int64
	BytesToday    int64
	RecentErrors  int64
	ByExtension   []ExtensionStat
}

// ExtensionStat counts synced files per extension.
type ExtensionStat struct {
	Extension string
	Count     int64
	TotalSize int64
}

// DuplicateGroup lists tracked paths that share one content hash.
type DuplicateGroup struct {
	ContentHash string
	Paths       []string
	TotalSize   int64
}
