// Package transfer uploads classified files to the remote folder with a
// bounded worker pool, per-file retries and durable bookkeeping.
package transfer

import (
	"context"
	"time"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// ObjectMeta describes the object an upload will produce.
type ObjectMeta struct {
	// Path is the source-relative path of the file.
	Path        string
	Size        int64
	ModTime     time.Time
	ContentHash string
}

// Handle identifies one in-progress upload on the remote side.
type Handle interface {
	UploadID() string
}

// Transport is the remote storage collaborator. Errors it returns should be
// wrapped with syncerr.Transient or syncerr.Fatal; anything else is treated
// as transient.
type Transport interface {
	CreateOrResumeUpload(ctx context.Context, folderHint string, meta ObjectMeta) (Handle, error)
	WriteChunk(ctx context.Context, h Handle, chunk []byte) error
	// Finalize commits the upload and returns the remote object id.
	Finalize(ctx context.Context, h Handle) (string, error)
	// Abort discards an unfinished upload. It is best effort.
	Abort(ctx context.Context, h Handle) error
}

// Recorder persists attempt outcomes. It is satisfied by *fingerprint.Store.
type Recorder interface {
	RecordSuccess(ctx context.Context, path, contentHash, remoteObjectID string, attempt *models.TransferAttempt) error
	RecordFailure(ctx context.Context, path string, attempt *models.TransferAttempt) error
}

// Job is one file accepted for upload within a session.
type Job struct {
	SessionID  string
	File       models.FileMeta
	Class      models.Class
	FolderHint string
}

// Result is the terminal outcome of a Job.
type Result struct {
	Job            Job
	State          State
	Attempts       int
	RemoteObjectID string
	BytesSent      int64
	Err            error
}

// Outcome maps the terminal state onto the attempt outcome vocabulary.
// Skipped jobs report an empty outcome.
func (r Result) Outcome() models.Outcome {
	switch r.State {
	case StateSuccess:
		return models.OutcomeSuccess
	case StateFatal:
		return models.OutcomeFatalFailure
	}
	return ""
}
