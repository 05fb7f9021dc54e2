// Package session owns the lifecycle of one sync run: it opens the session
// row, aggregates per-file outcomes and closes the row exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/notify"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// Store persists session rows. It is satisfied by *db.DB.
type Store interface {
	CreateSession(ctx context.Context, s *models.SyncSession) error
	UpdateSessionCounts(ctx context.Context, s *models.SyncSession) error
	CloseSession(ctx context.Context, s *models.SyncSession) (bool, error)
	CloseAbandonedSessions(ctx context.Context, now time.Time, summary string) (int64, error)
}

// Options configures a Coordinator.
type Options struct {
	// FlushEvery writes partial aggregates after this many recorded files.
	FlushEvery int
	Clock      clockwork.Clock
	Logger     log.FieldLogger
	Publisher  notify.Publisher
}

// NewID returns a session id of the form session_20240131_235959_1a2b3c4d.
func NewID(now time.Time) string {
	return fmt.Sprintf("session_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

// Coordinator aggregates one session. All methods are safe for concurrent use.
type Coordinator struct {
	store Store
	opts  Options

	mu         sync.Mutex
	session    *models.SyncSession
	sinceFlush int
	// finalized freezes the aggregates once Finalize has started.
	finalized bool

	// finalizeMu serializes Finalize; summary is set only by a successful close.
	finalizeMu sync.Mutex
	summary    *models.SessionSummary
}

// New creates a coordinator backed by store.
func New(store Store, opts Options) *Coordinator {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 25
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard
	}
	return &Coordinator{store: store, opts: opts}
}

// RecoverAbandoned closes sessions a previous process left open.
func (c *Coordinator) RecoverAbandoned(ctx context.Context) (int64, error) {
	n, err := c.store.CloseAbandonedSessions(ctx, c.opts.Clock.Now(),
		fmt.Sprintf("%s: process exited before the session was finalized", syncerr.ErrInterrupted))
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned sessions: %w", err)
	}
	if n > 0 {
		c.opts.Logger.WithField("sessions", n).Warn("closed sessions left open by a previous run")
	}
	return n, nil
}

// Begin opens a new in-progress session for sourcePath.
func (c *Coordinator) Begin(ctx context.Context, sourcePath string) (*models.SyncSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil, fmt.Errorf("session %s already started", c.session.SessionID)
	}

	now := c.opts.Clock.Now()
	s := &models.SyncSession{
		SessionID:  NewID(now),
		SourcePath: sourcePath,
		Status:     models.SessionInProgress,
		StartedAt:  now,
	}
	if err := c.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	c.session = s

	c.opts.Publisher.Publish(notify.Event{Kind: notify.SessionStarted, SessionID: s.SessionID, Path: sourcePath})
	snapshot := *s
	return &snapshot, nil
}

// ID returns the session id, or "" before Begin.
func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.SessionID
}

// Snapshot returns a copy of the running aggregates.
func (c *Coordinator) Snapshot() models.SyncSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.SyncSession{}
	}
	return *c.session
}

// RecordScanned counts one file yielded by discovery.
func (c *Coordinator) RecordScanned() {
	c.update(func(s *models.SyncSession) { s.FilesScanned++ })
}

// RecordUnchanged counts one file whose content was already synced.
func (c *Coordinator) RecordUnchanged() {
	c.update(func(s *models.SyncSession) { s.FilesUnchanged++ })
}

// RecordSkipped counts one file that was never enqueued.
func (c *Coordinator) RecordSkipped(path, reason string) {
	c.opts.Logger.WithFields(log.Fields{"path": path, "reason": reason}).Info("skipping file")
	c.update(func(s *models.SyncSession) { s.FilesSkipped++ })
}

// RecordFailed counts one file that failed before reaching the scheduler.
func (c *Coordinator) RecordFailed(path string, err error) {
	c.opts.Logger.WithField("path", path).WithError(err).Warn("file failed")
	c.update(func(s *models.SyncSession) { s.FilesFailed++ })
}

// RecordOutcome folds a terminal transfer result into the aggregates.
func (c *Coordinator) RecordOutcome(ctx context.Context, r transfer.Result) {
	c.update(func(s *models.SyncSession) {
		switch r.State {
		case transfer.StateSuccess:
			s.FilesUploaded++
			s.TotalBytes += r.Job.File.Size
		case transfer.StateSkipped:
			s.FilesSkipped++
		default:
			s.FilesFailed++
		}
	})

	c.opts.Publisher.Publish(notify.Event{
		Kind:      notify.TransferOutcome,
		SessionID: r.Job.SessionID,
		Path:      r.Job.File.Path,
		Size:      r.Job.File.Size,
		Class:     r.Job.Class,
		State:     string(r.State),
		Attempts:  r.Attempts,
		Bytes:     r.BytesSent,
		Err:       r.Err,
	})
	c.maybeFlush(ctx)
}

func (c *Coordinator) update(fn func(*models.SyncSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.finalized {
		return
	}
	fn(c.session)
	c.sinceFlush++
}

func (c *Coordinator) maybeFlush(ctx context.Context) {
	c.mu.Lock()
	if c.session == nil || c.finalized || c.sinceFlush < c.opts.FlushEvery {
		c.mu.Unlock()
		return
	}
	c.sinceFlush = 0
	snapshot := *c.session
	c.mu.Unlock()

	if err := c.store.UpdateSessionCounts(context.WithoutCancel(ctx), &snapshot); err != nil {
		c.opts.Logger.WithError(err).Warn("failed to flush session progress")
	}
}

// Flush writes the running aggregates now.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.sinceFlush = 0
	snapshot := *c.session
	c.mu.Unlock()
	return c.store.UpdateSessionCounts(ctx, &snapshot)
}

// Finalize closes the session with the totals accumulated so far. A nil
// cause completes it; a cancellation or deadline marks it interrupted; any
// other cause fails it with that reason. Counters stop moving once Finalize
// is called. After a successful close later calls return the first result;
// a failed close can be retried.
func (c *Coordinator) Finalize(ctx context.Context, cause error) (*models.SessionSummary, error) {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()
	if c.summary != nil {
		return c.summary, nil
	}
	summary, err := c.finalize(context.WithoutCancel(ctx), cause)
	if err != nil {
		return nil, err
	}
	c.summary = summary
	return summary, nil
}

func (c *Coordinator) finalize(ctx context.Context, cause error) (*models.SessionSummary, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, errors.New("session was never started")
	}
	c.finalized = true
	now := c.opts.Clock.Now()
	c.session.EndedAt = &now
	c.session.Status, c.session.ErrorSummary = statusFor(cause)
	s := *c.session
	c.mu.Unlock()

	closed, err := c.store.CloseSession(ctx, &s)
	if err != nil {
		return nil, fmt.Errorf("failed to close session %s: %w", s.SessionID, err)
	}
	if !closed {
		c.opts.Logger.WithField("session", s.SessionID).Warn("session was already closed")
	}

	summary := &models.SessionSummary{SyncSession: s, Duration: now.Sub(s.StartedAt)}
	c.opts.Publisher.Publish(notify.Event{Kind: notify.SessionEnded, SessionID: s.SessionID, Summary: summary})
	return summary, nil
}

func statusFor(cause error) (string, *string) {
	if cause == nil {
		return models.SessionCompleted, nil
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, syncerr.ErrInterrupted) {
		reason := fmt.Sprintf("%s: %v", syncerr.ErrInterrupted, cause)
		if errors.Is(cause, syncerr.ErrInterrupted) {
			reason = cause.Error()
		}
		return models.SessionInterrupted, &reason
	}
	reason := cause.Error()
	return models.SessionFailed, &reason
}
