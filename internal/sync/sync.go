// Package sync runs differential sync sessions: it discovers audio files on a
// source root, classifies them against the fingerprint store and uploads what
// changed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/classify"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/db"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/discovery"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/fingerprint"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/notify"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/session"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// LastSourceSetting is the settings key holding the last fully synced root.
const LastSourceSetting = "last_source_path"

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	Transfer transfer.Config
	// MaxFileSize is the per-file ceiling in bytes; zero disables it.
	MaxFileSize int64
	// SessionTimeout bounds a whole session; zero means no limit.
	SessionTimeout  time.Duration
	Extensions      []string
	ExcludeFolders  []string
	FlushEvery      int
	StoreMaxRetries int
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		Transfer:    transfer.DefaultConfig(),
		MaxFileSize: 500 << 20,
	}
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithFs reads the source through fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Syncer) { s.fs = fs }
}

// WithClock replaces the clock used for sessions and retry waits.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Syncer) { s.clock = clock }
}

// WithLogger replaces the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Syncer) { s.logger = logger }
}

// WithPublisher sends session events to p.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

// Syncer handles file synchronization operations
type Syncer struct {
	db         *db.DB
	store      *fingerprint.Store
	recorder   transfer.Recorder
	project    *models.Project
	transport  transfer.Transport
	classifier *classify.Classifier
	config     SyncerConfig

	fs        afero.Fs
	clock     clockwork.Clock
	logger    log.FieldLogger
	publisher notify.Publisher
}

// NewSyncer creates a new syncer instance
func NewSyncer(database *db.DB, project *models.Project, transport transfer.Transport, config *SyncerConfig, opts ...Option) *Syncer {
	if config == nil {
		defaultConfig := DefaultSyncerConfig()
		config = &defaultConfig
	}
	s := &Syncer{
		db:         database,
		project:    project,
		transport:  transport,
		classifier: classify.New(config.MaxFileSize),
		config:     *config,
		fs:         afero.NewOsFs(),
		clock:      clockwork.NewRealClock(),
		logger:     log.StandardLogger(),
		publisher:  notify.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("project", project.Name)
	s.store = fingerprint.NewStore(database, fingerprint.Options{
		MaxAttempts: config.StoreMaxRetries,
		Clock:       s.clock,
		Logger:      s.logger,
	})
	s.recorder = s.store
	return s
}

// RecoverAbandoned closes sessions a crashed process left open. Call it once
// at startup, before the first Run.
func (s *Syncer) RecoverAbandoned(ctx context.Context) (int64, error) {
	return s.newCoordinator().RecoverAbandoned(ctx)
}

// Run syncs the files under sourcePath in a new session.
func (s *Syncer) Run(ctx context.Context, sourcePath string) (*models.SessionSummary, error) {
	walker := discovery.NewWalker(s.fs, sourcePath, discovery.Options{
		Extensions:     s.config.Extensions,
		ExcludeFolders: s.config.ExcludeFolders,
		Logger:         s.logger,
	})
	return s.RunSource(ctx, walker)
}

// RunSource syncs the files yielded by src in a new session and finalizes it.
// The summary is returned whenever the session was opened. The error is
// non-nil when the session did not complete: it carries the abort cause, or
// the reason the session could not be opened or closed.
func (s *Syncer) RunSource(ctx context.Context, src discovery.Source) (*models.SessionSummary, error) {
	coord := s.newCoordinator()
	sess, err := coord.Begin(ctx, src.Root())
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithField("session", sess.SessionID)
	logger.WithField("source", src.Root()).Info("session started")

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout := s.config.SessionTimeout; timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, timeout,
			fmt.Errorf("%w: session timeout of %s elapsed", syncerr.ErrInterrupted, timeout))
		defer stop()
	}

	scheduler := transfer.New(s.config.Transfer, s.transport, s.recorder,
		transfer.WithFs(s.fs),
		transfer.WithClock(s.clock),
		transfer.WithLogger(logger),
	)
	scheduler.Start(runCtx)

	var outcomes sync.WaitGroup
	track := func(f *transfer.Future) {
		outcomes.Add(1)
		go func() {
			defer outcomes.Done()
			<-f.Done()
			r := f.Result()
			coord.RecordOutcome(ctx, r)
			if syncerr.IsStoreUnavailable(r.Err) {
				cancel(r.Err)
			}
		}()
	}

	complete := s.discover(runCtx, cancel, src, sess.SessionID, coord, scheduler, track, logger)

	scheduler.Close()
	outcomes.Wait()

	var cause error
	if runCtx.Err() != nil {
		cause = context.Cause(runCtx)
	} else if complete {
		if err := s.markStale(runCtx, sess.SessionID, logger); err != nil {
			cause = err
		}
	}

	summary, err := coord.Finalize(ctx, cause)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	if cause == nil {
		if err := s.db.SetSetting(context.WithoutCancel(ctx), LastSourceSetting, src.Root()); err != nil {
			logger.WithError(err).Warn("failed to remember source path")
		}
	}

	logger.WithFields(log.Fields{
		"status":    summary.Status,
		"scanned":   summary.FilesScanned,
		"uploaded":  summary.FilesUploaded,
		"unchanged": summary.FilesUnchanged,
		"skipped":   summary.FilesSkipped,
		"failed":    summary.FilesFailed,
		"duration":  summary.Duration,
	}).Info("session finished")
	return summary, cause
}

// discover feeds the scheduler from src. It reports whether the scan ran to
// completion; session-ending errors cancel ctx with their cause.
func (s *Syncer) discover(ctx context.Context, cancel context.CancelCauseFunc, src discovery.Source,
	sessionID string, coord *session.Coordinator, scheduler *transfer.Scheduler,
	track func(*transfer.Future), logger log.FieldLogger) bool {

	for meta, err := range src.Scan(ctx) {
		if err != nil {
			if syncerr.IsClassification(err) {
				coord.RecordScanned()
				coord.RecordSkipped(meta.Path, err.Error())
				continue
			}
			if syncerr.AbortsSession(err) {
				logger.WithError(err).Error("aborting session")
				cancel(err)
			}
			return false
		}
		if ctx.Err() != nil {
			return false
		}

		coord.RecordScanned()
		if err := s.process(ctx, sessionID, meta, coord, scheduler, track); err != nil {
			if syncerr.AbortsSession(err) {
				logger.WithError(err).Error("aborting session")
				cancel(err)
				return false
			}
			if ctx.Err() != nil {
				return false
			}
		}
	}
	return ctx.Err() == nil
}

// process classifies one discovered file and submits it when it needs an
// upload. Every call settles the file in exactly one session counter unless
// the returned error aborts the session.
func (s *Syncer) process(ctx context.Context, sessionID string, meta models.FileMeta,
	coord *session.Coordinator, scheduler *transfer.Scheduler, track func(*transfer.Future)) error {

	if s.classifier.ExceedsLimit(meta.Size) {
		// The file is still on the volume; keep its last digest so a later
		// shrink is classified against what was synced.
		if err := s.store.TouchSeen(ctx, sessionID, meta.Path); err != nil {
			coord.RecordFailed(meta.Path, err)
			return err
		}
		s.classified(sessionID, meta, models.ClassSkipTooLarge)
		coord.RecordSkipped(meta.Path, fmt.Sprintf("larger than %d bytes", s.classifier.MaxFileSize))
		return nil
	}

	hash, err := fingerprint.Hash(s.fs, meta.AbsPath)
	if err != nil {
		err = &syncerr.ClassificationError{Path: meta.Path, Reason: "unreadable", Err: err}
		coord.RecordSkipped(meta.Path, err.Error())
		return err
	}
	meta.ContentHash = hash

	existing, _, err := s.store.Lookup(ctx, meta.Path)
	if err != nil {
		coord.RecordFailed(meta.Path, err)
		return err
	}
	if _, err := s.store.UpsertObserved(ctx, sessionID, meta.Path, meta.Size, meta.ModTime, hash); err != nil {
		coord.RecordFailed(meta.Path, err)
		return err
	}

	class, err := s.classifier.Classify(meta, existing)
	if err != nil {
		coord.RecordSkipped(meta.Path, err.Error())
		return err
	}
	s.classified(sessionID, meta, class)

	switch {
	case class == models.ClassUnchanged:
		coord.RecordUnchanged()
		return nil
	case !class.NeedsTransfer():
		coord.RecordSkipped(meta.Path, string(class))
		return nil
	}

	future, err := scheduler.Submit(ctx, transfer.Job{
		SessionID:  sessionID,
		File:       meta,
		Class:      class,
		FolderHint: s.project.Destination.Folder,
	})
	if err != nil {
		coord.RecordFailed(meta.Path, err)
		return err
	}
	track(future)
	return nil
}

func (s *Syncer) classified(sessionID string, meta models.FileMeta, class models.Class) {
	s.publisher.Publish(notify.Event{
		Kind:      notify.FileClassified,
		Time:      s.clock.Now(),
		SessionID: sessionID,
		Path:      meta.Path,
		Size:      meta.Size,
		Class:     class,
	})
}

func (s *Syncer) markStale(ctx context.Context, sessionID string, logger log.FieldLogger) error {
	unseen, err := s.store.UnseenPaths(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(unseen) == 0 {
		return nil
	}
	if err := s.store.MarkStale(ctx, unseen); err != nil {
		return err
	}
	logger.WithField("files", len(unseen)).Info("marked files missing from the volume as stale")
	return nil
}

func (s *Syncer) newCoordinator() *session.Coordinator {
	return session.New(s.db, session.Options{
		FlushEvery: s.config.FlushEvery,
		Clock:      s.clock,
		Logger:     s.logger,
		Publisher:  s.publisher,
	})
}
