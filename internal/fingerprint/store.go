// Package fingerprint is the durable record of what has been observed on the
// volume and what has been confirmed uploaded.
package fingerprint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/db"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

const lockStripes = 64

// Options tunes how lock contention is retried.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Clock        clockwork.Clock
	Logger       log.FieldLogger
}

// DefaultOptions retries a locked database five times starting at 50ms.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		Clock:        clockwork.NewRealClock(),
		Logger:       log.StandardLogger(),
	}
}

// Store owns FileRecord persistence. Writes to one path are serialized;
// writes to different paths may interleave.
type Store struct {
	db      *db.DB
	opts    Options
	stripes [lockStripes]sync.Mutex
}

// NewStore wraps an open database handle.
func NewStore(database *db.DB, opts Options) *Store {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Store{db: database, opts: opts}
}

func (s *Store) lock(path string) func() {
	m := &s.stripes[xxhash.Sum64String(path)%lockStripes]
	m.Lock()
	return m.Unlock
}

// Lookup returns the record for path, reporting false when untracked.
func (s *Store) Lookup(ctx context.Context, path string) (*models.FileRecord, bool, error) {
	var rec *models.FileRecord
	err := s.retry(ctx, "lookup", func() error {
		var err error
		rec, err = s.db.GetFileRecord(ctx, path)
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// UpsertObserved records the current size, mtime and digest of path as seen
// in sessionID.
func (s *Store) UpsertObserved(ctx context.Context, sessionID, path string, size int64, mtime time.Time, contentHash string) (*models.FileRecord, error) {
	defer s.lock(path)()

	var rec *models.FileRecord
	err := s.retry(ctx, "upsert observed", func() error {
		var err error
		rec, err = s.db.UpsertObserved(ctx, sessionID, path, size, mtime, contentHash)
		return err
	})
	return rec, err
}

// TouchSeen marks a tracked path as present in sessionID while keeping its
// last observed digest. Untracked paths are ignored.
func (s *Store) TouchSeen(ctx context.Context, sessionID, path string) error {
	defer s.lock(path)()

	return s.retry(ctx, "touch seen", func() error {
		_, err := s.db.TouchSeen(ctx, sessionID, path)
		return err
	})
}

// RecordSuccess stamps path as synced at contentHash and stores the
// successful attempt atomically.
func (s *Store) RecordSuccess(ctx context.Context, path, contentHash, remoteObjectID string, attempt *models.TransferAttempt) error {
	defer s.lock(path)()

	return s.retry(ctx, "record success", func() error {
		return s.db.RecordSuccess(ctx, path, contentHash, remoteObjectID, attempt)
	})
}

// RecordFailure stores a failed attempt. The file record is left as it was.
func (s *Store) RecordFailure(ctx context.Context, path string, attempt *models.TransferAttempt) error {
	defer s.lock(path)()

	return s.retry(ctx, "record failure", func() error {
		return s.db.InsertAttempt(ctx, attempt)
	})
}

// MarkStale flags paths that were not seen in the latest complete scan.
func (s *Store) MarkStale(ctx context.Context, paths []string) error {
	return s.retry(ctx, "mark stale", func() error {
		return s.db.MarkStale(ctx, paths)
	})
}

// UnseenPaths lists tracked, non-stale paths not observed in sessionID.
func (s *Store) UnseenPaths(ctx context.Context, sessionID string) ([]string, error) {
	var paths []string
	err := s.retry(ctx, "list unseen", func() error {
		var err error
		paths, err = s.db.UnseenPaths(ctx, sessionID)
		return err
	})
	return paths, err
}

// retry runs op until it succeeds, fails with a non-contention error or the
// attempt budget runs out, in which case a StoreUnavailableError is returned.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	delay := s.opts.InitialDelay
	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isContention(err) {
			return err
		}
		if attempt == s.opts.MaxAttempts {
			break
		}
		s.opts.Logger.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
		}).Debug("store busy, retrying")

		select {
		case <-ctx.Done():
			return &syncerr.StoreUnavailableError{Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-s.opts.Clock.After(delay):
		}
		delay *= 2
	}
	return &syncerr.StoreUnavailableError{Op: op, Attempts: s.opts.MaxAttempts, Err: err}
}

func isContention(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
