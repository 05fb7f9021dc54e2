package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/db"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer/transfertest"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

const root = "/Volumes/AUDIO_USB"

type fixture struct {
	fs        afero.Fs
	db        *db.DB
	project   *models.Project
	transport *transfertest.Transport
	config    SyncerConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(t.TempDir(), "field-recordings")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	project := &models.Project{Name: "field-recordings", VolumeID: "AUDIO_USB", MountRoot: "/Volumes"}
	project.Destination.Bucket = "bucket"
	project.Destination.Folder = "audio/"
	require.NoError(t, database.CreateProject(context.Background(), project))

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(root, 0o755))

	return &fixture{
		fs:        fs,
		db:        database,
		project:   project,
		transport: transfertest.New(),
		config: SyncerConfig{
			Transfer: transfer.Config{
				ParallelUploads: 2,
				QueueSize:       2,
				RetryAttempts:   3,
				RetryDelay:      time.Millisecond,
				MaxRetryDelay:   2 * time.Millisecond,
				ChunkSize:       4,
				ChunkTimeout:    time.Second,
			},
			MaxFileSize: 1 << 20,
			FlushEvery:  2,
		},
	}
}

func (f *fixture) syncer(opts ...Option) *Syncer {
	opts = append([]Option{WithFs(f.fs)}, opts...)
	return NewSyncer(f.db, f.project, f.transport, &f.config, opts...)
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := path.Join(root, rel)
	require.NoError(t, f.fs.MkdirAll(path.Dir(abs), 0o755))
	require.NoError(t, afero.WriteFile(f.fs, abs, []byte(content), 0o644))
}

func (f *fixture) run(t *testing.T) *models.SessionSummary {
	t.Helper()
	summary, err := f.syncer().Run(context.Background(), root)
	require.NoError(t, err)
	require.NotNil(t, summary)
	return summary
}

func (f *fixture) record(t *testing.T, rel string) *models.FileRecord {
	t.Helper()
	rec, err := f.db.GetFileRecord(context.Background(), rel)
	require.NoError(t, err)
	return rec
}

func assertCountsAddUp(t *testing.T, s *models.SessionSummary) {
	t.Helper()
	assert.Equal(t, s.FilesScanned-s.FilesUnchanged, s.FilesUploaded+s.FilesSkipped+s.FilesFailed,
		"uploaded+skipped+failed must equal scanned-unchanged")
}

func TestRunNewUnchangedModified(t *testing.T) {
	f := newFixture(t)
	f.write(t, "b.mp3", "bbbbbbbb")
	f.write(t, "rec/c.wav", "cccccccc")
	first := f.run(t)
	assert.Equal(t, int64(2), first.FilesUploaded)

	f.write(t, "a.mp3", "aaaaaaaaaa")
	f.write(t, "rec/c.wav", "CCCCCCCCCCCC")
	s := f.run(t)

	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Nil(t, s.ErrorSummary)
	assert.Equal(t, int64(3), s.FilesScanned)
	assert.Equal(t, int64(2), s.FilesUploaded)
	assert.Equal(t, int64(1), s.FilesUnchanged)
	assert.Zero(t, s.FilesSkipped, "unchanged files are not skipped")
	assert.Zero(t, s.FilesFailed)
	assert.Equal(t, int64(10+12), s.TotalBytes)
	assertCountsAddUp(t, s)

	assert.Equal(t, 1, f.transport.Creates("b.mp3"))
	assert.Equal(t, 2, f.transport.Creates("rec/c.wav"))
	body, ok := f.transport.Object("audio/rec/c.wav")
	require.True(t, ok)
	assert.Equal(t, "CCCCCCCCCCCC", string(body))

	c := f.record(t, "rec/c.wav")
	assert.Equal(t, 2, c.SyncCount)
	require.NotNil(t, c.LastSyncedHash)
	assert.Equal(t, c.ContentHash, *c.LastSyncedHash)
	require.NotNil(t, c.RemoteObjectID)
	assert.Equal(t, "bucket/audio/rec/c.wav", *c.RemoteObjectID)

	stored, err := f.db.GetSession(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, s.FilesUploaded, stored.FilesUploaded)
	assert.NotNil(t, stored.EndedAt)

	last, err := f.db.GetSetting(context.Background(), LastSourceSetting, "")
	require.NoError(t, err)
	assert.Equal(t, root, last)
}

func TestRunSkipsTooLarge(t *testing.T) {
	f := newFixture(t)
	f.config.MaxFileSize = 8
	f.write(t, "d.flac", strings.Repeat("d", 16))
	f.write(t, "e.mp3", "eeee")

	s := f.run(t)
	assert.Equal(t, int64(2), s.FilesScanned)
	assert.Equal(t, int64(1), s.FilesSkipped)
	assert.Equal(t, int64(1), s.FilesUploaded)
	assert.Zero(t, f.transport.Creates("d.flac"), "too large files are never enqueued")
	assertCountsAddUp(t, s)
}

func TestRunFileGrownPastLimitStaysTracked(t *testing.T) {
	f := newFixture(t)
	f.config.MaxFileSize = 16
	f.write(t, "grow.wav", "small")
	f.run(t)
	synced := f.record(t, "grow.wav")

	f.write(t, "grow.wav", strings.Repeat("g", 32))
	s := f.run(t)
	assert.Equal(t, int64(1), s.FilesSkipped)
	assertCountsAddUp(t, s)

	rec := f.record(t, "grow.wav")
	assert.False(t, rec.Stale, "a file still on the volume is never stale")
	assert.Equal(t, s.SessionID, rec.LastSeenSession)
	assert.Equal(t, synced.ContentHash, rec.ContentHash)
	assert.Equal(t, 1, rec.SyncCount)

	// Back under the limit with the synced content: nothing to upload.
	f.write(t, "grow.wav", "small")
	s = f.run(t)
	assert.Equal(t, int64(1), s.FilesUnchanged)
	assert.Equal(t, 1, f.transport.Creates("grow.wav"))
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.write(t, fmt.Sprintf("take%d.wav", i), fmt.Sprintf("take-%d-audio", i))
	}
	first := f.run(t)
	require.Equal(t, int64(5), first.FilesUploaded)

	ctx := context.Background()
	attemptsBefore, err := f.db.CountAttempts(ctx, "")
	require.NoError(t, err)
	recordsBefore, err := f.db.ListFileRecords(ctx)
	require.NoError(t, err)

	second := f.run(t)
	assert.Equal(t, int64(5), second.FilesScanned)
	assert.Equal(t, int64(5), second.FilesUnchanged)
	assert.Zero(t, second.FilesUploaded)
	assert.Equal(t, 5, f.transport.Objects())
	assert.NotEqual(t, first.SessionID, second.SessionID)

	attemptsAfter, err := f.db.CountAttempts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, attemptsBefore, attemptsAfter, "an unchanged volume records no attempts")

	recordsAfter, err := f.db.ListFileRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recordsAfter, len(recordsBefore))
	for i, before := range recordsBefore {
		after := recordsAfter[i]
		assert.Equal(t, before.Path, after.Path)
		assert.Equal(t, before.ContentHash, after.ContentHash, before.Path)
		assert.Equal(t, before.LastSyncedHash, after.LastSyncedHash, before.Path)
		assert.Equal(t, before.RemoteObjectID, after.RemoteObjectID, before.Path)
		assert.Equal(t, before.SyncCount, after.SyncCount, before.Path)
		assert.Equal(t, before.Stale, after.Stale, before.Path)
	}
}

func TestRunUsesContentNotMetadata(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.mp3", "AAAA")
	f.run(t)
	mtime := f.record(t, "a.mp3").ModTime

	// Same size and mtime, different bytes.
	f.write(t, "a.mp3", "BBBB")
	require.NoError(t, f.fs.Chtimes(path.Join(root, "a.mp3"), mtime, mtime))
	s := f.run(t)
	assert.Equal(t, int64(1), s.FilesUploaded)

	// New mtime, same bytes.
	later := mtime.Add(time.Hour)
	require.NoError(t, f.fs.Chtimes(path.Join(root, "a.mp3"), later, later))
	s = f.run(t)
	assert.Zero(t, s.FilesUploaded)
	assert.Equal(t, int64(1), s.FilesUnchanged)
}

func TestRunNoPartialSuccess(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.mp3", "first")
	f.run(t)
	before := f.record(t, "a.mp3")

	f.write(t, "a.mp3", "second take")
	f.transport.FailFunc = func(op string, meta transfer.ObjectMeta) error {
		if op == transfertest.OpFinalize {
			return syncerr.Fatal("complete", errors.New("AccessDenied"))
		}
		return nil
	}
	s := f.run(t)
	assert.Equal(t, int64(1), s.FilesFailed)
	assert.Equal(t, models.SessionCompleted, s.Status, "per-file failures do not fail the session")

	after := f.record(t, "a.mp3")
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, *before.LastSyncedHash, *after.LastSyncedHash)
	assert.Equal(t, *before.RemoteObjectID, *after.RemoteObjectID)
	assert.Equal(t, 1, after.SyncCount)
	assert.Zero(t, f.transport.OpenUploads())
}

func TestRunRetryBound(t *testing.T) {
	f := newFixture(t)
	f.write(t, "flaky.wav", "flaky audio")
	f.transport.FailFunc = func(op string, meta transfer.ObjectMeta) error {
		if op == transfertest.OpWrite {
			return syncerr.Transient("write", errors.New("connection reset by peer"))
		}
		return nil
	}

	s := f.run(t)
	assert.Equal(t, int64(1), s.FilesFailed)

	attempts, err := f.db.ListAttempts(context.Background(), s.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, f.config.Transfer.RetryAttempts)
	for i, a := range attempts[:len(attempts)-1] {
		assert.Equal(t, models.OutcomeRetryableFailure, a.Outcome, "attempt %d", i+1)
	}
	last := attempts[len(attempts)-1]
	assert.Equal(t, models.OutcomeFatalFailure, last.Outcome)
	require.NotNil(t, last.ErrorDetail)
	assert.Contains(t, *last.ErrorDetail, "giving up after 3 attempts")
	assert.False(t, f.record(t, "flaky.wav").Synced())
}

func TestRunMarksMissingFilesStale(t *testing.T) {
	f := newFixture(t)
	f.write(t, "keep.mp3", "keep")
	f.write(t, "gone.mp3", "gone")
	f.run(t)

	require.NoError(t, f.fs.Remove(path.Join(root, "gone.mp3")))
	s := f.run(t)
	assert.Equal(t, int64(1), s.FilesScanned)

	assert.True(t, f.record(t, "gone.mp3").Stale)
	assert.False(t, f.record(t, "keep.mp3").Stale)
}

type item struct {
	meta models.FileMeta
	err  error
}

type sliceSource struct {
	root  string
	items []item
}

func (s sliceSource) Root() string { return s.root }

func (s sliceSource) Scan(ctx context.Context) iter.Seq2[models.FileMeta, error] {
	return func(yield func(models.FileMeta, error) bool) {
		for _, it := range s.items {
			if !yield(it.meta, it.err) {
				return
			}
		}
	}
}

func (f *fixture) meta(t *testing.T, rel, content string) item {
	t.Helper()
	f.write(t, rel, content)
	return item{meta: models.FileMeta{
		Path: rel, AbsPath: path.Join(root, rel), Size: int64(len(content)), ModTime: time.Now(),
	}}
}

func TestRunSourceGoneAbortsSession(t *testing.T) {
	f := newFixture(t)
	f.write(t, "old.mp3", "old")
	f.run(t)

	src := sliceSource{root: root, items: []item{
		f.meta(t, "a.mp3", "aaaa"),
		f.meta(t, "b.mp3", "bbbb"),
		{err: &syncerr.DiscoverySourceGoneError{Root: root, Err: errors.New("no such device")}},
		f.meta(t, "never.mp3", "nnnn"),
	}}

	s, err := f.syncer().RunSource(context.Background(), src)
	require.Error(t, err)
	assert.True(t, syncerr.IsSourceGone(err))
	require.NotNil(t, s)
	assert.Equal(t, models.SessionFailed, s.Status)
	require.NotNil(t, s.ErrorSummary)
	assert.Contains(t, *s.ErrorSummary, "is gone")
	assert.Equal(t, int64(2), s.FilesScanned)
	assertCountsAddUp(t, s)

	assert.False(t, f.record(t, "old.mp3").Stale, "an incomplete scan never marks files stale")
	_, err = f.db.GetFileRecord(context.Background(), "never.mp3")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunCountsAddUpAcrossOutcomes(t *testing.T) {
	f := newFixture(t)
	f.config.MaxFileSize = 16
	f.write(t, "same.mp3", "unchanged")
	f.run(t)

	f.transport.FailFunc = func(op string, meta transfer.ObjectMeta) error {
		if op == transfertest.OpCreate && strings.HasPrefix(meta.Path, "bad") {
			return syncerr.Fatal("create", errors.New("InvalidArgument"))
		}
		return nil
	}

	items := []item{
		f.meta(t, "same.mp3", "unchanged"),
		f.meta(t, "big.wav", strings.Repeat("x", 32)),
		{meta: models.FileMeta{Path: "broken"}, err: &syncerr.ClassificationError{Path: "broken", Reason: "unreadable"}},
		{meta: models.FileMeta{Path: "vanished.mp3", AbsPath: path.Join(root, "vanished.mp3"), Size: 4}},
	}
	for i := 0; i < 6; i++ {
		items = append(items, f.meta(t, fmt.Sprintf("good%d.mp3", i), fmt.Sprintf("good-%d", i)))
		items = append(items, f.meta(t, fmt.Sprintf("bad%d.mp3", i), fmt.Sprintf("bad-%d", i)))
	}

	s, err := f.syncer().RunSource(context.Background(), sliceSource{root: root, items: items})
	require.NoError(t, err)
	assert.Equal(t, int64(len(items)), s.FilesScanned)
	assert.Equal(t, int64(1), s.FilesUnchanged)
	assert.Equal(t, int64(6), s.FilesUploaded)
	assert.Equal(t, int64(6), s.FilesFailed)
	assert.Equal(t, int64(3), s.FilesSkipped)
	assertCountsAddUp(t, s)
}

// storeDown fails the bookkeeping of one path as if the database stayed
// locked past the retry budget.
type storeDown struct {
	transfer.Recorder
	path string
}

func (r storeDown) RecordSuccess(ctx context.Context, path, contentHash, remoteObjectID string, attempt *models.TransferAttempt) error {
	if path == r.path {
		return &syncerr.StoreUnavailableError{Op: "record success", Attempts: 5, Err: errors.New("database is locked")}
	}
	return r.Recorder.RecordSuccess(ctx, path, contentHash, remoteObjectID, attempt)
}

func TestRunStoreUnavailableAbortsSession(t *testing.T) {
	f := newFixture(t)
	f.write(t, "old.mp3", "old")
	f.run(t)
	require.NoError(t, f.fs.Remove(path.Join(root, "old.mp3")))

	f.write(t, "doomed.wav", "doomed")
	for i := 0; i < 4; i++ {
		f.write(t, fmt.Sprintf("take%d.wav", i), fmt.Sprintf("take-%d", i))
	}

	syncer := f.syncer()
	syncer.recorder = storeDown{Recorder: syncer.store, path: "doomed.wav"}
	s, err := syncer.Run(context.Background(), root)

	require.Error(t, err)
	assert.True(t, syncerr.IsStoreUnavailable(err))
	require.NotNil(t, s)
	assert.Equal(t, models.SessionFailed, s.Status)
	require.NotNil(t, s.ErrorSummary)
	assert.Contains(t, *s.ErrorSummary, "store unavailable")
	assert.GreaterOrEqual(t, s.FilesFailed, int64(1))
	assertCountsAddUp(t, s)

	assert.False(t, f.record(t, "old.mp3").Stale, "an aborted session never marks files stale")
	assert.False(t, f.record(t, "doomed.wav").Synced())
}

func TestRunInterruptedByCaller(t *testing.T) {
	f := newFixture(t)
	f.transport.WriteDelay = 10 * time.Second
	f.write(t, "long.wav", "a long recording")

	ctx, cancel := context.WithCancelCause(context.Background())
	type result struct {
		summary *models.SessionSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := f.syncer().Run(ctx, root)
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool { return f.transport.Creates("long.wav") == 1 },
		5*time.Second, 5*time.Millisecond)
	cancel(fmt.Errorf("%w: user pressed q", syncerr.ErrInterrupted))

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not settle after cancellation")
	}
	assert.ErrorIs(t, r.err, syncerr.ErrInterrupted)
	require.NotNil(t, r.summary)
	assert.Equal(t, models.SessionInterrupted, r.summary.Status)
	require.NotNil(t, r.summary.ErrorSummary)
	assert.Equal(t, "interrupted: user pressed q", *r.summary.ErrorSummary)
	assert.Equal(t, int64(1), r.summary.FilesFailed)
	assert.Zero(t, f.transport.OpenUploads())
	assert.False(t, f.record(t, "long.wav").Synced())
}

func TestRunSessionTimeout(t *testing.T) {
	f := newFixture(t)
	f.config.SessionTimeout = 50 * time.Millisecond
	f.transport.WriteDelay = 10 * time.Second
	f.write(t, "long.wav", "a long recording")

	s, err := f.syncer().Run(context.Background(), root)
	assert.ErrorIs(t, err, syncerr.ErrInterrupted)
	require.NotNil(t, s)
	assert.Equal(t, models.SessionInterrupted, s.Status)
	require.NotNil(t, s.ErrorSummary)
	assert.Contains(t, *s.ErrorSummary, "session timeout")
}

func TestRunMissingRoot(t *testing.T) {
	f := newFixture(t)

	s, err := f.syncer().Run(context.Background(), "/Volumes/NOT_MOUNTED")
	assert.True(t, syncerr.IsSourceGone(err))
	require.NotNil(t, s)
	assert.Equal(t, models.SessionFailed, s.Status)
	assert.Zero(t, s.FilesScanned)
}

func TestRecoverAbandoned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.CreateSession(context.Background(), &models.SyncSession{
		SessionID: "crashed", SourcePath: root, Status: models.SessionInProgress, StartedAt: time.Now().Add(-time.Hour),
	}))

	n, err := f.syncer().RecoverAbandoned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.db.GetSession(context.Background(), "crashed")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInterrupted, got.Status)
}
