package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
)

type fakeUpload struct {
	key       string
	initiated time.Time
	opts      minio.PutObjectOptions
	parts     map[int][]byte
}

// fakeS3 is an in-memory multipartAPI.
type fakeS3 struct {
	mu        sync.Mutex
	next      int
	uploads   map[string]*fakeUpload
	objects   map[string][]byte
	created   int
	putParts  []int
	aborted   []string
	bucketOK  bool
	failParts error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{uploads: map[string]*fakeUpload{}, objects: map[string][]byte{}, bucketOK: true}
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.created++
	id := fmt.Sprintf("u%d", f.next)
	f.uploads[id] = &fakeUpload{key: object, initiated: time.Now(), opts: opts, parts: map[int][]byte{}}
	return id, nil
}

func (f *fakeS3) ListMultipartUploads(ctx context.Context, bucket, prefix, keyMarker, uploadIDMarker, delimiter string, maxUploads int) (minio.ListMultipartUploadsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res minio.ListMultipartUploadsResult
	for id, u := range f.uploads {
		res.Uploads = append(res.Uploads, minio.ObjectMultipartInfo{Key: u.key, UploadID: id, Initiated: u.initiated})
	}
	return res, nil
}

func (f *fakeS3) ListObjectParts(ctx context.Context, bucket, object, uploadID string, partNumberMarker, maxParts int) (minio.ListObjectPartsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res minio.ListObjectPartsResult
	for n, b := range f.uploads[uploadID].parts {
		res.ObjectParts = append(res.ObjectParts, minio.ObjectPart{PartNumber: n, ETag: etagOf(b), Size: int64(len(b))})
	}
	return res, nil
}

func (f *fakeS3) PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	if f.failParts != nil {
		return minio.ObjectPart{}, f.failParts
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return minio.ObjectPart{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[uploadID]
	if !ok {
		return minio.ObjectPart{}, minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: 404}
	}
	u.parts[partID] = b
	f.putParts = append(f.putParts, partID)
	return minio.ObjectPart{PartNumber: partID, ETag: etagOf(b), Size: size}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[uploadID]
	if !ok {
		return minio.UploadInfo{}, minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: 404}
	}
	var body []byte
	for _, p := range parts {
		b := u.parts[p.PartNumber]
		if etagOf(b) != p.ETag {
			return minio.UploadInfo{}, minio.ErrorResponse{Code: "InvalidPart", StatusCode: 400}
		}
		body = append(body, b...)
	}
	f.objects[object] = body
	delete(f.uploads, uploadID)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(body))}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, uploadID)
	f.aborted = append(f.aborted, uploadID)
	return nil
}

func (f *fakeS3) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.bucketOK, nil
}

// memLog is an in-memory UploadLog.
type memLog struct {
	mu      sync.Mutex
	pending map[string][2]string
}

func newMemLog() *memLog {
	return &memLog{pending: map[string][2]string{}}
}

func (l *memLog) RememberUpload(ctx context.Context, key, uploadID, contentHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[key] = [2]string{uploadID, contentHash}
	return nil
}

func (l *memLog) PendingUpload(ctx context.Context, key string) (string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[key]
	if !ok {
		return "", "", errors.New("not found")
	}
	return p[0], p[1], nil
}

func (l *memLog) ForgetUpload(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, key)
	return nil
}

func newTestTransport(f *fakeS3) *MinioTransport {
	return newTransport(f, f, "recordings", newMemLog(), log.StandardLogger())
}

// crashedUpload leaves an unfinished upload of key behind, started for
// contentHash, as a run that crashed after the first part would.
func crashedUpload(t *testing.T, f *fakeS3, tr *MinioTransport, key, contentHash string, part1 []byte) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.NewMultipartUpload(ctx, "recordings", key, minio.PutObjectOptions{
		UserMetadata: map[string]string{MetaContentHash: contentHash},
	})
	require.NoError(t, err)
	f.uploads[id].parts[1] = part1
	require.NoError(t, tr.uploads.RememberUpload(ctx, key, id, contentHash))
	return id
}

func meta(path string) transfer.ObjectMeta {
	return transfer.ObjectMeta{Path: path, Size: 8, ModTime: time.Unix(1700000000, 0), ContentHash: "cafe"}
}

func TestFreshUpload(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	h, err := tr.CreateOrResumeUpload(ctx, "field/", meta("day 1/take.mp3"))
	require.NoError(t, err)
	assert.Empty(t, h.UploadID(), "created lazily")

	require.NoError(t, tr.WriteChunk(ctx, h, []byte("abcd")))
	require.NoError(t, tr.WriteChunk(ctx, h, []byte("efgh")))
	id, err := tr.Finalize(ctx, h)
	require.NoError(t, err)

	assert.Equal(t, "recordings/field/day 1/take.mp3", id)
	assert.Equal(t, "abcdefgh", string(f.objects["field/day 1/take.mp3"]))
	assert.Equal(t, []int{1, 2}, f.putParts)
	assert.Equal(t, 1, f.created)
}

func TestUploadMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a&b.flac"))
	require.NoError(t, err)
	require.NoError(t, tr.WriteChunk(ctx, h, []byte("fLaC")))

	u := f.uploads[h.UploadID()]
	require.NotNil(t, u)
	assert.Equal(t, "audio/flac", u.opts.ContentType)
	assert.Equal(t, "cafe", u.opts.UserMetadata[MetaContentHash])
	assert.Equal(t, "aandb.flac", u.opts.UserMetadata[MetaSourcePath])
	assert.Equal(t, "2023-11-14T22:13:20Z", u.opts.UserMetadata[MetaModTime])
}

func TestResumeSkipsMatchingParts(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	id := crashedUpload(t, f, tr, "field/a.wav", "cafe", []byte("abcd"))

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.wav"))
	require.NoError(t, err)
	assert.Equal(t, id, h.UploadID())

	require.NoError(t, tr.WriteChunk(ctx, h, []byte("abcd")))
	require.NoError(t, tr.WriteChunk(ctx, h, []byte("efgh")))
	_, err = tr.Finalize(ctx, h)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, f.putParts)
	assert.Equal(t, 1, f.created)
	assert.Equal(t, "abcdefgh", string(f.objects["field/a.wav"]))

	_, _, err = tr.uploads.PendingUpload(ctx, "field/a.wav")
	assert.Error(t, err, "a completed upload is forgotten")
}

func TestResumeReplacesDifferentParts(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	id := crashedUpload(t, f, tr, "field/a.wav", "cafe", []byte("abc"))

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.wav"))
	require.NoError(t, err)
	assert.Equal(t, id, h.UploadID())
	require.NoError(t, tr.WriteChunk(ctx, h, []byte("abcd")))
	_, err = tr.Finalize(ctx, h)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, f.putParts)
	assert.Equal(t, "abcd", string(f.objects["field/a.wav"]))
}

func TestResumeDiscardsUploadOfOtherContent(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	// The file changed after the crash: the unfinished upload carries the
	// old digest and must not be completed with the new bytes.
	stale := crashedUpload(t, f, tr, "field/a.wav", "oldhash", []byte("old!"))

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.wav"))
	require.NoError(t, err)
	assert.Empty(t, h.UploadID())
	assert.Equal(t, []string{stale}, f.aborted)

	require.NoError(t, tr.WriteChunk(ctx, h, []byte("new!")))
	require.NotEqual(t, stale, h.UploadID())
	u := f.uploads[h.UploadID()]
	require.NotNil(t, u)
	assert.Equal(t, "cafe", u.opts.UserMetadata[MetaContentHash])

	id, hash, err := tr.uploads.PendingUpload(ctx, "field/a.wav")
	require.NoError(t, err)
	assert.Equal(t, h.UploadID(), id)
	assert.Equal(t, "cafe", hash)

	_, err = tr.Finalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "new!", string(f.objects["field/a.wav"]))
	assert.Equal(t, 2, f.created)
}

func TestResumeDiscardsUnknownUpload(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	// Left by a process that kept no record of it.
	id, err := f.NewMultipartUpload(ctx, "recordings", "field/a.wav", minio.PutObjectOptions{})
	require.NoError(t, err)
	f.uploads[id].parts[1] = []byte("abcd")

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.wav"))
	require.NoError(t, err)
	assert.Empty(t, h.UploadID())
	assert.Equal(t, []string{id}, f.aborted)

	withoutLog := newTransport(f, f, "recordings", nil, log.StandardLogger())
	id, err = f.NewMultipartUpload(ctx, "recordings", "field/b.wav", minio.PutObjectOptions{})
	require.NoError(t, err)
	h, err = withoutLog.CreateOrResumeUpload(ctx, "field", meta("b.wav"))
	require.NoError(t, err)
	assert.Empty(t, h.UploadID(), "resuming needs an upload log")
	assert.Contains(t, f.aborted, id)
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.mp3"))
	require.NoError(t, err)
	require.NoError(t, tr.Abort(ctx, h), "nothing started yet")
	assert.Empty(t, f.aborted)

	h, err = tr.CreateOrResumeUpload(ctx, "field", meta("a.mp3"))
	require.NoError(t, err)
	require.NoError(t, tr.WriteChunk(ctx, h, []byte("abcd")))
	require.NoError(t, tr.Abort(ctx, h))
	assert.Equal(t, []string{h.UploadID()}, f.aborted)
	assert.Empty(t, f.uploads)
}

func TestFinalizeWithoutParts(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(newFakeS3())

	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.mp3"))
	require.NoError(t, err)
	_, err = tr.Finalize(ctx, h)
	assert.True(t, syncerr.IsFatal(err))
}

func TestWriteChunkClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	tr := newTestTransport(f)

	f.failParts = minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}
	h, err := tr.CreateOrResumeUpload(ctx, "field", meta("a.mp3"))
	require.NoError(t, err)
	err = tr.WriteChunk(ctx, h, []byte("abcd"))
	assert.True(t, syncerr.IsTransient(err))

	f.failParts = minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	err = tr.WriteChunk(ctx, h, []byte("abcd"))
	assert.True(t, syncerr.IsFatal(err))
}

func TestCheckBucket(t *testing.T) {
	f := newFakeS3()
	tr := newTestTransport(f)
	require.NoError(t, tr.CheckBucket(context.Background()))

	f.bucketOK = false
	assert.True(t, syncerr.IsFatal(tr.CheckBucket(context.Background())))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, true},
		{"no such bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}, true},
		{"wrapped", fmt.Errorf("put: %w", minio.ErrorResponse{Code: "InvalidAccessKeyId"}), true},
		{"other client error", minio.ErrorResponse{Code: "MalformedXML", StatusCode: 400}, true},
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, false},
		{"server error", minio.ErrorResponse{Code: "Unknown", StatusCode: 500}, false},
		{"throttled", minio.ErrorResponse{StatusCode: 429}, false},
		{"network", errors.New("dial tcp: connection refused"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.fatal, syncerr.IsFatal(err))
			assert.Equal(t, !tt.fatal, syncerr.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classify("op", nil))
	assert.Equal(t, context.Canceled, classify("op", context.Canceled))
}
