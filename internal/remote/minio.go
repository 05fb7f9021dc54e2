// Package remote stores synced files in an S3-compatible bucket.
package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// Object metadata keys. minio-go adds the X-Amz-Meta- prefix.
const (
	MetaContentHash = "Content-Blake2b"
	MetaSourcePath  = "Source-Path"
	MetaModTime     = "Source-Mtime"
)

// multipartAPI is the subset of minio.Core the transport drives.
type multipartAPI interface {
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	ListMultipartUploads(ctx context.Context, bucket, prefix, keyMarker, uploadIDMarker, delimiter string, maxUploads int) (minio.ListMultipartUploadsResult, error)
	ListObjectParts(ctx context.Context, bucket, object, uploadID string, partNumberMarker, maxParts int) (minio.ListObjectPartsResult, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

type bucketAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// UploadLog remembers which content digest each unfinished multipart upload
// was started for. S3 does not list the metadata of unfinished uploads, so
// without it a resumed upload could complete under another file's digest.
// It is satisfied by *db.DB.
type UploadLog interface {
	RememberUpload(ctx context.Context, key, uploadID, contentHash string) error
	PendingUpload(ctx context.Context, key string) (uploadID, contentHash string, err error)
	ForgetUpload(ctx context.Context, key string) error
}

// upload is the transfer.Handle of a multipart upload. The remote upload is
// created lazily on the first chunk so the content type can be sniffed.
type upload struct {
	key      string
	meta     transfer.ObjectMeta
	id       string
	resumed  map[int]minio.ObjectPart
	parts    []minio.CompletePart
	nextPart int
}

func (u *upload) UploadID() string { return u.id }

// MinioTransport implements transfer.Transport with S3 multipart uploads.
type MinioTransport struct {
	api     multipartAPI
	bucket  bucketAPI
	name    string
	uploads UploadLog
	logger  log.FieldLogger
}

// NewMinioTransport connects to the project's destination. Unfinished
// uploads are resumed only when uploads remembers them for the same content;
// a nil log disables resuming.
func NewMinioTransport(project *models.Project, uploads UploadLog, logger log.FieldLogger) (*MinioTransport, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	dest := project.Destination
	region := dest.Region
	if region == "" {
		region = "auto"
	}
	core, err := minio.NewCore(dest.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(dest.AccessKey, dest.SecretKey, ""),
		Secure:       dest.Secure,
		Transport:    tr,
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return newTransport(core, core.Client, dest.Bucket, uploads, logger), nil
}

func newTransport(api multipartAPI, bucket bucketAPI, name string, uploads UploadLog, logger log.FieldLogger) *MinioTransport {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &MinioTransport{
		api:     api,
		bucket:  bucket,
		name:    name,
		uploads: uploads,
		logger:  logger.WithField("bucket", name),
	}
}

// CheckBucket fails fatally when the destination bucket does not exist.
func (t *MinioTransport) CheckBucket(ctx context.Context) error {
	ok, err := t.bucket.BucketExists(ctx, t.name)
	if err != nil {
		return classify("check bucket", err)
	}
	if !ok {
		return syncerr.Fatal("check bucket", fmt.Errorf("bucket %q does not exist", t.name))
	}
	return nil
}

// CreateOrResumeUpload looks for an unfinished upload of the same key left
// by an earlier run and reuses its parts when it was started for the same
// content digest. An unfinished upload of other content is aborted, and a
// new upload is started with the first chunk. Callers must not upload one
// key concurrently.
func (t *MinioTransport) CreateOrResumeUpload(ctx context.Context, folderHint string, meta transfer.ObjectMeta) (transfer.Handle, error) {
	u := &upload{key: ObjectKey(folderHint, meta.Path), meta: meta, nextPart: 1}

	id, err := t.latestUpload(ctx, u.key)
	if err != nil {
		return nil, classify("list uploads", err)
	}
	if id == "" {
		return u, nil
	}
	if !t.startedFor(ctx, u.key, id, meta.ContentHash) {
		t.logger.WithFields(log.Fields{
			"key":    u.key,
			"upload": id,
		}).Info("discarding unfinished upload of other content")
		if err := t.api.AbortMultipartUpload(ctx, t.name, u.key, id); err != nil {
			return nil, classify("abort stale upload", err)
		}
		t.forget(ctx, u.key)
		return u, nil
	}

	parts, err := t.listParts(ctx, u.key, id)
	if err != nil {
		return nil, classify("list parts", err)
	}
	u.id = id
	u.resumed = parts
	t.logger.WithFields(log.Fields{
		"key":    u.key,
		"upload": id,
		"parts":  len(parts),
	}).Info("resuming multipart upload")
	return u, nil
}

// startedFor reports whether upload id of key was started for contentHash.
func (t *MinioTransport) startedFor(ctx context.Context, key, id, contentHash string) bool {
	if t.uploads == nil {
		return false
	}
	pendingID, pendingHash, err := t.uploads.PendingUpload(ctx, key)
	if err != nil {
		t.logger.WithField("key", key).WithError(err).Debug("no remembered upload")
		return false
	}
	return pendingID == id && pendingHash == contentHash
}

func (t *MinioTransport) remember(ctx context.Context, u *upload) {
	if t.uploads == nil {
		return
	}
	if err := t.uploads.RememberUpload(context.WithoutCancel(ctx), u.key, u.id, u.meta.ContentHash); err != nil {
		t.logger.WithField("key", u.key).WithError(err).Warn("failed to remember upload; it will not be resumed")
	}
}

func (t *MinioTransport) forget(ctx context.Context, key string) {
	if t.uploads == nil {
		return
	}
	if err := t.uploads.ForgetUpload(context.WithoutCancel(ctx), key); err != nil {
		t.logger.WithField("key", key).WithError(err).Warn("failed to forget upload")
	}
}

func (t *MinioTransport) latestUpload(ctx context.Context, key string) (string, error) {
	var id string
	var initiated time.Time
	keyMarker, uploadIDMarker := "", ""
	for {
		res, err := t.api.ListMultipartUploads(ctx, t.name, key, keyMarker, uploadIDMarker, "", 1000)
		if err != nil {
			return "", err
		}
		for _, up := range res.Uploads {
			if up.Key == key && (id == "" || up.Initiated.After(initiated)) {
				id, initiated = up.UploadID, up.Initiated
			}
		}
		if !res.IsTruncated {
			return id, nil
		}
		keyMarker, uploadIDMarker = res.NextKeyMarker, res.NextUploadIDMarker
	}
}

func (t *MinioTransport) listParts(ctx context.Context, key, id string) (map[int]minio.ObjectPart, error) {
	parts := make(map[int]minio.ObjectPart)
	marker := 0
	for {
		res, err := t.api.ListObjectParts(ctx, t.name, key, id, marker, 1000)
		if err != nil {
			return nil, err
		}
		for _, p := range res.ObjectParts {
			parts[p.PartNumber] = p
		}
		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

// WriteChunk uploads the next part. A part already present from an earlier
// attempt with the same MD5 is kept instead of being sent again.
func (t *MinioTransport) WriteChunk(ctx context.Context, h transfer.Handle, chunk []byte) error {
	u := h.(*upload)
	sum := md5.Sum(chunk)
	etag := hex.EncodeToString(sum[:])
	partNumber := u.nextPart

	if u.id == "" {
		id, err := t.api.NewMultipartUpload(ctx, t.name, u.key, t.putOptions(u, chunk))
		if err != nil {
			return classify("create upload", err)
		}
		u.id = id
		t.remember(ctx, u)
	}

	if existing, ok := u.resumed[partNumber]; ok && strings.Trim(existing.ETag, `"`) == etag && existing.Size == int64(len(chunk)) {
		u.parts = append(u.parts, minio.CompletePart{PartNumber: partNumber, ETag: existing.ETag})
		u.nextPart++
		return nil
	}

	part, err := t.api.PutObjectPart(ctx, t.name, u.key, u.id, partNumber, bytes.NewReader(chunk), int64(len(chunk)),
		minio.PutObjectPartOptions{Md5Base64: base64.StdEncoding.EncodeToString(sum[:])})
	if err != nil {
		return classify("upload part", err)
	}
	u.parts = append(u.parts, minio.CompletePart{PartNumber: partNumber, ETag: part.ETag})
	u.nextPart++
	return nil
}

// Finalize completes the upload and returns "<bucket>/<key>".
func (t *MinioTransport) Finalize(ctx context.Context, h transfer.Handle) (string, error) {
	u := h.(*upload)
	if u.id == "" || len(u.parts) == 0 {
		return "", syncerr.Fatal("complete upload", errors.New("no parts were uploaded"))
	}
	_, err := t.api.CompleteMultipartUpload(ctx, t.name, u.key, u.id, u.parts, minio.PutObjectOptions{})
	if err != nil {
		return "", classify("complete upload", err)
	}
	t.forget(ctx, u.key)
	return t.name + "/" + u.key, nil
}

// Abort discards the remote upload, if one was started.
func (t *MinioTransport) Abort(ctx context.Context, h transfer.Handle) error {
	u := h.(*upload)
	if u.id == "" {
		return nil
	}
	if err := t.api.AbortMultipartUpload(ctx, t.name, u.key, u.id); err != nil {
		return classify("abort upload", err)
	}
	t.forget(ctx, u.key)
	return nil
}

func (t *MinioTransport) putOptions(u *upload, head []byte) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType: ContentType(u.meta.Path, head),
		UserMetadata: map[string]string{
			MetaContentHash: u.meta.ContentHash,
			MetaSourcePath:  sanitizePath(u.meta.Path),
			MetaModTime:     u.meta.ModTime.UTC().Format(time.RFC3339),
		},
	}
}
