package remote

import (
	"context"
	"errors"
	"net/http"

	"github.com/minio/minio-go/v7"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
)

var fatalCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"QuotaExceeded":         true,
	"EntityTooLarge":        true,
	"InvalidArgument":       true,
	"XMinioStorageFull":     true,
}

var transientCodes = map[string]bool{
	"SlowDown":                   true,
	"RequestTimeout":             true,
	"InternalError":              true,
	"ServiceUnavailable":         true,
	"NoSuchUpload":               true,
	"XMinioServerNotInitialized": true,
}

// classify tags err as transient or fatal for the retry policy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch {
		case fatalCodes[resp.Code]:
			return syncerr.Fatal(op, err)
		case transientCodes[resp.Code]:
			return syncerr.Transient(op, err)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			return syncerr.Transient(op, err)
		case resp.StatusCode >= http.StatusBadRequest:
			return syncerr.Fatal(op, err)
		}
	}

	// Network failures, timeouts and anything unrecognised are retried.
	return syncerr.Transient(op, err)
}
