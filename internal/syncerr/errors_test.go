package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
		aborts    bool
	}{
		{
			name:      "transient",
			err:       Transient("write chunk", errors.New("connection reset")),
			transient: true,
		},
		{
			name:  "fatal",
			err:   Fatal("create upload", errors.New("access denied")),
			fatal: true,
		},
		{
			name:  "wrapped fatal",
			err:   fmt.Errorf("upload a.mp3: %w", Fatal("finalize", errors.New("quota"))),
			fatal: true,
		},
		{
			name: "file changed",
			err:  fmt.Errorf("a.mp3: %w", ErrFileChanged),
		},
		{
			name:      "unclassified",
			err:       context.DeadlineExceeded,
			transient: true,
		},
		{
			name:   "store unavailable",
			err:    &StoreUnavailableError{Op: "upsert", Attempts: 5, Err: errors.New("database is locked")},
			aborts: true,
		},
		{
			name:      "source gone",
			err:       &DiscoverySourceGoneError{Root: "/Volumes/AUDIO_USB", Err: errors.New("no such file")},
			transient: true,
			aborts:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
			assert.Equal(t, tt.aborts, AbortsSession(tt.err), "AbortsSession")
		})
	}
}

func TestIsTransientNil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestClassificationErrorMessage(t *testing.T) {
	err := &ClassificationError{Path: "rec/a.mp3", Reason: "missing content hash"}
	assert.Equal(t, `cannot classify "rec/a.mp3": missing content hash`, err.Error())
	assert.True(t, IsClassification(fmt.Errorf("scan: %w", err)))
}
