package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

const mb = 1024 * 1024

func strPtr(s string) *string { return &s }

func synced(hash string, mtime time.Time) *models.FileRecord {
	return &models.FileRecord{
		Path:           "rec/a.mp3",
		ContentHash:    hash,
		ModTime:        mtime,
		LastSyncedHash: strPtr(hash),
		RemoteObjectID: strPtr("audio/rec/a.mp3"),
		SyncCount:      1,
	}
}

func TestClassify(t *testing.T) {
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	c := New(500 * mb)

	tests := []struct {
		name     string
		observed models.FileMeta
		existing *models.FileRecord
		expected models.Class
	}{
		{
			name:     "untracked",
			observed: models.FileMeta{Path: "rec/a.mp3", Size: 10 * mb, ContentHash: "h1"},
			expected: models.ClassNew,
		},
		{
			name:     "observed but never synced",
			observed: models.FileMeta{Path: "rec/a.mp3", Size: 10, ContentHash: "h1"},
			existing: &models.FileRecord{Path: "rec/a.mp3", ContentHash: "h1"},
			expected: models.ClassNew,
		},
		{
			name:     "content changed",
			observed: models.FileMeta{Path: "rec/a.mp3", Size: 10, ContentHash: "h2", ModTime: t0},
			existing: synced("h1", t0),
			expected: models.ClassModified,
		},
		{
			name:     "same content",
			observed: models.FileMeta{Path: "rec/a.mp3", Size: 10, ContentHash: "h1", ModTime: t0},
			existing: synced("h1", t0),
			expected: models.ClassUnchanged,
		},
		{
			name:     "same content newer mtime",
			observed: models.FileMeta{Path: "rec/a.mp3", Size: 10, ContentHash: "h1", ModTime: t0.Add(48 * time.Hour)},
			existing: synced("h1", t0),
			expected: models.ClassUnchanged,
		},
		{
			name:     "changed content preserved mtime",
			observed: models.FileMeta{Path: "rec/a.mp3", Size: 10, ContentHash: "h9", ModTime: t0},
			existing: synced("h1", t0),
			expected: models.ClassModified,
		},
		{
			name:     "too large",
			observed: models.FileMeta{Path: "rec/d.wav", Size: 600 * mb},
			expected: models.ClassSkipTooLarge,
		},
		{
			name:     "exactly at limit",
			observed: models.FileMeta{Path: "rec/e.wav", Size: 500 * mb, ContentHash: "h"},
			expected: models.ClassNew,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, err := c.Classify(tt.observed, tt.existing)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, class)
		})
	}
}

func TestClassifyMalformed(t *testing.T) {
	c := New(0)

	tests := []struct {
		name     string
		observed models.FileMeta
	}{
		{name: "empty path", observed: models.FileMeta{ContentHash: "h"}},
		{name: "negative size", observed: models.FileMeta{Path: "a.mp3", Size: -1, ContentHash: "h"}},
		{name: "missing hash", observed: models.FileMeta{Path: "a.mp3", Size: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify(tt.observed, nil)
			assert.True(t, syncerr.IsClassification(err), "got %v", err)
		})
	}
}

func TestNoCeiling(t *testing.T) {
	c := New(0)
	assert.False(t, c.ExceedsLimit(1<<40))

	class, err := c.Classify(models.FileMeta{Path: "huge.wav", Size: 1 << 40, ContentHash: "h"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ClassNew, class)
}

func TestNeedsTransfer(t *testing.T) {
	assert.True(t, models.ClassNew.NeedsTransfer())
	assert.True(t, models.ClassModified.NeedsTransfer())
	assert.False(t, models.ClassUnchanged.NeedsTransfer())
	assert.False(t, models.ClassSkipTooLarge.NeedsTransfer())
}
