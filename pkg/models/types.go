package models

import "time"

// Project is a named sync job: one removable volume mirrored into one
// destination folder.
type Project struct {
	Name string
	// VolumeID is matched against mounted volume names and their .volumeID file.
	VolumeID string
	// MountRoot is the directory removable volumes are mounted under.
	MountRoot string
	// SourcePath is the last path the volume was found at.
	SourcePath  string
	Destination struct {
		Endpoint  string
		Bucket    string
		Folder    string
		AccessKey string
		SecretKey string
		Region    string
		Secure    bool
	}
	CreatedAt time.Time
}

// FileMeta is one candidate file reported by discovery.
type FileMeta struct {
	// Path is relative to the source root and slash separated.
	Path    string
	AbsPath string
	Size    int64
	ModTime time.Time
	// ContentHash is empty until the file has been hashed.
	ContentHash string
}

// Class is the outcome of change classification.
type Class string

const (
	ClassNew          Class = "NEW"
	ClassModified     Class = "MODIFIED"
	ClassUnchanged    Class = "UNCHANGED"
	ClassSkipTooLarge Class = "SKIP_TOO_LARGE"
)

// NeedsTransfer reports whether files of this class are uploaded.
func (c Class) NeedsTransfer() bool {
	return c == ClassNew || c == ClassModified
}
