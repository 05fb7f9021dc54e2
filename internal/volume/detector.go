// Package volume locates the removable volume a project syncs from.
package volume

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
)

// IDFile is the marker file whose content may identify a volume.
const IDFile = ".volumeID"

// ErrNotMounted is returned when no mounted volume matches the identifier.
var ErrNotMounted = errors.New("volume not mounted")

// DefaultMountRoot is where removable volumes are mounted on this platform.
func DefaultMountRoot() string {
	if runtime.GOOS == "darwin" {
		return "/Volumes"
	}
	if user := os.Getenv("USER"); user != "" {
		return filepath.Join("/media", user)
	}
	return "/media"
}

// Options tunes polling.
type Options struct {
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       log.FieldLogger
}

// Detector finds the volume named by an identifier under a mount root.
type Detector struct {
	fs         afero.Fs
	mountRoot  string
	identifier string
	interval   time.Duration
	clock      clockwork.Clock
	logger     log.FieldLogger
}

// NewDetector creates a detector. Volumes match when their directory name
// contains identifier or their .volumeID file holds exactly identifier.
func NewDetector(fs afero.Fs, mountRoot, identifier string, opts Options) *Detector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Detector{
		fs:         fs,
		mountRoot:  mountRoot,
		identifier: identifier,
		interval:   opts.PollInterval,
		clock:      opts.Clock,
		logger:     opts.Logger.WithField("volume", identifier),
	}
}

// Matches reports whether the volume mounted at path is the target.
func (d *Detector) Matches(path string) bool {
	if d.identifier == "" {
		return false
	}
	if strings.Contains(filepath.Base(path), d.identifier) {
		return true
	}
	id, err := afero.ReadFile(d.fs, filepath.Join(path, IDFile))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(id)) == d.identifier
}

// Find returns the mount path of the target volume.
func (d *Detector) Find() (string, error) {
	entries, err := afero.ReadDir(d.fs, d.mountRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotMounted
		}
		return "", err
	}
	for _, fi := range entries {
		if !fi.IsDir() {
			continue
		}
		path := filepath.Join(d.mountRoot, fi.Name())
		if d.Matches(path) {
			return path, nil
		}
	}
	return "", ErrNotMounted
}

// WaitForVolume polls until the target volume is mounted or ctx ends.
func (d *Detector) WaitForVolume(ctx context.Context) (string, error) {
	d.logger.WithField("mountRoot", d.mountRoot).Info("waiting for volume")
	for {
		path, err := d.Find()
		if err == nil {
			d.logger.WithField("path", path).Info("volume detected")
			return path, nil
		}
		if !errors.Is(err, ErrNotMounted) {
			d.logger.WithError(err).Warn("failed to list mounted volumes")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-d.clock.After(d.interval):
		}
	}
}

// WaitForRemoval polls until path is gone or ctx ends.
func (d *Detector) WaitForRemoval(ctx context.Context, path string) error {
	for {
		if _, err := d.fs.Stat(path); err != nil {
			d.logger.WithField("path", path).Info("volume removed")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.interval):
		}
	}
}

// WatchRemoval derives a context that is cancelled with a
// DiscoverySourceGoneError when path disappears. Call stop to release it.
func (d *Detector) WatchRemoval(parent context.Context, path string) (ctx context.Context, stop context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(d.interval):
			}
			if _, err := d.fs.Stat(path); err != nil {
				d.logger.WithField("path", path).Warn("volume removed during sync")
				cancel(&syncerr.DiscoverySourceGoneError{Root: path, Err: err})
				return
			}
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
