// Package discovery enumerates the audio files on a source volume.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// DefaultExtensions are the audio formats synced when none are configured.
var DefaultExtensions = []string{".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg"}

// DefaultExcludeFolders are system folders removable volumes commonly carry.
var DefaultExcludeFolders = []string{".Spotlight-V100", ".Trashes", "System Volume Information", "$RECYCLE.BIN"}

var errStopped = errors.New("scan stopped")

// Source yields the candidate files under one root. Each call to Scan starts
// a fresh pass.
type Source interface {
	Root() string
	Scan(ctx context.Context) iter.Seq2[models.FileMeta, error]
}

// Options filters what a Walker reports.
type Options struct {
	Extensions     []string
	ExcludeFolders []string
	Logger         log.FieldLogger
}

// Walker is a Source backed by a filesystem walk.
type Walker struct {
	fs      afero.Fs
	root    string
	exts    map[string]bool
	exclude map[string]bool
	logger  log.FieldLogger
}

// NewWalker creates a walker over root.
func NewWalker(fs afero.Fs, root string, opts Options) *Walker {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.ExcludeFolders == nil {
		opts.ExcludeFolders = DefaultExcludeFolders
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	w := &Walker{
		fs:      fs,
		root:    filepath.Clean(root),
		exts:    make(map[string]bool),
		exclude: make(map[string]bool),
		logger:  opts.Logger.WithField("root", root),
	}
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.exts[ext] = true
	}
	for _, dir := range opts.ExcludeFolders {
		w.exclude[dir] = true
	}
	return w
}

func (w *Walker) Root() string { return w.root }

// IsAudio reports whether name has one of the configured extensions.
func (w *Walker) IsAudio(name string) bool {
	return w.exts[strings.ToLower(filepath.Ext(name))]
}

// Excluded reports whether a folder with this name is skipped.
func (w *Walker) Excluded(name string) bool {
	return name != "" && w.exclude[name]
}

// Scan walks the root lazily. Unreadable entries are yielded as
// ClassificationErrors and the walk continues; a root that is missing or
// vanishes mid-walk is yielded as a DiscoverySourceGoneError and ends the
// sequence. A sequence that ends without an error is complete.
func (w *Walker) Scan(ctx context.Context) iter.Seq2[models.FileMeta, error] {
	return func(yield func(models.FileMeta, error) bool) {
		if _, err := w.fs.Stat(w.root); err != nil {
			yield(models.FileMeta{}, &syncerr.DiscoverySourceGoneError{Root: w.root, Err: err})
			return
		}

		var gone error
		stopped := false
		err := afero.Walk(w.fs, w.root, func(path string, fi os.FileInfo, err error) error {
			if ctx.Err() != nil {
				yield(models.FileMeta{}, context.Cause(ctx))
				stopped = true
				return errStopped
			}
			if err != nil {
				if _, serr := w.fs.Stat(w.root); serr != nil {
					gone = serr
					return errStopped
				}
				rel := w.rel(path)
				if !yield(models.FileMeta{Path: rel, AbsPath: path}, &syncerr.ClassificationError{Path: rel, Reason: "unreadable", Err: err}) {
					stopped = true
					return errStopped
				}
				if fi != nil && fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if fi.IsDir() {
				if path != w.root && w.Excluded(fi.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !fi.Mode().IsRegular() || strings.HasPrefix(fi.Name(), "._") || !w.IsAudio(fi.Name()) {
				return nil
			}
			if fi.Size() == 0 {
				w.logger.WithField("path", path).Debug("skipping empty file")
				return nil
			}

			meta := models.FileMeta{
				Path:    w.rel(path),
				AbsPath: path,
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			}
			if !yield(meta, nil) {
				stopped = true
				return errStopped
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil && !errors.Is(err, errStopped) && !errors.Is(err, filepath.SkipDir) {
			gone = err
		}
		if gone == nil {
			if _, serr := w.fs.Stat(w.root); serr != nil {
				gone = serr
			}
		}
		if gone != nil {
			yield(models.FileMeta{}, &syncerr.DiscoverySourceGoneError{Root: w.root, Err: fmt.Errorf("walk: %w", gone)})
		}
	}
}

func (w *Walker) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
