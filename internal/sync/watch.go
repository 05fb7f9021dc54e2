package sync

import (
	"context"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// VolumeWatcher is the part of volume.Detector that Watch needs.
type VolumeWatcher interface {
	WaitForVolume(ctx context.Context) (string, error)
	WaitForRemoval(ctx context.Context, path string) error
	WatchRemoval(parent context.Context, path string) (context.Context, context.CancelFunc)
}

// Watch syncs the project volume every time it is mounted: it waits for the
// volume, runs one session while watching for removal, then waits for the
// volume to go away before starting over. It returns nil once ctx ends.
// onSession, when set, receives every finalized session.
func (s *Syncer) Watch(ctx context.Context, volumes VolumeWatcher, onSession func(*models.SessionSummary, error)) error {
	for {
		path, err := volumes.WaitForVolume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.db.UpdateSourcePath(ctx, s.project.Name, path); err != nil {
			s.logger.WithError(err).Warn("failed to record volume path")
		}

		runCtx, stop := volumes.WatchRemoval(ctx, path)
		summary, err := s.Run(runCtx, path)
		stop()
		if onSession != nil {
			onSession(summary, err)
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case summary == nil:
			// The session could not be opened, which only happens when the
			// store is unusable.
			return err
		case syncerr.IsSourceGone(err):
			s.logger.WithField("path", path).Warn("volume removed before the session completed")
		case err != nil:
			s.logger.WithError(err).Warn("session did not complete")
		}

		s.logger.WithField("path", path).Info("waiting for the volume to be removed")
		if err := volumes.WaitForRemoval(ctx, path); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.logger.Debug("volume removed, watching for the next mount")
	}
}
