package db

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// GetStats returns statistics about files in the project
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total_files,
			COALESCE(SUM(size), 0) as total_size,
			COUNT(CASE WHEN remote_object_id IS NOT NULL AND last_synced_hash = content_hash THEN 1 END) as synced_files,
			COALESCE(SUM(CASE WHEN remote_object_id IS NOT NULL AND last_synced_hash = content_hash THEN size ELSE 0 END), 0) as synced_size,
			COUNT(CASE WHEN stale = 0 AND (last_synced_hash IS NULL OR last_synced_hash != content_hash) THEN 1 END) as pending_files,
			COALESCE(SUM(CASE WHEN stale = 0 AND (last_synced_hash IS NULL OR last_synced_hash != content_hash) THEN size ELSE 0 END), 0) as pending_size,
			COUNT(CASE WHEN stale = 1 THEN 1 END) as stale_files
		FROM file_records
	`).Scan(
		&stats.TotalFiles,
		&stats.TotalSize,
		&stats.SyncedFiles,
		&stats.SyncedSize,
		&stats.PendingFiles,
		&stats.PendingSize,
		&stats.StaleFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&stats.TotalSessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	sessions, err := db.ListSessions(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to load last session: %w", err)
	}
	if len(sessions) > 0 {
		stats.LastSession = &sessions[0]
	}
	return &stats, nil
}

// GetHistoryStats aggregates the attempt history: overall, since the start
// of now's day, errors over the past week and successful uploads by extension.
func (db *DB) GetHistoryStats(ctx context.Context, now time.Time) (*models.HistoryStats, error) {
	var stats models.HistoryStats
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT session_id), COUNT(*), COALESCE(SUM(bytes_sent), 0)
		FROM transfer_attempts WHERE outcome = ?
	`, string(models.OutcomeSuccess)).Scan(&stats.TotalSessions, &stats.TotalUploads, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to get overall stats: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT last_synced_hash) FROM file_records WHERE last_synced_hash IS NOT NULL
	`).Scan(&stats.UniqueHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to count unique hashes: %w", err)
	}

	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(bytes_sent), 0)
		FROM transfer_attempts WHERE outcome = ? AND finished_at >= ?
	`, string(models.OutcomeSuccess), dayStart).Scan(&stats.UploadsToday, &stats.BytesToday)
	if err != nil {
		return nil, fmt.Errorf("failed to get today's stats: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transfer_attempts WHERE outcome != ? AND finished_at >= ?
	`, string(models.OutcomeSuccess), now.Add(-7*24*time.Hour)).Scan(&stats.RecentErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent errors: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT path, size FROM file_records WHERE sync_count > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to list synced files: %w", err)
	}
	defer rows.Close()

	byExt := map[string]*models.ExtensionStat{}
	for rows.Next() {
		var p string
		var size int64
		if err := rows.Scan(&p, &size); err != nil {
			return nil, err
		}
		ext := strings.ToLower(path.Ext(p))
		st, ok := byExt[ext]
		if !ok {
			st = &models.ExtensionStat{Extension: ext}
			byExt[ext] = st
		}
		st.Count++
		st.TotalSize += size
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, st := range byExt {
		stats.ByExtension = append(stats.ByExtension, *st)
	}
	sort.Slice(stats.ByExtension, func(i, j int) bool {
		if stats.ByExtension[i].Count != stats.ByExtension[j].Count {
			return stats.ByExtension[i].Count > stats.ByExtension[j].Count
		}
		return stats.ByExtension[i].Extension < stats.ByExtension[j].Extension
	})
	return &stats, nil
}

// GetDuplicates groups tracked, non-stale paths whose current content hash
// is shared by more than one path.
func (db *DB) GetDuplicates(ctx context.Context) ([]models.DuplicateGroup, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT content_hash, path, size FROM file_records
		WHERE stale = 0 AND content_hash IN (
			SELECT content_hash FROM file_records WHERE stale = 0
			GROUP BY content_hash HAVING COUNT(*) > 1
		)
		ORDER BY content_hash, path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.DuplicateGroup
	for rows.Next() {
		var hash, p string
		var size int64
		if err := rows.Scan(&hash, &p, &size); err != nil {
			return nil, err
		}
		if len(groups) == 0 || groups[len(groups)-1].ContentHash != hash {
			groups = append(groups, models.DuplicateGroup{ContentHash: hash})
		}
		g := &groups[len(groups)-1]
		g.Paths = append(g.Paths, p)
		g.TotalSize += size
	}
	return groups, rows.Err()
}
