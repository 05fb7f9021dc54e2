package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eiannone/keyboard"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/config"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/db"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/logging"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/metrics"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/notify"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/remote"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/report"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/sync"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/volume"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/version"
)

// cfg is loaded once in the app's Before hook.
var cfg config.Config

func projectFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "project",
		Aliases:  []string{"p"},
		Usage:    "Project name",
		Required: true,
	}
}

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "vsync",
		Usage:                "Sync audio recordings from a removable volume to MinIO",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file",
				Value: config.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory holding the project databases",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.String())
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a new sync project",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Project name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "volume",
						Usage:    "Volume identifier: part of the volume name or the content of its .volumeID file",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "mount-root",
						Usage: "Directory removable volumes are mounted under",
						Value: volume.DefaultMountRoot(),
					},
					&cli.StringFlag{
						Name:     "endpoint",
						Usage:    "MinIO endpoint",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "bucket",
						Usage:    "MinIO bucket name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "folder",
						Usage: "Destination folder path",
					},
					&cli.StringFlag{
						Name:     "access-key",
						Usage:    "MinIO access key",
						EnvVars:  []string{"VSYNC_ACCESS_KEY"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "secret-key",
						Usage:    "MinIO secret key",
						EnvVars:  []string{"VSYNC_SECRET_KEY"},
						Required: true,
					},
					&cli.StringFlag{
						Name:  "region",
						Usage: "Bucket region",
					},
					&cli.BoolFlag{
						Name:  "insecure",
						Usage: "Connect over plain HTTP",
					},
				},
				Action: createProject,
			},
			{
				Name:  "sync",
				Usage: "Run one sync session",
				Flags: []cli.Flag{
					projectFlag(),
					&cli.StringFlag{
						Name:  "source",
						Usage: "Source directory; detected from the volume identifier when empty",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel uploads (overrides parallel_uploads)",
					},
					&cli.BoolFlag{
						Name:  "interactive",
						Usage: "Press q or Esc to stop the session",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Do not draw the progress bar",
					},
				},
				Action: startSync,
			},
			{
				Name:  "watch",
				Usage: "Sync every time the project volume is mounted",
				Flags: []cli.Flag{
					projectFlag(),
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel uploads (overrides parallel_uploads)",
					},
				},
				Action: watchVolume,
			},
			{
				Name:  "status",
				Usage: "Show project status",
				Flags: []cli.Flag{
					projectFlag(),
				},
				Action: showStatus,
			},
			{
				Name:  "sessions",
				Usage: "List recent sync sessions",
				Flags: []cli.Flag{
					projectFlag(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of sessions to show",
						Value: 10,
					},
				},
				Action: listSessions,
			},
			{
				Name:  "export",
				Usage: "Export session history as JSON or XLSX",
				Flags: []cli.Flag{
					projectFlag(),
					&cli.StringFlag{
						Name:     "output",
						Aliases:  []string{"o"},
						Usage:    "Output file; the .xlsx extension selects a workbook",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "session",
						Usage: "Only export this session",
					},
				},
				Action: exportHistory,
			},
			{
				Name:  "cleanup",
				Usage: "Delete old sessions and attempts; file records are kept",
				Flags: []cli.Flag{
					projectFlag(),
					&cli.IntFlag{
						Name:  "days",
						Usage: "Keep history of the last N days",
						Value: 90,
					},
				},
				Action: cleanupHistory,
			},
			{
				Name:  "stats",
				Usage: "Show upload statistics",
				Flags: []cli.Flag{
					projectFlag(),
				},
				Action: showStats,
			},
			{
				Name:  "duplicates",
				Usage: "List tracked files that share the same content",
				Flags: []cli.Flag{
					projectFlag(),
				},
				Action: showDuplicates,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the configuration and configures logging. Flags win over the
// environment, which wins over the config file.
func setup(c *cli.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	loaded, err := config.Load(afero.NewOsFs(), c.String("config"))
	if err != nil {
		return err
	}
	if dir := c.String("data-dir"); dir != "" {
		loaded.DataDir = dir
	}
	if level := c.String("log-level"); level != "" {
		loaded.LogLevel = level
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	_, err = logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	return err
}

func openProject(ctx context.Context, name string) (*db.DB, *models.Project, error) {
	database, err := db.New(cfg.DataDir, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	project, err := database.GetProject(ctx, name)
	if err != nil {
		database.Close()
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, fmt.Errorf("project %q does not exist, create it first", name)
		}
		return nil, nil, fmt.Errorf("failed to get project: %w", err)
	}
	return database, project, nil
}

// createProject stores a new project: the volume to look for and the
// destination bucket and folder its files are copied to.
func createProject(c *cli.Context) error {
	projectName := c.String("name")

	database, err := db.New(cfg.DataDir, projectName)
	if err != nil {
		return err
	}
	defer database.Close()

	// Clean and validate folder path
	folder := strings.Trim(c.String("folder"), "/")
	if folder != "" {
		folder = folder + "/"
	}

	project := &models.Project{
		Name:      projectName,
		VolumeID:  c.String("volume"),
		MountRoot: c.String("mount-root"),
	}
	project.Destination.Endpoint = c.String("endpoint")
	project.Destination.Bucket = c.String("bucket")
	project.Destination.Folder = folder
	project.Destination.AccessKey = c.String("access-key")
	project.Destination.SecretKey = c.String("secret-key")
	project.Destination.Region = c.String("region")
	project.Destination.Secure = !c.Bool("insecure")

	if err := database.CreateProject(c.Context, project); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	fmt.Printf("Project '%s' created successfully\n", projectName)
	return nil
}

// engine is what sync and watch share: the database, the syncer and the
// event pipeline feeding logs, metrics and the console.
type engine struct {
	db         *db.DB
	project    *models.Project
	syncer     *sync.Syncer
	dispatcher *notify.Dispatcher
}

func (r *engine) Close() {
	r.dispatcher.Close()
	if dropped := r.dispatcher.Dropped(); dropped > 0 {
		log.WithField("events", dropped).Debug("dropped notifications")
	}
	r.db.Close()
}

func newEngine(ctx context.Context, c *cli.Context, withBar bool) (*engine, error) {
	database, project, err := openProject(ctx, c.String("project"))
	if err != nil {
		return nil, err
	}

	logger := log.WithField("project", project.Name)
	transport, err := remote.NewMinioTransport(project, database, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	if err := transport.CheckBucket(ctx); err != nil {
		database.Close()
		return nil, err
	}

	handlers := []notify.Handler{sync.NewProgress(os.Stdout, withBar, nil)}
	if cfg.NotificationEnabled {
		handlers = append(handlers, notify.LogHandler{Logger: logger})
	}
	if cfg.MetricsAddr != "" {
		m := metrics.New()
		handlers = append(handlers, m)
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}
	dispatcher := notify.NewDispatcher(0, handlers...)

	syncerConfig := sync.SyncerConfig{
		Transfer:       cfg.TransferConfig(),
		MaxFileSize:    cfg.MaxFileSize(),
		SessionTimeout: cfg.SessionTimeout.Duration,
		Extensions:     cfg.AudioExtensions,
		ExcludeFolders: cfg.ExcludeFolders,
	}
	if workers := c.Int("workers"); workers > 0 {
		syncerConfig.Transfer.ParallelUploads = workers
	}

	syncer := sync.NewSyncer(database, project, transport, &syncerConfig, sync.WithPublisher(dispatcher))
	if _, err := syncer.RecoverAbandoned(ctx); err != nil {
		log.WithError(err).Warn("failed to close abandoned sessions")
	}
	return &engine{db: database, project: project, syncer: syncer, dispatcher: dispatcher}, nil
}

// signalContext is cancelled with ErrInterrupted on SIGINT or SIGTERM so the
// open session is finalized as interrupted.
func signalContext(parent context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.WithField("signal", sig).Warn("stopping")
			cancel(fmt.Errorf("%w: received %s", syncerr.ErrInterrupted, sig))
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// watchKeys cancels ctx when q or Esc is pressed.
func watchKeys(ctx context.Context, cancel context.CancelCauseFunc) (stop func(), err error) {
	keys, err := keyboard.GetKeys(10)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyboard: %w", err)
	}
	fmt.Println("Press q or Esc to stop")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-keys:
				if !ok || event.Err != nil {
					return
				}
				if event.Rune == 'q' || event.Key == keyboard.KeyEsc || event.Key == keyboard.KeyCtrlC {
					cancel(fmt.Errorf("%w: stopped from the keyboard", syncerr.ErrInterrupted))
					return
				}
			}
		}
	}()
	return func() { _ = keyboard.Close() }, nil
}

func startSync(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel(nil)

	rt, err := newEngine(ctx, c, !c.Bool("no-progress"))
	if err != nil {
		return err
	}
	defer rt.Close()

	source := c.String("source")
	if source == "" {
		detector := volume.NewDetector(afero.NewOsFs(), rt.project.MountRoot, rt.project.VolumeID, volume.Options{})
		if source, err = detector.Find(); err != nil {
			return fmt.Errorf("volume %q not found under %s: %w", rt.project.VolumeID, rt.project.MountRoot, err)
		}
		if err := rt.db.UpdateSourcePath(ctx, rt.project.Name, source); err != nil {
			log.WithError(err).Warn("failed to record volume path")
		}
	}

	if c.Bool("interactive") {
		stop, err := watchKeys(ctx, cancel)
		if err != nil {
			return err
		}
		defer stop()
	}

	summary, err := rt.syncer.Run(ctx, source)
	if summary == nil {
		return err
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("session %s %s: %v", summary.SessionID, summary.Status, err), 1)
	}
	return nil
}

func watchVolume(c *cli.Context) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel(nil)

	rt, err := newEngine(ctx, c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	detector := volume.NewDetector(afero.NewOsFs(), rt.project.MountRoot, rt.project.VolumeID, volume.Options{
		PollInterval: cfg.PollInterval.Duration,
	})
	return rt.syncer.Watch(ctx, detector, func(summary *models.SessionSummary, err error) {
		if summary == nil {
			return
		}
		log.WithFields(log.Fields{
			"session":  summary.SessionID,
			"status":   summary.Status,
			"uploaded": summary.FilesUploaded,
		}).Info("volume sync finished")
	})
}

// showStatus shows the status of the project
//
// It will show the number of tracked files, files synced, files pending, and
// the last session.
func showStatus(c *cli.Context) error {
	database, project, err := openProject(c.Context, c.String("project"))
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	lastSource, err := database.GetSetting(c.Context, sync.LastSourceSetting, "never")
	if err != nil {
		return err
	}

	fmt.Printf("Project: %s\n", project.Name)
	fmt.Printf("Database: %s\n", database.Path())
	fmt.Printf("Volume: %s (under %s)\n", project.VolumeID, project.MountRoot)
	fmt.Printf("Last synced source: %s\n", lastSource)
	fmt.Printf("Destination: %s/%s/%s\n", project.Destination.Endpoint, project.Destination.Bucket, project.Destination.Folder)
	fmt.Printf("Tracked Files: %s (Size: %s)\n", humanize.Comma(stats.TotalFiles), humanize.IBytes(uint64(stats.TotalSize)))
	fmt.Printf("Files Synced: %s (Size: %s)\n", humanize.Comma(stats.SyncedFiles), humanize.IBytes(uint64(stats.SyncedSize)))
	fmt.Printf("Files Pending: %s (Size: %s)\n", humanize.Comma(stats.PendingFiles), humanize.IBytes(uint64(stats.PendingSize)))
	fmt.Printf("Stale Files: %s\n", humanize.Comma(stats.StaleFiles))

	if stats.TotalFiles > 0 && stats.TotalSize > 0 {
		fileProgress := float64(stats.SyncedFiles) / float64(stats.TotalFiles) * 100
		sizeProgress := float64(stats.SyncedSize) / float64(stats.TotalSize) * 100
		fmt.Printf("Progress: %.2f%% (Files), %.2f%% (Size)\n", fileProgress, sizeProgress)
	}

	if s := stats.LastSession; s != nil {
		fmt.Printf("Last Session: %s, %s %s\n", s.SessionID, s.Status, humanize.Time(s.StartedAt))
	}
	return nil
}

func listSessions(c *cli.Context) error {
	database, _, err := openProject(c.Context, c.String("project"))
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := database.ListSessions(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet")
		return nil
	}
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s  %-11s  %s  %8s  scanned %d, uploaded %d, unchanged %d, skipped %d, failed %d (%s)\n",
			s.SessionID,
			s.Status,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			duration,
			s.FilesScanned, s.FilesUploaded, s.FilesUnchanged, s.FilesSkipped, s.FilesFailed,
			humanize.IBytes(uint64(s.TotalBytes)),
		)
		if s.ErrorSummary != nil {
			fmt.Printf("    %s\n", *s.ErrorSummary)
		}
	}
	return nil
}

func exportHistory(c *cli.Context) error {
	database, _, err := openProject(c.Context, c.String("project"))
	if err != nil {
		return err
	}
	defer database.Close()

	history, err := report.Load(c.Context, database, c.String("session"))
	if err != nil {
		return err
	}
	output := c.String("output")
	if err := report.Export(afero.NewOsFs(), output, history); err != nil {
		return err
	}
	fmt.Printf("Exported %d sessions and %d attempts to %s\n", len(history.Sessions), len(history.Attempts), output)
	return nil
}

func cleanupHistory(c *cli.Context) error {
	days := c.Int("days")
	if days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	database, _, err := openProject(c.Context, c.String("project"))
	if err != nil {
		return err
	}
	defer database.Close()

	cutoff := time.Now().AddDate(0, 0, -days)
	sessions, attempts, err := database.CleanupOldRecords(c.Context, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Printf("Cleanup completed: %d sessions, %d attempts deleted\n", sessions, attempts)
	return nil
}

func showStats(c *cli.Context) error {
	database, _, err := openProject(c.Context, c.String("project"))
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.GetHistoryStats(c.Context, time.Now())
	if err != nil {
		return err
	}

	fmt.Println("Overall:")
	fmt.Printf("  Sessions with uploads: %s\n", humanize.Comma(stats.TotalSessions))
	fmt.Printf("  Uploads: %s (%s)\n", humanize.Comma(stats.TotalUploads), humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Printf("  Unique contents: %s\n", humanize.Comma(stats.UniqueHashes))
	fmt.Println("Today:")
	fmt.Printf("  Uploads: %s (%s)\n", humanize.Comma(stats.UploadsToday), humanize.IBytes(uint64(stats.BytesToday)))
	fmt.Printf("Failed attempts in the last 7 days: %s\n", humanize.Comma(stats.RecentErrors))
	if len(stats.ByExtension) > 0 {
		fmt.Println("By extension:")
		for _, ext := range stats.ByExtension {
			fmt.Printf("  %-6s %6s files  %s\n", ext.Extension, humanize.Comma(ext.Count), humanize.IBytes(uint64(ext.TotalSize)))
		}
	}
	return nil
}

func showDuplicates(c *cli.Context) error {
	database, _, err := openProject(c.Context, c.String("project"))
	if err != nil {
		return err
	}
	defer database.Close()

	groups, err := database.GetDuplicates(c.Context)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No duplicate contents found")
		return nil
	}
	var wasted int64
	for _, g := range groups {
		fmt.Printf("%s (%d copies, %s)\n", shortHash(g.ContentHash), len(g.Paths), humanize.IBytes(uint64(g.TotalSize)))
		for _, p := range g.Paths {
			fmt.Printf("  %s\n", p)
		}
		wasted += g.TotalSize - g.TotalSize/int64(len(g.Paths))
	}
	fmt.Printf("%d groups, %s in redundant copies\n", len(groups), humanize.IBytes(uint64(wasted)))
	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
