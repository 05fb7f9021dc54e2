package sync

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/jonboulle/clockwork"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/notify"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/utils"
)

// Progress renders session events on a console. With a bar it drives a
// byte-based pb bar; otherwise it rewrites a single status line. Counters
// reset when a session starts.
type Progress struct {
	out   io.Writer
	clock clockwork.Clock
	bar   *pb.ProgressBar

	mu            sync.Mutex
	QueuedFiles   int64
	QueuedSize    int64
	UploadedFiles int64
	UploadedSize  int64
	SkippedFiles  int64
	SkippedSize   int64
	RetryFiles    int64
	RetrySize     int64
	FailedFiles   int64
	startTime     time.Time
	lastUpdate    time.Time
	lastSize      int64
}

// NewProgress returns a progress handler writing to out.
func NewProgress(out io.Writer, withBar bool, clock clockwork.Clock) *Progress {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Progress{out: out, clock: clock}
	if withBar {
		p.bar = pb.New64(0)
		p.bar.Set(pb.Bytes, true)
		p.bar.SetWriter(out)
		p.bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{string . "file"}}`)
	}
	return p
}

// Handle implements notify.Handler.
func (p *Progress) Handle(e notify.Event) {
	switch e.Kind {
	case notify.SessionStarted:
		p.start(e)
	case notify.FileClassified:
		if !e.Class.NeedsTransfer() {
			if e.Class != models.ClassUnchanged {
				p.skip(e.Size)
			}
			return
		}
		p.queue(e.Size)
	case notify.TransferOutcome:
		p.settle(e)
	case notify.SessionEnded:
		p.finish(e)
	}
}

func (p *Progress) start(e notify.Event) {
	p.mu.Lock()
	now := p.clock.Now()
	p.QueuedFiles, p.QueuedSize = 0, 0
	p.UploadedFiles, p.UploadedSize = 0, 0
	p.SkippedFiles, p.SkippedSize = 0, 0
	p.RetryFiles, p.RetrySize = 0, 0
	p.FailedFiles = 0
	p.startTime, p.lastUpdate, p.lastSize = now, now, 0
	p.mu.Unlock()

	fmt.Fprintf(p.out, "Starting sync of %s (session %s)\n", e.Path, e.SessionID)
	if p.bar != nil {
		p.bar.Start()
	}
}

func (p *Progress) queue(size int64) {
	p.mu.Lock()
	p.QueuedFiles++
	p.QueuedSize += size
	total := p.QueuedSize
	p.mu.Unlock()

	if p.bar != nil {
		p.bar.SetTotal(total)
	}
}

func (p *Progress) skip(size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SkippedFiles++
	p.SkippedSize += size
}

func (p *Progress) settle(e notify.Event) {
	p.mu.Lock()
	switch transfer.State(e.State) {
	case transfer.StateSuccess:
		p.UploadedFiles++
		p.UploadedSize += e.Size
		if e.Attempts > 1 {
			p.RetryFiles++
			p.RetrySize += e.Size
		}
	case transfer.StateSkipped:
		p.SkippedFiles++
		p.SkippedSize += e.Size
	default:
		p.FailedFiles++
	}
	p.mu.Unlock()

	if p.bar != nil {
		p.bar.Set("file", e.Path)
		p.bar.Add64(e.Size)
		return
	}
	p.Print()
}

func (p *Progress) finish(e notify.Event) {
	if p.bar != nil {
		p.bar.Finish()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	avgSpeed, _ := p.getSpeed()
	elapsed := p.clock.Since(p.startTime)
	if e.Summary != nil {
		elapsed = e.Summary.Duration
	}

	fmt.Fprintf(p.out, "\nSync finished in %s:\n", elapsed.Round(time.Second))
	fmt.Fprintf(p.out, "- Uploaded: %d files (%s) at %s average\n",
		p.UploadedFiles,
		utils.FormatSize(p.UploadedSize),
		utils.FormatSpeed(avgSpeed))
	fmt.Fprintf(p.out, "- Retried: %d files (%s)\n", p.RetryFiles, utils.FormatSize(p.RetrySize))
	fmt.Fprintf(p.out, "- Skipped: %d files (%s)\n", p.SkippedFiles, utils.FormatSize(p.SkippedSize))
	fmt.Fprintf(p.out, "- Failed: %d files\n", p.FailedFiles)
	if e.Summary != nil {
		fmt.Fprintf(p.out, "- Status: %s\n", e.Summary.Status)
		if e.Summary.ErrorSummary != nil {
			fmt.Fprintf(p.out, "- Reason: %s\n", *e.Summary.ErrorSummary)
		}
	}
}

// getSpeed must be called with mu held.
func (p *Progress) getSpeed() (avgSpeed float64, currentSpeed float64) {
	now := p.clock.Now()
	totalDuration := now.Sub(p.startTime).Seconds()
	if totalDuration > 0 {
		avgSpeed = float64(p.UploadedSize) / totalDuration
	}

	intervalDuration := now.Sub(p.lastUpdate).Seconds()
	sizeDiff := float64(p.UploadedSize - p.lastSize)
	if intervalDuration > 0 {
		currentSpeed = sizeDiff / intervalDuration
	}

	p.lastUpdate = now
	p.lastSize = p.UploadedSize

	return avgSpeed, currentSpeed
}

// Print rewrites the status line.
func (p *Progress) Print() {
	p.mu.Lock()
	defer p.mu.Unlock()

	avgSpeed, currentSpeed := p.getSpeed()
	var percentage float64
	if p.QueuedSize > 0 {
		percentage = float64(p.UploadedSize) / float64(p.QueuedSize) * 100
	}

	fmt.Fprintf(p.out, "\rProgress: %d/%d files (%.1f%%) - %s/%s | Speed: %s (avg: %s) | Retried: %d (%s) - Skipped: %d (%s) - Failed: %d | Time Elapsed: %s",
		p.UploadedFiles,
		p.QueuedFiles,
		percentage,
		utils.FormatSize(p.UploadedSize),
		utils.FormatSize(p.QueuedSize),
		utils.FormatSpeed(currentSpeed),
		utils.FormatSpeed(avgSpeed),
		p.RetryFiles,
		utils.FormatSize(p.RetrySize),
		p.SkippedFiles,
		utils.FormatSize(p.SkippedSize),
		p.FailedFiles,
		utils.FormatDuration(p.clock.Since(p.startTime)),
	)
}
