package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
)

// MinChunkSize is the smallest part size S3-compatible multipart accepts.
const MinChunkSize = 5 << 20

// Config holds configuration for the scheduler
type Config struct {
	ParallelUploads int
	QueueSize       int
	// RetryAttempts is the total number of attempts per job, first included.
	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	ChunkSize     int64
	ChunkTimeout  time.Duration
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		ParallelUploads: 5,
		QueueSize:       10,
		RetryAttempts:   3,
		RetryDelay:      10 * time.Second,
		MaxRetryDelay:   2 * time.Minute,
		ChunkSize:       10 << 20,
		ChunkTimeout:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ParallelUploads <= 0 {
		c.ParallelUploads = def.ParallelUploads
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2 * c.ParallelUploads
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(def.MaxRetryDelay, c.RetryDelay)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = def.ChunkTimeout
	}
	return c
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithFs reads source files through fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Scheduler) { s.fs = fs }
}

// WithClock replaces the clock used for retry waits.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Future resolves once its job reaches a terminal state. For successful jobs
// the fingerprint store has already been updated by then.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r Result) {
	f.result = r
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() Result { return f.result }

// Wait blocks until the job settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type task struct {
	job    Job
	future *Future
}

// Scheduler uploads jobs on a fixed pool of workers fed by a bounded queue.
type Scheduler struct {
	cfg       Config
	transport Transport
	recorder  Recorder
	fs        afero.Fs
	clock     clockwork.Clock
	logger    log.FieldLogger

	queue chan task
	wg    sync.WaitGroup
	// sendMu keeps Close from closing the queue under a blocked Submit.
	sendMu sync.RWMutex

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool
	closed   bool
}

// New creates a scheduler. Call Start before submitting.
func New(cfg Config, transport Transport, recorder Recorder, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		transport: transport,
		recorder:  recorder,
		fs:        afero.NewOsFs(),
		clock:     clockwork.NewRealClock(),
		logger:    log.StandardLogger(),
		queue:     make(chan task, cfg.QueueSize),
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Start launches the workers. Cancelling ctx aborts in-flight uploads and
// resolves every job still queued as FATAL with the cancellation cause.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for i := 0; i < s.cfg.ParallelUploads; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.WithField("worker", id)
	buf := make([]byte, s.cfg.ChunkSize)

	for t := range s.queue {
		var result Result
		if ctx.Err() != nil {
			result = Result{Job: t.job, State: StateFatal, Err: context.Cause(ctx)}
		} else {
			m := NewMachine(t.job, s.cfg, s.transport, s.recorder, s.fs, s.clock, logger, buf)
			result = m.Run(ctx)
		}

		s.mu.Lock()
		delete(s.inflight, t.job.File.Path)
		s.mu.Unlock()
		t.future.resolve(result)
	}
}

// Submit enqueues job and blocks while the queue is full. A path that is
// already queued or uploading is rejected with ErrAlreadyQueued. Jobs whose
// class needs no transfer resolve immediately as SKIPPED.
func (s *Scheduler) Submit(ctx context.Context, job Job) (*Future, error) {
	future := newFuture()
	if !job.Class.NeedsTransfer() {
		future.resolve(Result{Job: job, State: StateSkipped})
		return future, nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("scheduler is closed")
	}
	if _, ok := s.inflight[job.File.Path]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", job.File.Path, syncerr.ErrAlreadyQueued)
	}
	s.inflight[job.File.Path] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- task{job: job, future: future}:
		return future, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.inflight, job.File.Path)
		s.mu.Unlock()
		return nil, context.Cause(ctx)
	}
}

// Pending returns the number of queued or in-flight jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close stops accepting jobs and waits for the workers to drain the queue.
// It must be called after Start.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sendMu.Lock()
	close(s.queue)
	s.sendMu.Unlock()
	s.wg.Wait()
}
