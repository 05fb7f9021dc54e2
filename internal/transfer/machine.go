package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/fingerprint"
	"github.com/chmdznr/oss-volume-to-minio-sync/internal/syncerr"
	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// State is a position in the per-file transfer lifecycle.
type State string

const (
	StatePending   State = "PENDING"
	StateUploading State = "UPLOADING"
	StateRetryWait State = "RETRY_WAIT"
	StateSuccess   State = "SUCCESS"
	StateFatal     State = "FATAL"
	StateSkipped   State = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFatal || s == StateSkipped
}

const abortTimeout = 30 * time.Second

// Machine drives one Job through
//
//	PENDING -> UPLOADING -> SUCCESS
//	                     -> RETRY_WAIT -> UPLOADING
//	                     -> FATAL
//
// Each call to Step performs exactly one transition.
type Machine struct {
	job       Job
	cfg       Config
	transport Transport
	recorder  Recorder
	fs        afero.Fs
	clock     clockwork.Clock
	logger    log.FieldLogger
	backoff   backoff.BackOff
	buf       []byte

	state     State
	attempts  int
	wait      time.Duration
	lastErr   error
	remoteID  string
	bytesSent int64
}

// NewMachine prepares job for upload. buf is reused as the chunk buffer when
// it is large enough.
func NewMachine(job Job, cfg Config, transport Transport, recorder Recorder, fs afero.Fs, clock clockwork.Clock, logger log.FieldLogger, buf []byte) *Machine {
	cfg = cfg.withDefaults()
	if int64(cap(buf)) < cfg.ChunkSize {
		buf = make([]byte, cfg.ChunkSize)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryDelay
	eb.MaxInterval = cfg.MaxRetryDelay
	eb.MaxElapsedTime = 0
	eb.Clock = clock
	eb.Reset()

	state := StatePending
	if !job.Class.NeedsTransfer() {
		state = StateSkipped
	}

	return &Machine{
		job:       job,
		cfg:       cfg,
		transport: transport,
		recorder:  recorder,
		fs:        fs,
		clock:     clock,
		logger:    logger.WithField("path", job.File.Path),
		backoff:   eb,
		buf:       buf[:cfg.ChunkSize],
		state:     state,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns the number of upload attempts made so far.
func (m *Machine) Attempts() int { return m.attempts }

// Wait returns the delay chosen for the current RETRY_WAIT.
func (m *Machine) Wait() time.Duration { return m.wait }

// Run steps the machine until it reaches a terminal state.
func (m *Machine) Run(ctx context.Context) Result {
	for !m.state.Terminal() {
		m.Step(ctx)
	}
	return m.Result()
}

// Result reports the machine's outcome so far.
func (m *Machine) Result() Result {
	return Result{
		Job:            m.job,
		State:          m.state,
		Attempts:       m.attempts,
		RemoteObjectID: m.remoteID,
		BytesSent:      m.bytesSent,
		Err:            m.lastErr,
	}
}

// Step performs one transition and returns the new state.
func (m *Machine) Step(ctx context.Context) State {
	switch m.state {
	case StatePending:
		if ctx.Err() != nil {
			m.lastErr = context.Cause(ctx)
			m.state = StateFatal
			break
		}
		m.state = StateUploading

	case StateUploading:
		m.attempts++
		m.attempt(ctx)

	case StateRetryWait:
		select {
		case <-ctx.Done():
			m.lastErr = context.Cause(ctx)
			m.state = StateFatal
		case <-m.clock.After(m.wait):
			m.state = StateUploading
		}
	}
	return m.state
}

func (m *Machine) attempt(ctx context.Context) {
	started := m.clock.Now()
	remoteID, sent, err := m.upload(ctx)
	m.bytesSent += sent

	record := &models.TransferAttempt{
		Path:          m.job.File.Path,
		SessionID:     m.job.SessionID,
		AttemptNumber: m.attempts,
		BytesSent:     sent,
		StartedAt:     started,
		FinishedAt:    m.clock.Now(),
	}
	// The remote side is settled at this point; bookkeeping must not be
	// lost to a cancellation that arrived during the last chunk.
	storeCtx := context.WithoutCancel(ctx)

	if err == nil {
		record.Outcome = models.OutcomeSuccess
		if rerr := m.recorder.RecordSuccess(storeCtx, m.job.File.Path, m.job.File.ContentHash, remoteID, record); rerr != nil {
			m.logger.WithError(rerr).Error("upload confirmed but not recorded")
			m.lastErr = rerr
			m.state = StateFatal
			return
		}
		m.remoteID = remoteID
		m.lastErr = nil
		m.state = StateSuccess
		m.logger.WithFields(log.Fields{
			"attempt": m.attempts,
			"remote":  remoteID,
			"bytes":   sent,
		}).Debug("upload complete")
		return
	}

	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %v", context.Cause(ctx), err)
		record.Outcome = models.OutcomeFatalFailure
		m.state = StateFatal
	case syncerr.IsTransient(err) && m.attempts < m.cfg.RetryAttempts:
		record.Outcome = models.OutcomeRetryableFailure
		m.wait = m.backoff.NextBackOff()
		m.state = StateRetryWait
	case syncerr.IsTransient(err):
		err = fmt.Errorf("giving up after %d attempts: %w", m.attempts, err)
		record.Outcome = models.OutcomeFatalFailure
		m.state = StateFatal
	default:
		record.Outcome = models.OutcomeFatalFailure
		m.state = StateFatal
	}
	m.lastErr = err

	detail := err.Error()
	record.ErrorDetail = &detail
	m.logger.WithFields(log.Fields{
		"attempt": m.attempts,
		"outcome": record.Outcome,
		"retryIn": m.wait,
	}).WithError(err).Warn("upload attempt failed")

	if rerr := m.recorder.RecordFailure(storeCtx, m.job.File.Path, record); rerr != nil {
		if syncerr.IsStoreUnavailable(rerr) {
			m.lastErr = rerr
			m.state = StateFatal
			return
		}
		m.logger.WithError(rerr).Error("failed to record attempt")
	}
}

// upload streams the file through one remote upload and returns the remote
// object id and the number of bytes handed to the transport.
func (m *Machine) upload(ctx context.Context) (string, int64, error) {
	file, err := m.fs.Open(m.job.File.AbsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, syncerr.Fatal("open", err)
		}
		return "", 0, syncerr.Transient("open", err)
	}
	defer file.Close()

	meta := ObjectMeta{
		Path:        m.job.File.Path,
		Size:        m.job.File.Size,
		ModTime:     m.job.File.ModTime,
		ContentHash: m.job.File.ContentHash,
	}
	h, err := m.transport.CreateOrResumeUpload(ctx, m.job.FolderHint, meta)
	if err != nil {
		return "", 0, err
	}

	var sent int64
	hasher := fingerprint.NewHasher()
	for {
		n, rerr := io.ReadFull(file, m.buf)
		if n > 0 {
			hasher.Write(m.buf[:n])
			if err := m.writeChunk(ctx, h, m.buf[:n]); err != nil {
				m.abort(h)
				return "", sent, err
			}
			sent += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			m.abort(h)
			return "", sent, syncerr.Transient("read", rerr)
		}
	}

	if sum := fingerprint.Sum(hasher); sum != m.job.File.ContentHash {
		m.abort(h)
		return "", sent, fmt.Errorf("%s: %w", m.job.File.Path, syncerr.ErrFileChanged)
	}
	if err := ctx.Err(); err != nil {
		m.abort(h)
		return "", sent, err
	}

	remoteID, err := m.transport.Finalize(ctx, h)
	if err != nil {
		m.abort(h)
		return "", sent, err
	}
	return remoteID, sent, nil
}

func (m *Machine) writeChunk(ctx context.Context, h Handle, chunk []byte) error {
	chunkCtx, cancel := context.WithTimeout(ctx, m.cfg.ChunkTimeout)
	defer cancel()

	err := m.transport.WriteChunk(chunkCtx, h, chunk)
	if err != nil && ctx.Err() == nil && errors.Is(chunkCtx.Err(), context.DeadlineExceeded) {
		return syncerr.Transient("write chunk", fmt.Errorf("chunk timed out after %s: %w", m.cfg.ChunkTimeout, err))
	}
	return err
}

func (m *Machine) abort(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := m.transport.Abort(ctx, h); err != nil {
		m.logger.WithError(err).WithField("upload", h.UploadID()).Debug("abort failed")
	}
}
