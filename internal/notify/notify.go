// Package notify fans sync events out to log, metrics and progress sinks
// without ever blocking the engine.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// Kind identifies an event.
type Kind string

const (
	SessionStarted  Kind = "session_started"
	FileClassified  Kind = "file_classified"
	TransferOutcome Kind = "transfer_outcome"
	SessionEnded    Kind = "session_ended"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	Time      time.Time
	SessionID string
	Path      string
	Size      int64
	Class     models.Class
	// State is the terminal transfer state for TransferOutcome.
	State    string
	Attempts int
	Bytes    int64
	Err      error
	Summary  *models.SessionSummary
}

// Handler consumes events on the dispatcher goroutine.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) Handle(e Event) { f(e) }

// Publisher accepts events.
type Publisher interface {
	Publish(Event) bool
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) bool { return true }

// Dispatcher delivers events to its handlers in order on one goroutine.
type Dispatcher struct {
	events   chan Event
	handlers []Handler
	dropped  atomic.Int64
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher with a buffer of size events.
func NewDispatcher(size int, handlers ...Handler) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		events:   make(chan Event, size),
		handlers: handlers,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		for _, h := range d.handlers {
			h.Handle(e)
		}
	}
}

// Publish queues e. It never blocks: when the buffer is full or the
// dispatcher is closed the event is dropped and false is returned.
func (d *Dispatcher) Publish(e Event) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.events <- e:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close delivers what is buffered and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	<-d.done
}

// LogHandler writes events as structured log lines.
type LogHandler struct {
	Logger log.FieldLogger
}

func (h LogHandler) Handle(e Event) {
	fields := log.Fields{"session": e.SessionID}
	if e.Path != "" {
		fields["path"] = e.Path
	}

	switch e.Kind {
	case SessionStarted:
		h.Logger.WithFields(fields).Info("sync session started")
	case FileClassified:
		fields["class"] = e.Class
		fields["size"] = e.Size
		h.Logger.WithFields(fields).Debug("file classified")
	case TransferOutcome:
		fields["state"] = e.State
		fields["attempts"] = e.Attempts
		fields["bytes"] = e.Bytes
		entry := h.Logger.WithFields(fields)
		if e.Err != nil {
			entry.WithError(e.Err).Warn("transfer failed")
			return
		}
		entry.Info("transfer finished")
	case SessionEnded:
		if s := e.Summary; s != nil {
			fields["status"] = s.Status
			fields["scanned"] = s.FilesScanned
			fields["uploaded"] = s.FilesUploaded
			fields["unchanged"] = s.FilesUnchanged
			fields["skipped"] = s.FilesSkipped
			fields["failed"] = s.FilesFailed
			fields["bytes"] = s.TotalBytes
			fields["duration"] = s.Duration.Round(time.Second)
		}
		h.Logger.WithFields(fields).Info("sync session ended")
	}
}
